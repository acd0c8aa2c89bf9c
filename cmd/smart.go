// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"

	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSmartCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:               "smart",
		Short:             "Read the SMART / health log",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              smartCmdFunc,
	}

	cmd.Flags().IntP("samples", "n", 1, "number of health log reads fed to the temperature filter")
	viper.BindPFlag("smart.samples", cmd.Flags().Lookup("samples"))

	return cmd
}

type smartOutput struct {
	Health           *nvme.HealthInfo `json:"health"`
	FilteredTempC    float64          `json:"filteredTemperatureC"`
	FilterSampleSize int              `json:"filterSamples"`
}

func smartCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := openSession(ctx, appConfig)
	if err != nil {
		return err
	}
	defer s.Close()

	samples := viper.GetInt("smart.samples")
	if samples < 1 {
		samples = 1
	}
	out := &smartOutput{FilterSampleSize: samples}
	// Init already primed the filter with one sample.
	out.Health = s.ctrl.Health()
	for i := 1; i < samples; i++ {
		health, err := s.ctrl.RefreshHealth(ctx)
		if err != nil {
			return err
		}
		out.Health = health
	}
	out.FilteredTempC = s.ctrl.Temperature()
	return print(out, formatFromFlags())
}
