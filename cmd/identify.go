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
	"fmt"
	"strings"

	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/spf13/cobra"
)

func newIdentifyCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:               "identify",
		Short:             "Print the identify controller and namespace data",
		Long:              ``,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              identifyCmdFunc,
	}
	return cmd
}

type identifyOutput struct {
	Controller *nvme.ControllerInfo `json:"controller"`
	Namespace  *nvme.NamespaceInfo  `json:"namespace"`
}

func (o *identifyOutput) String() string {
	var b strings.Builder
	c, ns := o.Controller, o.Namespace
	fmt.Fprintf(&b, "model:     %s\nserial:    %s\nfirmware:  %s\nversion:   %s\n", c.Model, c.Serial, c.Firmware, c.Version)
	fmt.Fprintf(&b, "namespace: %d nguid %s, %d x %d B (%d bytes)\n", ns.NSID, ns.NGUID, ns.LBACount, ns.LBASize, ns.CapacityBytes)
	for _, ps := range c.PowerStates {
		op := "operational"
		if ps.NonOperational {
			op = "non-operational"
		}
		fmt.Fprintf(&b, "ps %d: max %.4f W, idle %.4f W, active %.4f W, enlat %d us, exlat %d us, %s\n",
			ps.Index, ps.MaxPower, ps.IdlePower, ps.ActivePower, ps.EntryLatency, ps.ExitLatency, op)
	}
	fmt.Fprintf(&b, "idle power state: %d", c.IdlePowerState)
	return b.String()
}

func identifyCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(context.Background(), appConfig)
	if err != nil {
		return err
	}
	defer s.Close()

	return print(&identifyOutput{
		Controller: s.ctrl.ControllerInfo(),
		Namespace:  s.ctrl.NamespaceInfo(),
	}, formatFromFlags())
}
