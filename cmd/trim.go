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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const trimChunk = 1 << 17

func newTrimCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "trim",
		Short: "Deallocate a range of logical blocks",
		Long: `Deallocate (TRIM) --count blocks starting at --lba, 131072 blocks per
Dataset Management command. Without --count the whole namespace is trimmed.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              trimCmdFunc,
	}

	cmd.Flags().Uint64("lba", 0, "first logical block to deallocate")
	viper.BindPFlag("trim.lba", cmd.Flags().Lookup("lba"))

	cmd.Flags().Uint64("count", 0, "number of logical blocks to deallocate, 0 means up to the end of the namespace")
	viper.BindPFlag("trim.count", cmd.Flags().Lookup("count"))

	return cmd
}

type trimOutput struct {
	FirstLBA uint64  `json:"firstLba"`
	Blocks   uint64  `json:"blocks"`
	Seconds  float64 `json:"seconds"`
}

func trimCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openSession(context.Background(), appConfig)
	if err != nil {
		return err
	}
	defer s.Close()

	sectors, err := s.disk.SectorCount()
	if err != nil {
		return err
	}
	first := viper.GetUint64("trim.lba")
	count := viper.GetUint64("trim.count")
	if first >= sectors {
		return fmt.Errorf("lba %d is beyond the last block %d", first, sectors-1)
	}
	if count == 0 || first+count > sectors {
		count = sectors - first
	}

	log := logrus.WithFields(logrus.Fields{"ctrl": s.ctrl.ID(), "lba": first, "count": count})
	log.Infof("deallocating")
	start := time.Now()
	reported := 0
	for done := uint64(0); done < count; {
		n := count - done
		if n > trimChunk {
			n = trimChunk
		}
		if err := s.disk.Trim(first+done, uint32(n)); err != nil {
			return fmt.Errorf("trim %d+%d: %w", first+done, n, err)
		}
		done += n
		if elapsed := int(time.Since(start).Seconds()); elapsed > reported {
			reported = elapsed
			log.Infof("trim progress: %3.0f percent", float64(done)/float64(count)*100)
		}
	}
	return print(&trimOutput{FirstLBA: first, Blocks: count, Seconds: time.Since(start).Seconds()}, formatFromFlags())
}
