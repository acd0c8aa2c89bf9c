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

	"github.com/lightbitslabs/nvme-baremetal/pkg/blockdev"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Initialize the controller and report the result",
		Long: `Run the full bring-up sequence (bridge, admin queue, enable, identify, power
state, I/O queues) and print the resulting state and status bitmask. A failed
bring-up is reported, not returned as an error.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE:              statusCmdFunc,
	}
	return cmd
}

type statusOutput struct {
	ID          string  `json:"id"`
	State       string  `json:"state"`
	Status      string  `json:"status"`
	StatusCode  uint32  `json:"statusCode"`
	Error       string  `json:"error,omitempty"`
	SectorCount uint64  `json:"sectorCount,omitempty"`
	SectorSize  uint64  `json:"sectorSize,omitempty"`
	BlockSize   uint64  `json:"blockSize,omitempty"`
	Temperature float64 `json:"temperatureC,omitempty"`
}

func (o *statusOutput) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (%s, %#x)", o.ID, o.State, o.Status, o.StatusCode)
	if o.Error != "" {
		fmt.Fprintf(&b, "\n  error: %s", o.Error)
		return b.String()
	}
	fmt.Fprintf(&b, "\n  sectors: %d x %d B, block %d", o.SectorCount, o.SectorSize, o.BlockSize)
	fmt.Fprintf(&b, "\n  temperature: %.2f C", o.Temperature)
	return b.String()
}

func statusCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := openPlatform(appConfig)
	if err != nil {
		return err
	}
	defer p.Close()

	ctrl, err := nvme.NewController(appConfig.Driver, p.hw)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	disk, err := blockdev.New(ctrl, appConfig.Disk)
	if err != nil {
		return err
	}

	out := &statusOutput{ID: ctrl.ID()}
	if err := disk.Initialize(context.Background()); err != nil {
		out.Error = err.Error()
	} else {
		for _, ioctl := range []struct {
			cmd blockdev.IoctlCmd
			dst *uint64
		}{
			{blockdev.GetSectorCount, &out.SectorCount},
			{blockdev.GetSectorSize, &out.SectorSize},
			{blockdev.GetBlockSize, &out.BlockSize},
		} {
			v, err := disk.Ioctl(ioctl.cmd)
			if err != nil {
				return fmt.Errorf("%s: %w", ioctl.cmd, err)
			}
			*ioctl.dst = v
		}
		out.Temperature = ctrl.Temperature()
	}
	out.State = ctrl.State().String()
	out.Status = ctrl.Status().String()
	out.StatusCode = uint32(ctrl.Status())
	return print(out, formatFromFlags())
}
