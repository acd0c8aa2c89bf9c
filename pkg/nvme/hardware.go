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

package nvme

import (
	"fmt"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
)

// Link brings the PCIe link up before the controller is touched.
type Link interface {
	Init() error
	Deinit() error
}

// NopLink is used when firmware or the host OS already trained the link.
type NopLink struct{}

func (NopLink) Init() error   { return nil }
func (NopLink) Deinit() error { return nil }

// Hardware is everything the driver needs from the platform.
type Hardware struct {
	// Bridge covers the root port configuration space and, at 0x100000,
	// the endpoint configuration space.
	Bridge mmio.Bus
	// Registers is the controller BAR0.
	Registers mmio.Bus
	// Memory backs the queue, identify, log and PRP list arena.
	Memory  dma.Region
	Barrier mmio.Barrier
	Link    Link
}

func (hw *Hardware) setDefaults() error {
	if hw.Bridge == nil || hw.Registers == nil {
		return fmt.Errorf("nvme: bridge and controller registers are required")
	}
	if hw.Barrier == nil {
		hw.Barrier = mmio.CoherentBarrier{}
	}
	if hw.Link == nil {
		hw.Link = NopLink{}
	}
	return nil
}

// Calibration converts the raw composite temperature: T = (raw - Offset) * Slope + Base.
type Calibration struct {
	Offset float64 `yaml:"offset"`
	Slope  float64 `yaml:"slope"`
	Base   float64 `yaml:"base"`
}

func (c Calibration) apply(raw uint16) float64 {
	return (float64(raw)-c.Offset)*c.Slope + c.Base
}

type Config struct {
	// ID labels logs and metrics.
	ID string `yaml:"id,omitempty"`
	// ReadyTimeout bounds each CSTS.RDY transition.
	ReadyTimeout time.Duration `yaml:"readyTimeout,omitempty"`
	// AdminTimeout bounds the wait for each admin completion.
	AdminTimeout time.Duration `yaml:"adminTimeout,omitempty"`
	// SetPowerState issues Set Features (power management) during init.
	SetPowerState bool  `yaml:"setPowerState,omitempty"`
	PowerState    uint8 `yaml:"powerState,omitempty"`
	WorkloadHint  uint8 `yaml:"workloadHint,omitempty"`

	Temperature Calibration `yaml:"temperature,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		ID:           "nvme0",
		ReadyTimeout: 1000 * time.Millisecond,
		AdminTimeout: 10 * time.Millisecond,
		Temperature:  Calibration{Offset: 0, Slope: 1, Base: -kelvinOffset},
	}
}

func (c *Config) IsValid() error {
	if c.ID == "" {
		return fmt.Errorf("nvme: controller id must be set")
	}
	if c.ReadyTimeout <= 0 || c.AdminTimeout <= 0 {
		return fmt.Errorf("nvme: timeouts must be positive (ready %s, admin %s)", c.ReadyTimeout, c.AdminTimeout)
	}
	if c.PowerState > 31 {
		return fmt.Errorf("nvme: power state %d out of range", c.PowerState)
	}
	if c.WorkloadHint > 7 {
		return fmt.Errorf("nvme: workload hint %d out of range", c.WorkloadHint)
	}
	if c.Temperature.Slope == 0 {
		return fmt.Errorf("nvme: temperature slope must not be zero")
	}
	return nil
}
