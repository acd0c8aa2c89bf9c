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

package config

import (
	"fmt"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/blockdev"
	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/logging"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvmesim"
	"github.com/lightbitslabs/nvme-baremetal/service"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	BackendDevMem = "devmem"
	BackendSim    = "sim"
)

type DebugConfig struct {
	// ip:port serving /metrics and /debug/pprof
	Endpoint    string `yaml:"endpoint,omitempty"`
	EnablePprof bool   `yaml:"enablepprof,omitempty"`
	Metrics     bool   `yaml:"metrics,omitempty"`
}

// HardwareConfig places the bridge, the controller BAR and the driver memory
// in the physical address map.
type HardwareConfig struct {
	// devmem maps the windows below through /dev/mem, sim runs against nvmesim.
	Backend string `yaml:"backend,omitempty"`

	BridgeBase    uint64 `yaml:"bridgeBase,omitempty"`
	BridgeSize    int    `yaml:"bridgeSize,omitempty"`
	RegistersBase uint64 `yaml:"registersBase,omitempty"`
	RegistersSize int    `yaml:"registersSize,omitempty"`
	// MemoryBase is the physical address of the queue and PRP list arena.
	MemoryBase uint64 `yaml:"memoryBase,omitempty"`
	// BufferBase and BufferSize describe the data buffer used by bench and trim.
	BufferBase uint64 `yaml:"bufferBase,omitempty"`
	BufferSize int    `yaml:"bufferSize,omitempty"`
}

func (c *HardwareConfig) IsValid() error {
	switch c.Backend {
	case BackendSim:
		if c.BufferSize <= 0 {
			return fmt.Errorf("hardware.bufferSize must be positive, got %d", c.BufferSize)
		}
		return nil
	case BackendDevMem:
	default:
		return fmt.Errorf("invalid hardware.backend %q. supported: %s, %s", c.Backend, BackendDevMem, BackendSim)
	}
	if c.BridgeSize < int(nvme.RegDeviceClassCode)+4 {
		return fmt.Errorf("hardware.bridgeSize %#x does not cover the endpoint class code", c.BridgeSize)
	}
	if c.RegistersSize < int(nvme.DoorbellOffset(1, true, 0))+4 {
		return fmt.Errorf("hardware.registersSize %#x does not cover the doorbells", c.RegistersSize)
	}
	for name, addr := range map[string]uint64{"memoryBase": c.MemoryBase, "bufferBase": c.BufferBase} {
		if addr%4096 != 0 {
			return fmt.Errorf("hardware.%s %#x is not page aligned", name, addr)
		}
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("hardware.bufferSize must be positive, got %d", c.BufferSize)
	}
	arenaEnd := c.MemoryBase + uint64(ArenaSize())
	if c.BufferBase < arenaEnd && c.MemoryBase < c.BufferBase+uint64(c.BufferSize) {
		return fmt.Errorf("hardware buffer %#x+%#x overlaps the driver arena %#x+%#x",
			c.BufferBase, c.BufferSize, c.MemoryBase, ArenaSize())
	}
	return nil
}

// ArenaSize is the driver memory needed at MemoryBase.
func ArenaSize() int {
	return dma.ArenaSize(nvme.AdminQueueDepth, nvme.IOQueueDepth)
}

// SimConfig shapes the simulated drive used by the sim backend.
type SimConfig struct {
	LBAShift          uint8  `yaml:"lbaShift,omitempty"`
	LBACount          uint64 `yaml:"lbaCount,omitempty"`
	TemperatureKelvin uint16 `yaml:"temperatureKelvin,omitempty"`
	ReadyAfterPolls   int    `yaml:"readyAfterPolls,omitempty"`
	Model             string `yaml:"model,omitempty"`
	Serial            string `yaml:"serial,omitempty"`
}

func (c *SimConfig) Options() nvmesim.Options {
	opts := nvmesim.DefaultOptions()
	opts.LBAShift = c.LBAShift
	opts.LBACount = c.LBACount
	opts.TemperatureKelvin = c.TemperatureKelvin
	opts.ReadyAfterPolls = c.ReadyAfterPolls
	if c.Model != "" {
		opts.Model = c.Model
	}
	if c.Serial != "" {
		opts.Serial = c.Serial
	}
	return opts
}

type AppConfig struct {
	Logging  logging.Config  `yaml:"logging,omitempty"`
	Debug    DebugConfig     `yaml:"debug,omitempty"`
	Hardware HardwareConfig  `yaml:"hardware,omitempty"`
	Driver   nvme.Config     `yaml:"driver,omitempty"`
	Disk     blockdev.Config `yaml:"disk,omitempty"`
	Monitor  service.Config  `yaml:"monitor,omitempty"`
	Sim      SimConfig       `yaml:"sim,omitempty"`
}

// Default returns the layout of the reference board: the AXI PCIe bridge at
// 0x5_0000_0000, BAR0 at 0xB000_0000, the arena at 0x1000_0000 and a 64KiB
// data buffer at 0x2000_0000.
func Default() AppConfig {
	sim := nvmesim.DefaultOptions()
	return AppConfig{
		Logging: logging.Config{
			MaxAge:       96 * time.Hour,
			MaxSize:      100,
			ReportCaller: true,
			Level:        "info",
		},
		Debug: DebugConfig{
			Endpoint: "0.0.0.0:6060",
			Metrics:  true,
		},
		Hardware: HardwareConfig{
			Backend:       BackendDevMem,
			BridgeBase:    0x500000000,
			BridgeSize:    0x101000,
			RegistersBase: 0xB0000000,
			RegistersSize: 0x2000,
			MemoryBase:    0x10000000,
			BufferBase:    0x20000000,
			BufferSize:    1 << 16,
		},
		Driver:  nvme.DefaultConfig(),
		Disk:    blockdev.DefaultConfig(),
		Monitor: service.DefaultConfig(),
		Sim: SimConfig{
			LBAShift:          sim.LBAShift,
			LBACount:          sim.LBACount,
			TemperatureKelvin: sim.TemperatureKelvin,
			ReadyAfterPolls:   sim.ReadyAfterPolls,
		},
	}
}

func (c *AppConfig) IsValid() error {
	if err := c.Logging.IsValid(); err != nil {
		return err
	}
	if err := c.Hardware.IsValid(); err != nil {
		return err
	}
	if err := c.Driver.IsValid(); err != nil {
		return err
	}
	if err := c.Disk.IsValid(); err != nil {
		return err
	}
	return c.Monitor.IsValid()
}

// LoadFromViper overlays whatever v holds (file, env, bound flags) on top of
// Default and validates the result.
func LoadFromViper(v *viper.Viper) (*AppConfig, error) {
	cfg := Default()
	useYamlTags := func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}
	if err := v.Unmarshal(&cfg, useYamlTags); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
