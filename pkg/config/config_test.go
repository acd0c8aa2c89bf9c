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
	"testing"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/testutils"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFile(t *testing.T, content string) (*AppConfig, error) {
	dir := testutils.CreateTempDir(t)
	filename := testutils.CreateConfigFile(t, dir, content)
	defer testutils.DeleteFile(t, filename)

	v := viper.New()
	v.SetConfigFile(filename)
	require.NoError(t, v.ReadInConfig())
	return LoadFromViper(v)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.IsValid())
	assert.Equal(t, BackendDevMem, cfg.Hardware.Backend)
	assert.Equal(t, uint64(0xB0000000), cfg.Hardware.RegistersBase)
	assert.Equal(t, 10*time.Millisecond, cfg.Driver.AdminTimeout)
	assert.Equal(t, uint16(16), cfg.Disk.SlipBound)
}

func TestLoadFromViperEmpty(t *testing.T) {
	cfg, err := LoadFromViper(viper.New())
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadFromViperOverlaysFile(t *testing.T) {
	cfg, err := loadFile(t, `
logging:
  level: debug
hardware:
  backend: sim
  bufferSize: 131072
driver:
  id: ssd1
  readyTimeout: 2s
  setPowerState: true
  powerState: 1
  temperature:
    offset: 0
    slope: 1
    base: -273.15
disk:
  slipBound: 8
monitor:
  pollInterval: 30s
sim:
  lbaShift: 12
  lbaCount: 2048
`)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, BackendSim, cfg.Hardware.Backend)
	assert.Equal(t, 1<<17, cfg.Hardware.BufferSize)
	assert.Equal(t, "ssd1", cfg.Driver.ID)
	assert.Equal(t, 2*time.Second, cfg.Driver.ReadyTimeout)
	assert.True(t, cfg.Driver.SetPowerState)
	assert.Equal(t, uint8(1), cfg.Driver.PowerState)
	assert.Equal(t, uint16(8), cfg.Disk.SlipBound)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)

	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Millisecond, cfg.Driver.AdminTimeout)
	assert.Equal(t, uint64(0x10000000), cfg.Disk.SlipThreshold)

	opts := cfg.Sim.Options()
	assert.Equal(t, uint8(12), opts.LBAShift)
	assert.Equal(t, uint64(2048), opts.LBACount)
	assert.Equal(t, "Simulated NVMe Controller", opts.Model)
}

func TestLoadFromViperRejects(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "log level", content: "logging:\n  level: verbose\n"},
		{name: "backend", content: "hardware:\n  backend: pci\n"},
		{name: "unaligned memory", content: "hardware:\n  memoryBase: 0x10000010\n"},
		{name: "buffer overlaps arena", content: "hardware:\n  bufferBase: 0x10004000\n"},
		{name: "short register window", content: "hardware:\n  registersSize: 0x100\n"},
		{name: "admin timeout", content: "driver:\n  adminTimeout: 0s\n"},
		{name: "slip bound", content: "disk:\n  slipBound: 64\n"},
		{name: "poll interval", content: "monitor:\n  pollInterval: 0s\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadFile(t, tc.content)
			require.Error(t, err)
		})
	}
}

func TestLoadFromViperOverrides(t *testing.T) {
	v := viper.New()
	v.Set("hardware.backend", BackendSim)
	v.Set("driver.id", "bench")
	cfg, err := LoadFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, BackendSim, cfg.Hardware.Backend)
	assert.Equal(t, "bench", cfg.Driver.ID)
}
