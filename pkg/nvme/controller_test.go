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

package nvme_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvmesim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() nvme.Config {
	cfg := nvme.DefaultConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	return cfg
}

func newController(t *testing.T, opts nvmesim.Options, cfg nvme.Config) (*nvme.Controller, *nvmesim.Controller) {
	hw, sim := nvmesim.NewHardware(opts)
	ctrl, err := nvme.NewController(cfg, hw)
	require.NoError(t, err)
	return ctrl, sim
}

func operational(t *testing.T, opts nvmesim.Options) (*nvme.Controller, *nvmesim.Controller) {
	ctrl, sim := newController(t, opts, testConfig())
	require.NoError(t, ctrl.Init(context.Background()))
	require.Equal(t, nvme.StateOperational, ctrl.State())
	return ctrl, sim
}

func TestControllerBringUp(t *testing.T) {
	ctrl, sim := newController(t, nvmesim.DefaultOptions(), testConfig())
	assert.Equal(t, nvme.StatusNotInitialized, ctrl.Status())
	assert.Equal(t, nvme.StateUninit, ctrl.State())
	assert.Equal(t, uint64(0), ctrl.LBACount())

	require.NoError(t, ctrl.Init(context.Background()))

	assert.Equal(t, nvme.StateOperational, ctrl.State())
	assert.Equal(t, nvme.StatusOK, ctrl.Status())
	assert.Equal(t, uint64(1000000), ctrl.LBACount())
	assert.Equal(t, uint32(512), ctrl.LBASize())
	assert.Len(t, ctrl.PowerStates(), 2)
	assert.Equal(t, 1, ctrl.IdlePowerState())

	stats := sim.Stats()
	assert.True(t, stats.BridgeEnabled)
	assert.GreaterOrEqual(t, stats.CSTSPolls, uint64(3))
	assert.Equal(t, 2, stats.QueuesCreated)

	info := ctrl.ControllerInfo()
	assert.Equal(t, "Simulated NVMe Controller", info.Model)
	assert.Equal(t, "SIM0000001", info.Serial)
	assert.Equal(t, "1.4.0", info.Version)

	ns := ctrl.NamespaceInfo()
	assert.Equal(t, uint32(1), ns.NSID)
	assert.Equal(t, uint64(512000000), ns.CapacityBytes)

	require.NotNil(t, ctrl.Health())
	assert.Equal(t, uint16(310), ctrl.Health().TemperatureKelvin)
	assert.InDelta(t, 36.85, ctrl.Temperature(), 1e-6)
}

func TestControllerTemperatureFilter(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	ctx := context.Background()

	sim.SetTemperature(330)
	health, err := ctrl.RefreshHealth(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 56.85, health.Temperature, 1e-6)
	// primed at 36.85 during init, one log read moves 5% toward the sample
	assert.InDelta(t, 37.85, ctrl.Temperature(), 1e-6)
	assert.InDelta(t, 37.85, ctrl.Temperature(), 1e-6, "reading the temperature must not feed the filter")

	_, err = ctrl.RefreshHealth(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.95*37.85+0.05*56.85, ctrl.Temperature(), 1e-6)
}

func TestControllerInitFailures(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*nvmesim.Options)
		want   []nvme.Status
	}{
		{"phy down", func(o *nvmesim.Options) { o.PhyStatus = 0 }, []nvme.Status{nvme.ErrPHY}},
		{"not nvme", func(o *nvmesim.Options) { o.ClassCode = 0x010601 }, []nvme.Status{nvme.ErrDeviceClass}},
		{"page size", func(o *nvmesim.Options) { o.MPSMin = 1 }, []nvme.Status{nvme.ErrMinPageSize}},
		{"command set", func(o *nvmesim.Options) { o.CommandSets = 0x40 }, []nvme.Status{nvme.ErrCommandSet}},
		{"page size and command set", func(o *nvmesim.Options) { o.MPSMin = 2; o.CommandSets = 0 }, []nvme.Status{nvme.ErrMinPageSize, nvme.ErrCommandSet}},
		{"never ready", func(o *nvmesim.Options) { o.NeverReady = true }, []nvme.Status{nvme.ErrReadyTimeout}},
		{"fatal status", func(o *nvmesim.Options) { o.FatalStatus = true }, []nvme.Status{nvme.ErrReadyTimeout}},
		{"entry sizes", func(o *nvmesim.Options) { o.SQES = 0x77 }, []nvme.Status{nvme.ErrQueueType}},
		{"lba size", func(o *nvmesim.Options) { o.LBAShift = 13 }, []nvme.Status{nvme.ErrLBASize}},
		{"no namespace", func(o *nvmesim.Options) { o.NoNamespace = true }, []nvme.Status{nvme.ErrLBASize}},
		{"queue creation", func(o *nvmesim.Options) { o.FailQueueCreation = true }, []nvme.Status{nvme.ErrQueueCreation}},
		{"small queues", func(o *nvmesim.Options) { o.MaxQueueEntries = 32 }, []nvme.Status{nvme.ErrQueueCreation}},
		{"identify lost", func(o *nvmesim.Options) { o.DropAdminOpcodes = []uint8{nvme.AdminIdentify} }, []nvme.Status{nvme.ErrAdminCompletion}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := nvmesim.DefaultOptions()
			tc.modify(&opts)
			ctrl, _ := newController(t, opts, testConfig())

			err := ctrl.Init(context.Background())
			require.Error(t, err)
			var initErr *nvme.InitError
			require.True(t, errors.As(err, &initErr))
			for _, flag := range tc.want {
				assert.ErrorIs(t, err, flag)
				assert.True(t, ctrl.Status().Has(flag))
			}
			assert.Equal(t, nvme.StateFailed, ctrl.State())
			assert.Equal(t, uint64(0), ctrl.LBACount())
			assert.Equal(t, uint32(0), ctrl.LBASize())
			assert.ErrorIs(t, ctrl.Flush(), nvme.ErrNotOperational)
		})
	}
}

func TestControllerPowerState(t *testing.T) {
	tests := []struct {
		name    string
		ps      uint8
		fail    bool
		wantErr bool
	}{
		{"ps0", 0, false, false},
		{"ps1", 1, false, false},
		{"unsupported", 5, false, true},
		{"rejected", 0, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := nvmesim.DefaultOptions()
			opts.FailPowerState = tc.fail
			cfg := testConfig()
			cfg.SetPowerState = true
			cfg.PowerState = tc.ps
			ctrl, sim := newController(t, opts, cfg)

			err := ctrl.Init(context.Background())
			if tc.wantErr {
				assert.ErrorIs(t, err, nvme.ErrPowerStateTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ps, sim.Stats().PowerState)
		})
	}
}

func TestControllerReinit(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	require.NoError(t, ctrl.Init(context.Background()))
	assert.Equal(t, nvme.StateOperational, ctrl.State())
	assert.Equal(t, 2, sim.Stats().EnableCount)
	assert.Equal(t, uint16(0), ctrl.InFlight())

	require.NoError(t, ctrl.Close())
	assert.Equal(t, nvme.StateUninit, ctrl.State())
}

func pattern(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

func TestControllerWriteReadRoundTrip(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	ctx := context.Background()

	src := sim.Alloc(4 * 4096).Slice(4, 16*512)
	pattern(src.Bytes(), 3)
	require.NoError(t, ctrl.Write(src, 100, 16))
	require.NoError(t, ctrl.DrainTo(ctx, 0))
	assert.Equal(t, src.Bytes()[512:1024], sim.Block(101))

	dst := sim.Alloc(4 * 4096).Slice(8, 16*512)
	require.NoError(t, ctrl.Read(dst, 100, 16))
	require.NoError(t, ctrl.DrainTo(ctx, 0))
	ctrl.Invalidate(dst)
	assert.True(t, bytes.Equal(src.Bytes(), dst.Bytes()))

	stats := sim.Stats()
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Equal(t, uint64(1), stats.Reads)
}

func TestControllerLargeTransferUsesList(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	ctx := context.Background()

	src := sim.Alloc(64 * 4096)
	pattern(src.Bytes(), 11)
	require.NoError(t, ctrl.Write(src, 0, 512))
	require.NoError(t, ctrl.DrainTo(ctx, 0))

	dst := sim.Alloc(64 * 4096)
	require.NoError(t, ctrl.Read(dst, 0, 512))
	require.NoError(t, ctrl.DrainTo(ctx, 0))
	assert.True(t, bytes.Equal(src.Bytes(), dst.Bytes()))
}

func TestControllerMisalignedWrite(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	buf := sim.Alloc(2 * 4096)
	for _, off := range []int{1, 2, 3} {
		err := ctrl.Write(buf.Slice(off, 512), 0, 1)
		assert.ErrorIs(t, err, nvme.ErrBadAlignment)
		err = ctrl.Read(buf.Slice(off, 512), 0, 1)
		assert.ErrorIs(t, err, nvme.ErrBadAlignment)
	}
	assert.Equal(t, uint16(0), ctrl.InFlight())
	assert.Equal(t, uint64(0), sim.Stats().Writes)
	assert.Equal(t, uint64(0), sim.Stats().Reads)
}

func TestControllerOutOfRange(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	buf := sim.Alloc(4096)
	assert.Error(t, ctrl.Write(buf, 999999, 2))
	assert.NoError(t, ctrl.Write(buf, 999999, 1))
}

func TestControllerSlipZero(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	ctx := context.Background()
	buf := sim.Alloc(4096)

	for i := 0; i < nvme.IOQueueDepth; i++ {
		require.NoError(t, ctrl.DrainTo(ctx, 0))
		require.NoError(t, ctrl.Write(buf, uint64(i), 1), "write %d", i)
	}
	require.NoError(t, ctrl.DrainTo(ctx, 0))
	assert.Equal(t, uint64(nvme.IOQueueDepth), sim.Stats().Writes)
}

func TestControllerQueueFull(t *testing.T) {
	opts := nvmesim.DefaultOptions()
	opts.DeferIO = true
	ctrl, sim := operational(t, opts)
	buf := sim.Alloc(4096)

	for i := 0; i < nvme.IOQueueDepth-1; i++ {
		require.NoError(t, ctrl.Write(buf, uint64(i), 1))
	}
	assert.Equal(t, uint16(nvme.IOQueueDepth-1), ctrl.InFlight())
	assert.ErrorIs(t, ctrl.Write(buf, 63, 1), nvme.ErrQueueFull)
	assert.ErrorIs(t, ctrl.Trim(0, 8), nvme.ErrQueueFull)
	assert.Equal(t, uint64(nvme.IOQueueDepth-1), sim.Stats().Writes)

	// nothing posted, nothing reclaimed
	assert.Equal(t, uint16(0), ctrl.ServiceIOCompletions(nvme.IOQueueDepth))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ctrl.DrainTo(ctx, 0), context.DeadlineExceeded)

	assert.Equal(t, 1, sim.CompleteIO(1))
	assert.Equal(t, uint16(1), ctrl.ServiceIOCompletions(nvme.IOQueueDepth))
	require.NoError(t, ctrl.Write(buf, 63, 1))

	sim.CompleteIO(nvme.IOQueueDepth)
	require.NoError(t, ctrl.DrainTo(context.Background(), 0))
	assert.Equal(t, uint16(0), ctrl.InFlight())
}

func TestControllerTrimAndFlush(t *testing.T) {
	ctrl, sim := operational(t, nvmesim.DefaultOptions())
	ctx := context.Background()

	buf := sim.Alloc(8 * 512)
	pattern(buf.Bytes(), 1)
	require.NoError(t, ctrl.Write(buf, 10, 8))
	require.NoError(t, ctrl.Flush())
	require.NoError(t, ctrl.DrainTo(ctx, 0))
	assert.Equal(t, buf.Bytes()[:512], sim.Block(10))

	require.NoError(t, ctrl.Trim(10, 4))
	require.NoError(t, ctrl.DrainTo(ctx, 0))
	assert.Equal(t, make([]byte, 512), sim.Block(10))
	assert.Equal(t, buf.Bytes()[4*512:5*512], sim.Block(14))

	stats := sim.Stats()
	assert.Equal(t, uint64(1), stats.Flushes)
	assert.Equal(t, uint64(4), stats.TrimmedBlocks)
	assert.Error(t, ctrl.Trim(0, 0))
}
