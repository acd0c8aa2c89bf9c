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
	"errors"
	"fmt"
	"io"

	"github.com/lightbitslabs/nvme-baremetal/pkg/blockdev"
	"github.com/lightbitslabs/nvme-baremetal/pkg/config"
	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvmesim"
	"github.com/sirupsen/logrus"
)

// platform owns the hardware windows and the data buffer of one command run.
type platform struct {
	hw      nvme.Hardware
	buffer  dma.Region
	sim     *nvmesim.Controller
	closers []io.Closer
}

func openPlatform(cfg *config.AppConfig) (*platform, error) {
	if cfg.Hardware.Backend == config.BackendSim {
		hw, sim := nvmesim.NewHardware(cfg.Sim.Options())
		logrus.Infof("using simulated controller %q", cfg.Sim.Options().Model)
		return &platform{hw: hw, sim: sim, buffer: sim.Alloc(cfg.Hardware.BufferSize)}, nil
	}

	p := &platform{}
	hwc := cfg.Hardware
	bridge, err := mmio.Map(hwc.BridgeBase, hwc.BridgeSize)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, bridge)
	regs, err := mmio.Map(hwc.RegistersBase, hwc.RegistersSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.closers = append(p.closers, regs)
	mem, err := dma.Map(hwc.MemoryBase, config.ArenaSize())
	if err != nil {
		p.Close()
		return nil, err
	}
	p.closers = append(p.closers, mem)
	buffer, err := dma.Map(hwc.BufferBase, hwc.BufferSize)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.closers = append(p.closers, buffer)

	p.hw = nvme.Hardware{
		Bridge:    bridge,
		Registers: regs,
		Memory:    mem.Region,
	}
	p.buffer = buffer.Region
	return p, nil
}

func (p *platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// session is an initialized controller behind the block adapter.
type session struct {
	*platform
	ctrl *nvme.Controller
	disk *blockdev.Disk
}

func openSession(ctx context.Context, cfg *config.AppConfig) (*session, error) {
	p, err := openPlatform(cfg)
	if err != nil {
		return nil, err
	}
	ctrl, err := nvme.NewController(cfg.Driver, p.hw)
	if err != nil {
		p.Close()
		return nil, err
	}
	disk, err := blockdev.New(ctrl, cfg.Disk)
	if err != nil {
		p.Close()
		return nil, err
	}
	s := &session{platform: p, ctrl: ctrl, disk: disk}
	if err := disk.Initialize(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("controller %s: %w", ctrl.ID(), err)
	}
	return s, nil
}

func (s *session) Close() error {
	err := s.ctrl.Close()
	return errors.Join(err, s.platform.Close())
}
