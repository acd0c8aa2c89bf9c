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

// Package blockdev adapts the controller to a sector based disk interface, the
// shape a filesystem layer expects.
package blockdev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/sirupsen/logrus"
)

const (
	maxSectorCount = 1 << 32
	blockSize      = 1
)

var (
	ErrNotReady    = errors.New("blockdev: disk not initialized")
	ErrGeometry    = errors.New("blockdev: unsupported disk geometry")
	ErrUnknownCtrl = errors.New("blockdev: unknown control code")
)

// Controller is the part of *nvme.Controller the disk uses.
type Controller interface {
	Init(ctx context.Context) error
	Status() nvme.Status
	LBACount() uint64
	LBASize() uint32
	Read(buf dma.Region, lba uint64, numLBA uint32) error
	Write(buf dma.Region, lba uint64, numLBA uint32) error
	Invalidate(buf dma.Region)
	Flush() error
	Trim(lba uint64, count uint32) error
	InFlight() uint16
	DrainTo(ctx context.Context, bound uint16) error
}

type Config struct {
	// SlipBound is how many writes may stay in flight when the source buffer
	// lies above SlipThreshold.
	SlipBound     uint16 `yaml:"slipBound,omitempty"`
	SlipThreshold uint64 `yaml:"slipThreshold,omitempty"`
	// DrainTimeout bounds each wait for in flight commands.
	DrainTimeout time.Duration `yaml:"drainTimeout,omitempty"`
	// InitAttempts is how many times Initialize runs the whole bring-up.
	InitAttempts uint          `yaml:"initAttempts,omitempty"`
	InitDelay    time.Duration `yaml:"initDelay,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		SlipBound:     16,
		SlipThreshold: 0x10000000,
		DrainTimeout:  time.Second,
		InitAttempts:  1,
		InitDelay:     100 * time.Millisecond,
	}
}

func (c *Config) IsValid() error {
	if c.SlipBound >= nvme.IOQueueDepth {
		return fmt.Errorf("blockdev: slip bound %d must be below the queue depth %d", c.SlipBound, nvme.IOQueueDepth)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("blockdev: drain timeout must be positive")
	}
	if c.InitAttempts == 0 {
		return fmt.Errorf("blockdev: at least one init attempt is required")
	}
	return nil
}

type Disk struct {
	ctrl Controller
	cfg  Config
	log  *logrus.Entry
}

func New(ctrl Controller, cfg Config) (*Disk, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return &Disk{
		ctrl: ctrl,
		cfg:  cfg,
		log:  logrus.WithFields(logrus.Fields{"component": "blockdev"}),
	}, nil
}

// Status returns nil once the controller is operational.
func (d *Disk) Status() error {
	if status := d.ctrl.Status(); status != nvme.StatusOK {
		return fmt.Errorf("%w: %s", ErrNotReady, status)
	}
	return nil
}

// Initialize brings the controller up unless it already is. Every attempt runs
// the full sequence, single commands are never retried.
func (d *Disk) Initialize(ctx context.Context) error {
	if d.ctrl.Status() == nvme.StatusOK {
		return nil
	}
	err := retry.Do(
		func() error {
			return d.ctrl.Init(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(d.cfg.InitAttempts),
		retry.Delay(d.cfg.InitDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.log.WithError(err).Warnf("initialization attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

func (d *Disk) drain(bound uint16) error {
	if d.ctrl.InFlight() <= bound {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
	defer cancel()
	return d.ctrl.DrainTo(ctx, bound)
}

// Read fills buf with count sectors starting at sector. Outstanding writes are
// finished first and the read itself is waited for.
func (d *Disk) Read(buf dma.Region, sector uint64, count uint32) error {
	if err := d.Status(); err != nil {
		return err
	}
	if err := d.drain(0); err != nil {
		return err
	}
	if err := d.ctrl.Read(buf, sector, count); err != nil {
		return err
	}
	if err := d.drain(0); err != nil {
		return err
	}
	d.ctrl.Invalidate(buf)
	return nil
}

// slip is how many writes from buf may stay in flight.
func (d *Disk) slip(buf dma.Region) uint16 {
	if buf.Phys() > d.cfg.SlipThreshold {
		return d.cfg.SlipBound
	}
	return 0
}

// Write submits count sectors from buf and returns once no more than the
// allowed slip is outstanding. buf must not be reused while writes from it
// may still be in flight.
func (d *Disk) Write(buf dma.Region, sector uint64, count uint32) error {
	if err := d.Status(); err != nil {
		return err
	}
	slip := d.slip(buf)
	if err := d.drain(slip); err != nil {
		return err
	}
	if err := d.ctrl.Write(buf, sector, count); err != nil {
		return err
	}
	return d.drain(slip)
}

// Sync flushes the volatile write cache and waits for every outstanding command.
func (d *Disk) Sync() error {
	if err := d.Status(); err != nil {
		return err
	}
	if err := d.ctrl.Flush(); err != nil {
		return err
	}
	return d.drain(0)
}

// Trim discards count sectors starting at sector and waits for it.
func (d *Disk) Trim(sector uint64, count uint32) error {
	if err := d.Status(); err != nil {
		return err
	}
	if err := d.drain(0); err != nil {
		return err
	}
	if err := d.ctrl.Trim(sector, count); err != nil {
		return err
	}
	return d.drain(0)
}

// SectorCount is the number of addressable sectors, at most 2^32.
func (d *Disk) SectorCount() (uint64, error) {
	count := d.ctrl.LBACount()
	if count == 0 || count > maxSectorCount {
		return 0, fmt.Errorf("%w: %d sectors", ErrGeometry, count)
	}
	return count, nil
}

func (d *Disk) SectorSize() (uint32, error) {
	size := d.ctrl.LBASize()
	if size != 512 && size != 4096 {
		return 0, fmt.Errorf("%w: %d byte sectors", ErrGeometry, size)
	}
	return size, nil
}

// BlockSize is the erase block size in sectors, unknown and therefore 1.
func (d *Disk) BlockSize() uint32 {
	return blockSize
}

type IoctlCmd int

const (
	CtrlSync IoctlCmd = iota
	GetSectorCount
	GetSectorSize
	GetBlockSize
)

func (c IoctlCmd) String() string {
	switch c {
	case CtrlSync:
		return "sync"
	case GetSectorCount:
		return "sector-count"
	case GetSectorSize:
		return "sector-size"
	case GetBlockSize:
		return "block-size"
	default:
		return fmt.Sprintf("IoctlCmd(%d)", int(c))
	}
}

// Ioctl runs a control request. The value is 0 for CtrlSync.
func (d *Disk) Ioctl(cmd IoctlCmd) (uint64, error) {
	switch cmd {
	case CtrlSync:
		return 0, d.Sync()
	case GetSectorCount:
		return d.SectorCount()
	case GetSectorSize:
		size, err := d.SectorSize()
		return uint64(size), err
	case GetBlockSize:
		return uint64(d.BlockSize()), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownCtrl, cmd)
	}
}
