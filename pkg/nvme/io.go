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
	"context"
	"fmt"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/metrics"
)

// I/O commands are submitted and never waited for. Callers keep the queue from
// overflowing with ServiceIOCompletions, InFlight and DrainTo.

func (ctrl *Controller) ioQueue() (*nvmeQueue, error) {
	if ctrl.state != StateOperational || ctrl.io == nil {
		return nil, ErrNotOperational
	}
	return ctrl.io, nil
}

// submitIO checks room and the transfer, then fills the data pointer and submits.
// Nothing is touched when any check fails.
func (ctrl *Controller) submitIO(cmd *CommonCommand, buf dma.Region, numLBA uint32) error {
	io, err := ctrl.ioQueue()
	if err != nil {
		return err
	}
	if err := ctrl.prp.check(buf, numLBA); err != nil {
		return err
	}
	if io.inFlight() >= io.sq.size-1 {
		return ErrQueueFull
	}
	if err := ctrl.prp.build(buf, numLBA, io.nextCID(), &cmd.Dptr); err != nil {
		return err
	}
	_, err = io.submit(cmd)
	if err != nil {
		return err
	}
	metrics.Metrics.InFlightCommands.WithLabelValues(ctrl.cfg.ID).Set(float64(io.inFlight()))
	return nil
}

// Write submits a write of numLBA blocks at lba from buf. buf must stay
// untouched until the command is reclaimed.
func (ctrl *Controller) Write(buf dma.Region, lba uint64, numLBA uint32) error {
	if err := ctrl.checkRange(lba, numLBA); err != nil {
		return err
	}
	ctrl.hw.Barrier.Publish(buf.Bytes())
	if err := ctrl.submitIO(NewWriteCommand(ctrl.nsid, lba, numLBA), buf, numLBA); err != nil {
		return err
	}
	metrics.Metrics.BytesTransferredTotal.WithLabelValues(ctrl.cfg.ID, "write").Add(float64(uint64(numLBA) << ctrl.lbaShift))
	return nil
}

// Read submits a read of numLBA blocks at lba into buf. The data is valid once
// the command is reclaimed and Invalidate has been called on buf.
func (ctrl *Controller) Read(buf dma.Region, lba uint64, numLBA uint32) error {
	if err := ctrl.checkRange(lba, numLBA); err != nil {
		return err
	}
	if err := ctrl.submitIO(NewReadCommand(ctrl.nsid, lba, numLBA), buf, numLBA); err != nil {
		return err
	}
	metrics.Metrics.BytesTransferredTotal.WithLabelValues(ctrl.cfg.ID, "read").Add(float64(uint64(numLBA) << ctrl.lbaShift))
	return nil
}

// Invalidate drops any cached copy of buf before the CPU reads DMA'd data.
func (ctrl *Controller) Invalidate(buf dma.Region) {
	ctrl.hw.Barrier.Observe(buf.Bytes())
}

func (ctrl *Controller) Flush() error {
	io, err := ctrl.ioQueue()
	if err != nil {
		return err
	}
	if _, err := io.submit(NewFlushCommand(ctrl.nsid)); err != nil {
		return err
	}
	metrics.Metrics.InFlightCommands.WithLabelValues(ctrl.cfg.ID).Set(float64(io.inFlight()))
	return nil
}

// Trim deallocates count blocks starting at lba with a single range.
func (ctrl *Controller) Trim(lba uint64, count uint32) error {
	io, err := ctrl.ioQueue()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("nvme: trim of zero blocks")
	}
	if err := ctrl.checkRange(lba, count); err != nil {
		return err
	}
	if io.inFlight() >= io.sq.size-1 {
		return ErrQueueFull
	}
	ranges := ctrl.arena.DSMRanges.Slice(int(io.nextCID()%io.sq.size)*DSMRangeSize, DSMRangeSize)
	if err := pack(ranges.Bytes(), &DSMRange{Length: count, StartLBA: lba}); err != nil {
		return err
	}
	ctrl.hw.Barrier.Publish(ranges.Bytes())
	if _, err := io.submit(NewDeallocateCommand(ctrl.nsid, 1, ranges.Phys())); err != nil {
		return err
	}
	metrics.Metrics.InFlightCommands.WithLabelValues(ctrl.cfg.ID).Set(float64(io.inFlight()))
	return nil
}

func (ctrl *Controller) checkRange(lba uint64, numLBA uint32) error {
	if ctrl.lbaCount != 0 && (lba >= ctrl.lbaCount || uint64(numLBA) > ctrl.lbaCount-lba) {
		return fmt.Errorf("nvme: blocks [%d, %d) beyond namespace size %d", lba, lba+uint64(numLBA), ctrl.lbaCount)
	}
	return nil
}

// InFlight is the number of I/O commands submitted and not yet reclaimed.
func (ctrl *Controller) InFlight() uint16 {
	if ctrl.io == nil {
		return 0
	}
	return ctrl.io.inFlight()
}

// ServiceIOCompletions reclaims up to max posted I/O completions without
// waiting and returns how many were reclaimed.
func (ctrl *Controller) ServiceIOCompletions(max uint16) uint16 {
	if ctrl.io == nil {
		return 0
	}
	count := ctrl.io.drain(max)
	if count > 0 {
		metrics.Metrics.InFlightCommands.WithLabelValues(ctrl.cfg.ID).Set(float64(ctrl.io.inFlight()))
	}
	return count
}

// DrainTo services completions until at most bound commands are in flight or
// ctx is done. Commands are never withdrawn, an abandoned wait leaves them
// outstanding.
func (ctrl *Controller) DrainTo(ctx context.Context, bound uint16) error {
	io, err := ctrl.ioQueue()
	if err != nil {
		return err
	}
	for io.inFlight() > bound {
		if ctrl.ServiceIOCompletions(io.sq.size) > 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("nvme: %d commands still in flight, want %d: %w", io.inFlight(), bound, err)
		}
	}
	return nil
}
