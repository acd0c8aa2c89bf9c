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
	"sync/atomic"
	"unsafe"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/metrics"
	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
	"github.com/sirupsen/logrus"
)

const (
	AdminQueueDepth = 16
	IOQueueDepth    = 64

	adminQueueID = 0
	ioQueueID    = 1
)

type nvmeSQ struct {
	mem      dma.Region
	size     uint16
	tail     uint16
	cid      uint16 // identifier of the next command
	doorbell uint64
}

type nvmeCQ struct {
	mem      dma.Region
	size     uint16
	head     uint16
	phase    uint8 // phase tag carried by entries the device has not posted over yet
	lastCID  uint16
	doorbell uint64
}

// nvmeQueue is a submission/completion ring pair. The local tail and head are the
// only source of truth for the next slot; the doorbells mirror them.
type nvmeQueue struct {
	id      uint16
	name    string
	ctrlID  string
	sq      nvmeSQ
	cq      nvmeCQ
	regs    mmio.Bus
	barrier mmio.Barrier
	log     *logrus.Entry
}

func newQueue(ctrlID string, id uint16, sqMem, cqMem dma.Region, depth uint16, dstrd uint8, regs mmio.Bus, barrier mmio.Barrier) (*nvmeQueue, error) {
	if sqMem.Len() < int(depth)*SQEntrySize || cqMem.Len() < int(depth)*CQEntrySize {
		return nil, fmt.Errorf("queue %d: memory too small for %d entries", id, depth)
	}
	name := "io"
	if id == adminQueueID {
		name = "admin"
	}
	queue := &nvmeQueue{
		id:      id,
		name:    name,
		ctrlID:  ctrlID,
		regs:    regs,
		barrier: barrier,
		sq: nvmeSQ{
			mem:      sqMem.Slice(0, int(depth)*SQEntrySize),
			size:     depth,
			doorbell: DoorbellOffset(id, false, dstrd),
		},
		cq: nvmeCQ{
			mem:      cqMem.Slice(0, int(depth)*CQEntrySize),
			size:     depth,
			phase:    1,
			lastCID:  0xFFFF,
			doorbell: DoorbellOffset(id, true, dstrd),
		},
		log: logrus.WithFields(logrus.Fields{"ctrl": ctrlID, "qid": id}),
	}
	queue.sq.mem.Zero()
	queue.cq.mem.Zero()
	return queue, nil
}

// inFlight is the number of submitted commands whose completion has not been
// reclaimed, assuming completions are posted in submission order.
func (queue *nvmeQueue) inFlight() uint16 {
	return queue.sq.cid - queue.cq.lastCID - 1
}

// nextCID is the identifier the next submitted command will carry.
func (queue *nvmeQueue) nextCID() uint16 {
	return queue.sq.cid
}

// submit copies cmd into the tail slot and rings the tail doorbell. A ring of
// N slots holds at most N-1 outstanding commands; submit fails with
// ErrQueueFull instead of overwriting a slot the device may not have consumed.
func (queue *nvmeQueue) submit(cmd *CommonCommand) (uint16, error) {
	if queue.inFlight() >= queue.sq.size-1 {
		return 0, ErrQueueFull
	}
	cmd.CommandID = queue.sq.cid
	slot := queue.sq.mem.Slice(int(queue.sq.tail)*SQEntrySize, SQEntrySize).Bytes()
	if err := pack(slot, cmd); err != nil {
		return 0, err
	}
	queue.sq.tail = (queue.sq.tail + 1) % queue.sq.size
	queue.sq.cid++

	queue.barrier.Publish(slot)
	queue.regs.Write32(queue.sq.doorbell, uint32(queue.sq.tail))
	queue.barrier.Full()

	metrics.Metrics.CommandsSubmittedTotal.WithLabelValues(queue.ctrlID, queue.name, OpcodeName(queue.id == adminQueueID, cmd.Opcode)).Inc()
	queue.log.Tracef("submitted %s", cmd)
	return cmd.CommandID, nil
}

func (queue *nvmeQueue) cqSlot(index uint16) []byte {
	return queue.cq.mem.Slice(int(index)*CQEntrySize, CQEntrySize).Bytes()
}

// ready reports whether the entry at head was posted in the current lap.
// DW3 is read as one word so the phase tag and CID are observed together.
func (queue *nvmeQueue) ready() bool {
	slot := queue.cqSlot(queue.cq.head)
	queue.barrier.Observe(slot)
	dw3 := atomic.LoadUint32((*uint32)(unsafe.Pointer(&slot[12])))
	return uint8(dw3>>16)&0x1 == queue.cq.phase
}

// consume copies out the entry at head and advances head, flipping the
// expected phase on wrap. The doorbell is left to the caller.
func (queue *nvmeQueue) consume() (*Completion, error) {
	completion := &Completion{}
	if err := unpack(queue.cqSlot(queue.cq.head), completion); err != nil {
		return nil, err
	}
	queue.cq.head++
	if queue.cq.head == queue.cq.size {
		queue.cq.head = 0
		queue.cq.phase ^= 1
	}
	queue.cq.lastCID = completion.CommandID

	metrics.Metrics.CompletionsTotal.WithLabelValues(queue.ctrlID, queue.name).Inc()
	if completion.Failed() {
		metrics.Metrics.CompletionErrorsTotal.WithLabelValues(queue.ctrlID, queue.name).Inc()
		queue.log.Warnf("command completed with error: %s", completion)
	}
	return completion, nil
}

func (queue *nvmeQueue) ringCQDoorbell() {
	queue.regs.Write32(queue.cq.doorbell, uint32(queue.cq.head))
	queue.barrier.Full()
}

// pollOne spins until the next completion is posted or ctx is done.
func (queue *nvmeQueue) pollOne(ctx context.Context) (*Completion, error) {
	for !queue.ready() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	completion, err := queue.consume()
	if err != nil {
		return nil, err
	}
	queue.ringCQDoorbell()
	return completion, nil
}

// drain reclaims up to max posted completions without waiting and rings the
// head doorbell once. It returns how many entries were reclaimed.
func (queue *nvmeQueue) drain(max uint16) uint16 {
	var count uint16
	for count < max && queue.ready() {
		if _, err := queue.consume(); err != nil {
			queue.log.WithError(err).Errorf("failed to decode completion at head %d", queue.cq.head)
			break
		}
		count++
	}
	if count > 0 {
		queue.ringCQDoorbell()
		metrics.Metrics.DrainBatchSize.WithLabelValues(queue.ctrlID).Observe(float64(count))
	}
	return count
}
