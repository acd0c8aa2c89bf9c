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
	"math/rand"
	"testing"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSQDoorbell = 0x1008
	testCQDoorbell = 0x100C
)

// fakeDevice posts completions into a CQ the way a controller would.
type fakeDevice struct {
	cq    dma.Region
	depth uint16
	tail  uint16
	phase uint8
}

func newFakeDevice(cq dma.Region, depth uint16) *fakeDevice {
	return &fakeDevice{cq: cq, depth: depth, phase: 1}
}

func (d *fakeDevice) complete(t *testing.T, cid uint16, status uint16) {
	cqe := &Completion{CommandID: cid, SqID: ioQueueID, Status: status<<1 | uint16(d.phase)}
	require.NoError(t, pack(d.cq.Slice(int(d.tail)*CQEntrySize, CQEntrySize).Bytes(), cqe))
	d.tail++
	if d.tail == d.depth {
		d.tail = 0
		d.phase ^= 1
	}
}

type recorder struct {
	events []string
}

type recordingBus struct {
	*mmio.Memory
	rec *recorder
}

func (b recordingBus) Write32(offset uint64, value uint32) {
	b.rec.events = append(b.rec.events, fmt.Sprintf("write %#x=%d", offset, value))
	b.Memory.Write32(offset, value)
}

type recordingBarrier struct {
	rec *recorder
}

func (b recordingBarrier) Publish(p []byte) {
	b.rec.events = append(b.rec.events, fmt.Sprintf("publish %d", len(p)))
}

func (b recordingBarrier) Observe([]byte) {}

func (b recordingBarrier) Full() {
	b.rec.events = append(b.rec.events, "full")
}

func newTestQueue(t *testing.T, depth uint16, regs mmio.Bus, barrier mmio.Barrier) (*nvmeQueue, *fakeDevice) {
	sq := dma.NewHeap(0x100000, int(depth)*SQEntrySize)
	cq := dma.NewHeap(0x200000, int(depth)*CQEntrySize)
	if regs == nil {
		regs = mmio.NewMemory(0x2000)
	}
	if barrier == nil {
		barrier = mmio.CoherentBarrier{}
	}
	queue, err := newQueue("test", ioQueueID, sq, cq, depth, 0, regs, barrier)
	require.NoError(t, err)
	return queue, newFakeDevice(cq, depth)
}

func TestQueueFIFOAndPhasePerLap(t *testing.T) {
	const depth = 4
	queue, dev := newTestQueue(t, depth, nil, nil)
	ctx := context.Background()

	reclaimed := 0
	for lap := 0; lap < 5; lap++ {
		var cids []uint16
		for i := 0; i < depth-1; i++ {
			cid, err := queue.submit(NewFlushCommand(1))
			require.NoError(t, err)
			cids = append(cids, cid)
		}
		for _, cid := range cids {
			dev.complete(t, cid, 0)
		}
		for _, cid := range cids {
			completion, err := queue.pollOne(ctx)
			require.NoError(t, err)
			assert.Equal(t, cid, completion.CommandID, "lap %d", lap)
			reclaimed++
			wantPhase := uint8(1 ^ (reclaimed/depth)&1)
			assert.Equal(t, wantPhase, queue.cq.phase, "after %d completions", reclaimed)
		}
		assert.Equal(t, uint16(0), queue.inFlight())
	}
	assert.Equal(t, uint16(reclaimed%depth), queue.cq.head)
}

func TestQueueInFlightInvariant(t *testing.T) {
	const depth = 16
	queue, dev := newTestQueue(t, depth, nil, nil)
	// start close to the CID wrap
	queue.sq.cid = 0xFFF0
	queue.cq.lastCID = 0xFFEF
	rng := rand.New(rand.NewSource(1))

	var outstanding []uint16
	posted := 0
	for step := 0; step < 2000; step++ {
		switch rng.Intn(3) {
		case 0:
			cid, err := queue.submit(NewFlushCommand(1))
			if len(outstanding)+posted >= depth-1 {
				require.ErrorIs(t, err, ErrQueueFull)
				continue
			}
			require.NoError(t, err)
			outstanding = append(outstanding, cid)
		case 1:
			n := rng.Intn(len(outstanding) + 1)
			for _, cid := range outstanding[:n] {
				dev.complete(t, cid, 0)
			}
			outstanding = outstanding[n:]
			posted += n
		case 2:
			max := uint16(rng.Intn(depth))
			got := queue.drain(max)
			want := posted
			if want > int(max) {
				want = int(max)
			}
			require.Equal(t, uint16(want), got)
			posted -= want
		}
		inFlight := queue.inFlight()
		require.LessOrEqual(t, inFlight, uint16(depth))
		require.Equal(t, uint16(len(outstanding)+posted), inFlight, "step %d", step)
	}
}

func TestQueueFullLeavesStateUntouched(t *testing.T) {
	regs := mmio.NewMemory(0x2000)
	queue, dev := newTestQueue(t, IOQueueDepth, regs, nil)

	for i := 0; i < IOQueueDepth-1; i++ {
		_, err := queue.submit(NewWriteCommand(1, uint64(i), 1))
		require.NoError(t, err)
	}
	tail, cid := queue.sq.tail, queue.sq.cid
	doorbell := regs.Read32(testSQDoorbell)

	_, err := queue.submit(NewWriteCommand(1, 63, 1))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, tail, queue.sq.tail)
	assert.Equal(t, cid, queue.sq.cid)
	assert.Equal(t, doorbell, regs.Read32(testSQDoorbell))
	assert.Equal(t, uint16(IOQueueDepth-1), queue.inFlight())

	// nothing posted yet
	assert.Equal(t, uint16(0), queue.drain(IOQueueDepth))

	dev.complete(t, 0, 0)
	assert.Equal(t, uint16(1), queue.drain(IOQueueDepth))
	_, err = queue.submit(NewWriteCommand(1, 63, 1))
	require.NoError(t, err)
}

func TestQueueSubmitPublishesBeforeDoorbell(t *testing.T) {
	rec := &recorder{}
	regs := recordingBus{Memory: mmio.NewMemory(0x2000), rec: rec}
	queue, dev := newTestQueue(t, 8, regs, recordingBarrier{rec: rec})

	cid, err := queue.submit(NewFlushCommand(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"publish 64", fmt.Sprintf("write %#x=1", testSQDoorbell), "full"}, rec.events)

	var cmd CommonCommand
	require.NoError(t, unpack(queue.sq.mem.Slice(0, SQEntrySize).Bytes(), &cmd))
	assert.Equal(t, cid, cmd.CommandID)
	assert.Equal(t, uint8(IOFlush), cmd.Opcode)

	rec.events = nil
	for i := 0; i < 3; i++ {
		_, err := queue.submit(NewFlushCommand(1))
		require.NoError(t, err)
	}
	for i := uint16(0); i < 4; i++ {
		dev.complete(t, i, 0)
	}
	rec.events = nil
	assert.Equal(t, uint16(4), queue.drain(8))
	assert.Equal(t, []string{fmt.Sprintf("write %#x=4", testCQDoorbell), "full"}, rec.events)
	assert.Equal(t, uint16(3), queue.cq.lastCID)
}

func TestQueueDrainNothingReady(t *testing.T) {
	rec := &recorder{}
	regs := recordingBus{Memory: mmio.NewMemory(0x2000), rec: rec}
	queue, _ := newTestQueue(t, 8, regs, nil)

	assert.Equal(t, uint16(0), queue.drain(8))
	assert.Empty(t, rec.events)
}

func TestQueuePollOneTimeout(t *testing.T) {
	queue, _ := newTestQueue(t, 8, nil, nil)
	_, err := queue.submit(NewFlushCommand(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err = queue.pollOne(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint16(1), queue.inFlight())
}

func TestQueueCompletionError(t *testing.T) {
	queue, dev := newTestQueue(t, 8, nil, nil)
	cid, err := queue.submit(NewReadCommand(1, 0, 1))
	require.NoError(t, err)
	dev.complete(t, cid, 0x80)

	completion, err := queue.pollOne(context.Background())
	require.NoError(t, err)
	assert.True(t, completion.Failed())
	assert.Equal(t, uint16(0x80), completion.StatusCode())
}
