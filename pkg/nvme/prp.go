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
	"encoding/binary"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
)

const (
	pageShift      = dma.PageShift
	pageSize       = dma.PageSize
	prpEntrySize   = 8
	prpListEntries = pageSize / prpEntrySize
)

// prpBuilder fills the data pointer of I/O commands. Each queue slot owns one
// page of the list heap, selected by CID modulo the queue depth, so a list is
// never reused while its command can still be outstanding.
type prpBuilder struct {
	lists    dma.Region
	depth    uint16
	lbaShift uint8
	barrier  mmio.Barrier
}

func newPRPBuilder(lists dma.Region, depth uint16, lbaShift uint8, barrier mmio.Barrier) *prpBuilder {
	return &prpBuilder{lists: lists, depth: depth, lbaShift: lbaShift, barrier: barrier}
}

// prpCount returns how many page pointers follow PRP1 for numLBA blocks at phys.
func (b *prpBuilder) prpCount(phys uint64, numLBA uint32) uint32 {
	offset := phys & (pageSize - 1)
	firstPage := uint32((pageSize - offset) >> b.lbaShift)
	if numLBA <= firstPage {
		return 0
	}
	remaining := numLBA - firstPage
	return ((remaining - 1) >> (pageShift - b.lbaShift)) + 1
}

// check validates a transfer without touching any state.
func (b *prpBuilder) check(buf dma.Region, numLBA uint32) error {
	if buf.Phys()&0x3 != 0 {
		return ErrBadAlignment
	}
	if numLBA == 0 || uint64(buf.Len()) < uint64(numLBA)<<b.lbaShift {
		return ErrShortBuffer
	}
	if b.prpCount(buf.Phys(), numLBA) > prpListEntries {
		return ErrTransferTooLarge
	}
	return nil
}

// build sets PRP1 to the (possibly partial) first page and PRP2 to either the
// second page or the list holding every following page.
func (b *prpBuilder) build(buf dma.Region, numLBA uint32, cid uint16, dptr *DataPtr) error {
	if err := b.check(buf, numLBA); err != nil {
		return err
	}
	phys := buf.Phys()
	dptr.PRP1 = phys
	dptr.PRP2 = 0

	count := b.prpCount(phys, numLBA)
	if count == 0 {
		return nil
	}
	base := phys &^ (pageSize - 1)
	if count == 1 {
		dptr.PRP2 = base + pageSize
		return nil
	}
	list := b.lists.Slice(int(cid%b.depth)*pageSize, pageSize)
	entries := list.Bytes()
	for p := uint32(1); p <= count; p++ {
		binary.LittleEndian.PutUint64(entries[(p-1)*prpEntrySize:], base+uint64(p)*pageSize)
	}
	b.barrier.Publish(entries[:count*prpEntrySize])
	dptr.PRP2 = list.Phys()
	return nil
}
