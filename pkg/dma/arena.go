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

package dma

import "fmt"

const (
	sqEntrySize = 64
	cqEntrySize = 16
)

// Arena is the fixed carve-up of driver owned DMA memory. Regions are page
// aligned, laid out in field order and never resized.
type Arena struct {
	AdminSQ            Region
	AdminCQ            Region
	IOSQ               Region
	IOCQ               Region
	IdentifyController Region
	IdentifyNamespace  Region
	SMARTLog           Region
	DSMRanges          Region
	// one page of PRP entries per I/O queue slot
	PRPLists Region
}

func pages(n int) int {
	return (n + PageSize - 1) / PageSize * PageSize
}

// ArenaSize returns the bytes NewArena needs for the given queue depths.
func ArenaSize(adminDepth, ioDepth int) int {
	return pages(adminDepth*sqEntrySize) + pages(adminDepth*cqEntrySize) +
		pages(ioDepth*sqEntrySize) + pages(ioDepth*cqEntrySize) +
		4*PageSize + ioDepth*PageSize
}

func NewArena(mem Region, adminDepth, ioDepth int) (*Arena, error) {
	if mem.Phys()%PageSize != 0 {
		return nil, fmt.Errorf("dma: arena base %#x is not page aligned", mem.Phys())
	}
	if adminDepth < 2 || ioDepth < 2 {
		return nil, fmt.Errorf("dma: queue depths must be at least 2 (admin %d, io %d)", adminDepth, ioDepth)
	}
	if need := ArenaSize(adminDepth, ioDepth); mem.Len() < need {
		return nil, fmt.Errorf("dma: arena needs %#x bytes, region %s is too small", need, mem)
	}

	off := 0
	take := func(n int) Region {
		r := mem.Slice(off, n)
		off += pages(n)
		return r
	}
	a := &Arena{
		AdminSQ:            take(adminDepth * sqEntrySize),
		AdminCQ:            take(adminDepth * cqEntrySize),
		IOSQ:               take(ioDepth * sqEntrySize),
		IOCQ:               take(ioDepth * cqEntrySize),
		IdentifyController: take(PageSize),
		IdentifyNamespace:  take(PageSize),
		SMARTLog:           take(PageSize),
		DSMRanges:          take(PageSize),
		PRPLists:           take(ioDepth * PageSize),
	}
	return a, nil
}

// Reset zeroes every region.
func (a *Arena) Reset() {
	for _, r := range []Region{a.AdminSQ, a.AdminCQ, a.IOSQ, a.IOCQ, a.IdentifyController,
		a.IdentifyNamespace, a.SMARTLog, a.DSMRanges, a.PRPLists} {
		r.Zero()
	}
}
