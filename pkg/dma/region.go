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

// Package dma describes memory that both the CPU and a bus master device can reach.
package dma

import (
	"fmt"

	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Region is a physically contiguous range and the CPU view of it.
type Region struct {
	phys uint64
	buf  []byte
}

func NewRegion(phys uint64, buf []byte) Region {
	return Region{phys: phys, buf: buf}
}

// NewHeap backs a region with process memory and pretends it lives at phys.
// The simulator and tests use it in place of real physical memory.
func NewHeap(phys uint64, size int) Region {
	return Region{phys: phys, buf: make([]byte, size)}
}

func (r Region) Phys() uint64 {
	return r.phys
}

func (r Region) Bytes() []byte {
	return r.buf
}

func (r Region) Len() int {
	return len(r.buf)
}

// Slice returns n bytes starting at off. It panics when the range falls outside r.
func (r Region) Slice(off, n int) Region {
	if off < 0 || n < 0 || off+n > len(r.buf) {
		panic(fmt.Sprintf("dma: slice [%d:%d] out of region %#x+%#x", off, off+n, r.phys, len(r.buf)))
	}
	return Region{phys: r.phys + uint64(off), buf: r.buf[off : off+n : off+n]}
}

func (r Region) Zero() {
	for i := range r.buf {
		r.buf[i] = 0
	}
}

func (r Region) Contains(phys uint64, n int) bool {
	return phys >= r.phys && n >= 0 && phys-r.phys+uint64(n) <= uint64(len(r.buf))
}

func (r Region) String() string {
	return fmt.Sprintf("%#x+%#x", r.phys, len(r.buf))
}

// Mapped is a Region backed by a /dev/mem mapping.
type Mapped struct {
	Region
	window *mmio.Window
}

func Map(phys uint64, size int) (*Mapped, error) {
	w, err := mmio.Map(phys, size)
	if err != nil {
		return nil, err
	}
	return &Mapped{Region: NewRegion(phys, w.Bytes()), window: w}, nil
}

func (m *Mapped) Close() error {
	return m.window.Close()
}

// Space resolves physical addresses against a set of regions, the way a bus
// master sees memory.
type Space struct {
	regions []Region
}

func NewSpace(regions ...Region) *Space {
	return &Space{regions: regions}
}

func (s *Space) Add(r Region) {
	s.regions = append(s.regions, r)
}

// At returns the n bytes at phys. The range must not straddle two regions.
func (s *Space) At(phys uint64, n int) ([]byte, error) {
	for _, r := range s.regions {
		if r.Contains(phys, n) {
			off := int(phys - r.phys)
			return r.buf[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("dma: address %#x+%#x is not backed by any region", phys, n)
}
