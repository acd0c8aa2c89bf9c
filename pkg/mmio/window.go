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

package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const devMem = "/dev/mem"

// Window is a physical address range mapped through /dev/mem.
type Window struct {
	phys    uint64
	mapping []byte
	regs    []byte
	log     *logrus.Entry
}

// Map maps size bytes of physical memory starting at phys. phys does not have
// to be page aligned.
func Map(phys uint64, size int) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmio: invalid window size %d", size)
	}
	fd, err := unix.Open(devMem, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", devMem, err)
	}
	defer unix.Close(fd)

	pageMask := uint64(unix.Getpagesize() - 1)
	base := phys &^ pageMask
	delta := int(phys - base)
	mapping, err := unix.Mmap(fd, int64(base), delta+size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap %#x+%#x: %w", phys, size, err)
	}
	w := &Window{
		phys:    phys,
		mapping: mapping,
		regs:    mapping[delta : delta+size],
		log:     logrus.WithFields(logrus.Fields{"phys": fmt.Sprintf("%#x", phys)}),
	}
	w.log.Debugf("mapped %d bytes", size)
	return w, nil
}

// Phys returns the physical address of offset 0.
func (w *Window) Phys() uint64 {
	return w.phys
}

// Bytes exposes the mapping for DMA buffers. Register accesses must go through
// the Bus methods.
func (w *Window) Bytes() []byte {
	return w.regs
}

func (w *Window) Close() error {
	if w.mapping == nil {
		return nil
	}
	err := unix.Munmap(w.mapping)
	w.mapping, w.regs = nil, nil
	w.log.Debugf("unmapped")
	return err
}

func (w *Window) word(offset uint64, width uint64) unsafe.Pointer {
	if offset%width != 0 || offset+width > uint64(len(w.regs)) {
		panic(fmt.Sprintf("mmio: bad register access at %#x width %d (window %#x+%#x)", offset, width, w.phys, len(w.regs)))
	}
	return unsafe.Pointer(&w.regs[offset])
}

func (w *Window) Read32(offset uint64) uint32 {
	return atomic.LoadUint32((*uint32)(w.word(offset, 4)))
}

func (w *Window) Write32(offset uint64, value uint32) {
	atomic.StoreUint32((*uint32)(w.word(offset, 4)), value)
}

func (w *Window) Read64(offset uint64) uint64 {
	return atomic.LoadUint64((*uint64)(w.word(offset, 8)))
}

func (w *Window) Write64(offset uint64, value uint64) {
	atomic.StoreUint64((*uint64)(w.word(offset, 8)), value)
}
