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

// Package mmio gives typed access to memory mapped hardware registers.
package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Bus reads and writes device registers relative to the start of a register window.
// Every access is a single 32 or 64 bit word.
type Bus interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, value uint32)
	Read64(offset uint64) uint64
	Write64(offset uint64, value uint64)
}

// Memory is a Bus backed by ordinary memory. Registers keep whatever was last
// written to them, which is all unit tests of register programming need.
type Memory struct {
	buf []byte
}

func NewMemory(size int) *Memory {
	// keep the backing array 8 byte aligned for the 64 bit atomics
	words := make([]uint64, (size+7)/8)
	return &Memory{buf: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)}
}

func (m *Memory) check(offset uint64, width uint64) {
	if offset%width != 0 || offset+width > uint64(len(m.buf)) {
		panic(fmt.Sprintf("mmio: bad register access at %#x width %d", offset, width))
	}
}

func (m *Memory) Read32(offset uint64) uint32 {
	m.check(offset, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.buf[offset])))
}

func (m *Memory) Write32(offset uint64, value uint32) {
	m.check(offset, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.buf[offset])), value)
}

func (m *Memory) Read64(offset uint64) uint64 {
	m.check(offset, 8)
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.buf[offset])))
}

func (m *Memory) Write64(offset uint64, value uint64) {
	m.check(offset, 8)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&m.buf[offset])), value)
}
