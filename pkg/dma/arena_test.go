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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaLayout(t *testing.T) {
	size := ArenaSize(16, 64)
	assert.Equal(t, 0x48000, size)

	mem := NewHeap(0x10000000, size)
	arena, err := NewArena(mem, 16, 64)
	require.NoError(t, err)

	tests := []struct {
		name   string
		region Region
		phys   uint64
		len    int
	}{
		{"admin sq", arena.AdminSQ, 0x10000000, 16 * 64},
		{"admin cq", arena.AdminCQ, 0x10001000, 16 * 16},
		{"io sq", arena.IOSQ, 0x10002000, 64 * 64},
		{"io cq", arena.IOCQ, 0x10003000, 64 * 16},
		{"identify controller", arena.IdentifyController, 0x10004000, PageSize},
		{"identify namespace", arena.IdentifyNamespace, 0x10005000, PageSize},
		{"smart", arena.SMARTLog, 0x10006000, PageSize},
		{"dsm", arena.DSMRanges, 0x10007000, PageSize},
		{"prp lists", arena.PRPLists, 0x10008000, 64 * PageSize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.phys, tc.region.Phys())
			assert.Equal(t, tc.len, tc.region.Len())
		})
	}
}

func TestArenaRejectsBadMemory(t *testing.T) {
	_, err := NewArena(NewHeap(0x10000010, ArenaSize(16, 64)), 16, 64)
	assert.Error(t, err)

	_, err = NewArena(NewHeap(0x10000000, ArenaSize(16, 64)-1), 16, 64)
	assert.Error(t, err)
}

func TestArenaReset(t *testing.T) {
	mem := NewHeap(0, ArenaSize(16, 64))
	arena, err := NewArena(mem, 16, 64)
	require.NoError(t, err)
	for i := range mem.Bytes() {
		mem.Bytes()[i] = 0xa5
	}
	arena.Reset()
	assert.Equal(t, byte(0), arena.AdminSQ.Bytes()[0])
	assert.Equal(t, byte(0), arena.PRPLists.Bytes()[arena.PRPLists.Len()-1])
}

func TestSpaceResolve(t *testing.T) {
	a := NewHeap(0x1000, 0x1000)
	b := NewHeap(0x8000, 0x2000)
	space := NewSpace(a)
	space.Add(b)

	buf, err := space.At(0x8ff0, 0x20)
	require.NoError(t, err)
	buf[0] = 7
	assert.Equal(t, byte(7), b.Bytes()[0xff0])

	_, err = space.At(0x1ff0, 0x20)
	assert.Error(t, err, "range straddles the end of a region")

	_, err = space.At(0x4000, 1)
	assert.Error(t, err)
}

func TestRegionSlice(t *testing.T) {
	r := NewHeap(0x2000, 0x100)
	s := r.Slice(0x10, 0x20)
	assert.Equal(t, uint64(0x2010), s.Phys())
	assert.Equal(t, 0x20, s.Len())
	assert.Panics(t, func() { r.Slice(0xf0, 0x20) })
}
