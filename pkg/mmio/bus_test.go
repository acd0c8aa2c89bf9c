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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus(t *testing.T) {
	bus := NewMemory(0x40)

	bus.Write32(0x14, 0x00460001)
	assert.Equal(t, uint32(0x00460001), bus.Read32(0x14))

	bus.Write64(0x28, 0x10000000)
	assert.Equal(t, uint64(0x10000000), bus.Read64(0x28))
	assert.Equal(t, uint32(0x10000000), bus.Read32(0x28))
	assert.Equal(t, uint32(0), bus.Read32(0x2c))
}

func TestMemoryBusRejectsBadAccess(t *testing.T) {
	bus := NewMemory(0x40)
	require.Panics(t, func() { bus.Read32(0x2) })
	require.Panics(t, func() { bus.Write64(0x24, 1) })
	require.Panics(t, func() { bus.Read32(0x40) })
}

func TestCoherentBarrier(t *testing.T) {
	var b Barrier = CoherentBarrier{}
	assert.NotPanics(t, func() {
		b.Publish(make([]byte, 64))
		b.Full()
		b.Observe(make([]byte, 16))
	})
}
