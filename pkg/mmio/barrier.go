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

import "sync/atomic"

// Barrier orders CPU accesses to DMA memory against doorbell writes.
type Barrier interface {
	// Publish must run after a queue entry is written and before the doorbell
	// that hands it to the device. Non coherent platforms clean b from the cache here.
	Publish(b []byte)
	// Observe must run before a completion entry in b is read. Non coherent
	// platforms invalidate b here.
	Observe(b []byte)
	// Full separates a doorbell write from any following register access.
	Full()
}

var fence uint32

// CoherentBarrier is used on platforms where the device snoops the CPU caches.
// The Go memory model only exposes fences through sync/atomic, so every method
// is a sequentially consistent atomic operation on a private word.
type CoherentBarrier struct{}

func (CoherentBarrier) Publish([]byte) {
	atomic.AddUint32(&fence, 1)
}

func (CoherentBarrier) Observe([]byte) {
	atomic.LoadUint32(&fence)
}

func (CoherentBarrier) Full() {
	atomic.AddUint32(&fence, 1)
}
