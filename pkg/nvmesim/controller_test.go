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


package nvmesim

import (
	"testing"

	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/stretchr/testify/assert"
)

// enabled NVM configuration with 64 byte SQ and 16 byte CQ entries
const validCC = 1 | 6<<16 | 4<<20

func TestEnableRejectsUnsupportedConfig(t *testing.T) {
	tests := []struct {
		name  string
		cc    uint32
		fatal bool
	}{
		{"nvm round robin", validCC, false},
		{"other command set", validCC | 1<<4, true},
		{"weighted round robin", validCC | 1<<11, true},
		{"vendor arbitration", validCC | 7<<11, true},
		{"sq entry size", validCC&^(0xf<<16) | 7<<16, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sim := NewHardware(DefaultOptions())
			sim.Write32(nvme.RegCC, tt.cc)
			csts := sim.Read32(nvme.RegCSTS)
			assert.Equal(t, tt.fatal, csts&cstsFatal != 0, "csts %#x", csts)
			assert.Equal(t, 1, sim.Stats().EnableCount)
		})
	}
}
