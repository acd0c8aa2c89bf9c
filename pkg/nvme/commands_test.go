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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEncoding(t *testing.T) {
	tests := []struct {
		name string
		cmd  *CommonCommand
		want CommonCommand
	}{
		{
			name: "identify controller",
			cmd:  NewIdentifyCommand(IdentifyCNSController, 0, 0x10004000),
			want: CommonCommand{Opcode: AdminIdentify, Dptr: DataPtr{PRP1: 0x10004000}, Cdw10: 1},
		},
		{
			name: "identify namespace",
			cmd:  NewIdentifyCommand(IdentifyCNSNamespace, 1, 0x10005000),
			want: CommonCommand{Opcode: AdminIdentify, NSId: 1, Dptr: DataPtr{PRP1: 0x10005000}},
		},
		{
			name: "create io cq",
			cmd:  NewCreateIOCQCommand(1, 64, 0x10003000),
			want: CommonCommand{Opcode: AdminCreateIOCQ, Dptr: DataPtr{PRP1: 0x10003000}, Cdw10: 63<<16 | 1, Cdw11: 1},
		},
		{
			name: "create io sq",
			cmd:  NewCreateIOSQCommand(1, 64, 1, 0x10002000),
			want: CommonCommand{Opcode: AdminCreateIOSQ, Dptr: DataPtr{PRP1: 0x10002000}, Cdw10: 63<<16 | 1, Cdw11: 0x00010001},
		},
		{
			name: "smart log",
			cmd:  NewGetLogPageCommand(LogPageSMART, 0xFFFFFFFF, SMARTLogSize, 0x10006000),
			want: CommonCommand{Opcode: AdminGetLogPage, NSId: 0xFFFFFFFF, Dptr: DataPtr{PRP1: 0x10006000}, Cdw10: 0x007F0002},
		},
		{
			name: "power state 0 with workload hint",
			cmd:  NewSetPowerStateCommand(0, 2),
			want: CommonCommand{Opcode: AdminSetFeatures, Cdw10: 2, Cdw11: 2 << 5},
		},
		{
			name: "power state 3 ignores workload hint",
			cmd:  NewSetPowerStateCommand(3, 2),
			want: CommonCommand{Opcode: AdminSetFeatures, Cdw10: 2, Cdw11: 3},
		},
		{
			name: "write above 4G blocks",
			cmd:  NewWriteCommand(1, 0x100000002, 8),
			want: CommonCommand{Opcode: IOWrite, NSId: 1, Cdw10: 2, Cdw11: 1, Cdw12: 7},
		},
		{
			name: "read",
			cmd:  NewReadCommand(1, 2048, 1),
			want: CommonCommand{Opcode: IORead, NSId: 1, Cdw10: 2048},
		},
		{
			name: "flush",
			cmd:  NewFlushCommand(1),
			want: CommonCommand{Opcode: IOFlush, NSId: 1},
		},
		{
			name: "deallocate",
			cmd:  NewDeallocateCommand(1, 1, 0x10007000),
			want: CommonCommand{Opcode: IODatasetMgmt, NSId: 1, Dptr: DataPtr{PRP1: 0x10007000}, Cdw11: 4},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, *tc.cmd)
		})
	}
}

func TestCommandWireLayout(t *testing.T) {
	cmd := NewWriteCommand(1, 0x0000000500000010, 4)
	cmd.CommandID = 0x1234
	cmd.Dptr = DataPtr{PRP1: 0x20000000, PRP2: 0x20001000}

	raw := make([]byte, SQEntrySize)
	require.NoError(t, pack(raw, cmd))
	assert.Equal(t, uint8(IOWrite), raw[0])
	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(raw[2:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[4:]))
	assert.Equal(t, uint64(0x20000000), binary.LittleEndian.Uint64(raw[24:]))
	assert.Equal(t, uint64(0x20001000), binary.LittleEndian.Uint64(raw[32:]))
	assert.Equal(t, uint32(0x10), binary.LittleEndian.Uint32(raw[40:]))
	assert.Equal(t, uint32(0x5), binary.LittleEndian.Uint32(raw[44:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(raw[48:]))
}

func TestCompletionLayout(t *testing.T) {
	raw := make([]byte, CQEntrySize)
	binary.LittleEndian.PutUint32(raw[0:], 0xCAFE)
	binary.LittleEndian.PutUint16(raw[8:], 5)
	binary.LittleEndian.PutUint16(raw[10:], 1)
	binary.LittleEndian.PutUint16(raw[12:], 0x42)
	binary.LittleEndian.PutUint16(raw[14:], 0x0281<<1|1)

	var c Completion
	require.NoError(t, unpack(raw, &c))
	assert.Equal(t, uint32(0xCAFE), c.Result.U32())
	assert.Equal(t, uint16(5), c.SqHead)
	assert.Equal(t, uint16(1), c.SqID)
	assert.Equal(t, uint16(0x42), c.CommandID)
	assert.Equal(t, uint8(1), c.Phase())
	assert.Equal(t, uint16(0x281), c.StatusCode())
	assert.True(t, c.Failed())
}

func TestNewCompletion(t *testing.T) {
	c := NewCompletion(0x42, 1, 0x281)
	assert.Equal(t, uint16(0x42), c.CommandID)
	assert.Equal(t, uint16(1), c.SqID)
	assert.Equal(t, uint8(0), c.Phase())
	assert.Equal(t, uint16(0x281), c.StatusCode())
	assert.True(t, c.Failed())

	c.Status |= 1
	assert.Equal(t, uint8(1), c.Phase())
	assert.Equal(t, uint16(0x281), c.StatusCode())

	assert.False(t, NewCompletion(7, 0, 0).Failed())
}

func TestControllerConfigFields(t *testing.T) {
	cc := controllerConfig()
	assert.False(t, CCEnabled(cc))
	assert.Equal(t, uint8(0), CCCSS(cc))
	assert.Equal(t, uint8(0), CCAMS(cc))
	assert.Equal(t, uint8(0), CCMPS(cc))
	assert.Equal(t, uint8(6), CCIOSQES(cc))
	assert.Equal(t, uint8(4), CCIOCQES(cc))

	assert.Equal(t, uint8(7), CCAMS(7<<11))
	assert.Equal(t, uint8(0), CCCSS(7<<11))
	assert.Equal(t, uint8(1), CCCSS(1<<4))
}

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		v    interface{}
		size int
	}{
		{"sqe", &CommonCommand{}, SQEntrySize},
		{"cqe", &Completion{}, CQEntrySize},
		{"identify controller", &IDCtrl{}, IdentifySize},
		{"identify namespace", &IDNamespace{}, IdentifySize},
		{"smart log", &SMARTLog{}, SMARTLogSize},
		{"power state descriptor", &IDPowerState{}, PowerStateDescSize},
		{"dsm range", &DSMRange{}, DSMRangeSize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, pack(make([]byte, tc.size), tc.v))
		})
	}
}
