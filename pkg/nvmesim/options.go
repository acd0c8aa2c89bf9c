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

// Package nvmesim is a register level model of a single namespace NVMe
// controller. It answers doorbell writes synchronously by walking the queues
// and PRPs in a dma.Space, the way the device would over DMA.
package nvmesim

import "github.com/lightbitslabs/nvme-baremetal/pkg/nvme"

const (
	// DefaultMemoryBase is where NewHardware places the driver arena.
	DefaultMemoryBase = 0x10000000

	classCodeRevision = 0x01
)

type Options struct {
	// ReadyAfterPolls is how many CSTS reads it takes for RDY to follow CC.EN.
	ReadyAfterPolls int
	NeverReady      bool
	FatalStatus     bool

	PhyStatus uint32
	ClassCode uint32
	// MaxQueueEntries is reported in CAP.MQES (0's based there).
	MaxQueueEntries int
	DoorbellStride  uint8
	MPSMin          uint8
	CommandSets     uint8

	SQES uint8
	CQES uint8

	Model    string
	Serial   string
	Firmware string
	MDTS     uint8

	PowerStates []nvme.IDPowerState
	// NoNamespace makes the active namespace list come back empty.
	NoNamespace bool
	LBAShift    uint8
	LBACount    uint64
	NGUID       [16]byte

	// TemperatureKelvin is the composite temperature reported in the SMART log.
	TemperatureKelvin uint16

	FailQueueCreation bool
	FailPowerState    bool
	// DropAdminOpcodes lists admin opcodes that are consumed without a completion.
	DropAdminOpcodes []uint8
	// DeferIO holds I/O completions until CompleteIO releases them.
	DeferIO bool
}

// DefaultOptions describes a healthy 512 byte sector drive with two power
// states, the second one non operational.
func DefaultOptions() Options {
	return Options{
		ReadyAfterPolls: 3,
		PhyStatus:       nvme.PhyLinkUp,
		ClassCode:       nvme.NVMeClassCode,
		MaxQueueEntries: 1024,
		CommandSets:     0x1,
		SQES:            0x66,
		CQES:            0x44,
		Model:           "Simulated NVMe Controller",
		Serial:          "SIM0000001",
		Firmware:        "1.0",
		MDTS:            5,
		PowerStates: []nvme.IDPowerState{
			{MaxPower: 900, EntryLat: 0, ExitLat: 0, IdlePower: 300, IdleScale: 2 << 6, ActivePower: 650, ActiveWorkScale: 2<<6 | 1},
			{MaxPower: 5, Flags: 0x2, EntryLat: 2000, ExitLat: 10000, ReadTput: 1, ReadLat: 1, WriteTput: 1, WriteLat: 1},
		},
		LBAShift:          9,
		LBACount:          1000000,
		NGUID:             [16]byte{0x6e, 0x76, 0x6d, 0x65, 0x73, 0x69, 0x6d, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		TemperatureKelvin: 310,
	}
}
