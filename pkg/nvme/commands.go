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

// Command identifiers are assigned by the queue at submission time, the
// constructors leave CommandID zero.

func NewIdentifyCommand(cns uint8, nsid uint32, prp1 uint64) *CommonCommand {
	return &CommonCommand{
		Opcode: AdminIdentify,
		NSId:   nsid,
		Dptr:   DataPtr{PRP1: prp1},
		Cdw10:  uint32(cns),
	}
}

// NewCreateIOCQCommand creates a physically contiguous completion queue with
// interrupts disabled (polling only).
func NewCreateIOCQCommand(qid, depth uint16, prp1 uint64) *CommonCommand {
	return &CommonCommand{
		Opcode: AdminCreateIOCQ,
		Dptr:   DataPtr{PRP1: prp1},
		Cdw10:  uint32(depth-1)<<16 | uint32(qid),
		Cdw11:  0x1, // PC
	}
}

// NewCreateIOSQCommand creates a physically contiguous submission queue bound
// to completion queue cqid.
func NewCreateIOSQCommand(qid, depth, cqid uint16, prp1 uint64) *CommonCommand {
	return &CommonCommand{
		Opcode: AdminCreateIOSQ,
		Dptr:   DataPtr{PRP1: prp1},
		Cdw10:  uint32(depth-1)<<16 | uint32(qid),
		Cdw11:  uint32(cqid)<<16 | 0x1, // CQID, PC
	}
}

// NewGetLogPageCommand reads numBytes of log page lid. NUMDL is 0's based dwords.
func NewGetLogPageCommand(lid uint8, nsid uint32, numBytes uint32, prp1 uint64) *CommonCommand {
	numd := numBytes/4 - 1
	return &CommonCommand{
		Opcode: AdminGetLogPage,
		NSId:   nsid,
		Dptr:   DataPtr{PRP1: prp1},
		Cdw10:  (numd&0xFFFF)<<16 | uint32(lid),
		Cdw11:  numd >> 16,
	}
}

// NewSetPowerStateCommand selects power state ps. The workload hint only
// applies when entering power state 0.
func NewSetPowerStateCommand(ps uint8, workloadHint uint8) *CommonCommand {
	cdw11 := uint32(ps & 0x1F)
	if ps == 0 {
		cdw11 |= uint32(workloadHint&0x7) << 5
	}
	return &CommonCommand{
		Opcode: AdminSetFeatures,
		Cdw10:  FeaturePowerManagement,
		Cdw11:  cdw11,
	}
}

func newRWCommand(opcode uint8, nsid uint32, lba uint64, numLBA uint32) *CommonCommand {
	return &CommonCommand{
		Opcode: opcode,
		NSId:   nsid,
		Cdw10:  uint32(lba),
		Cdw11:  uint32(lba >> 32),
		Cdw12:  (numLBA - 1) & 0xFFFF, // NLB, 0's based
	}
}

func NewWriteCommand(nsid uint32, lba uint64, numLBA uint32) *CommonCommand {
	return newRWCommand(IOWrite, nsid, lba, numLBA)
}

func NewReadCommand(nsid uint32, lba uint64, numLBA uint32) *CommonCommand {
	return newRWCommand(IORead, nsid, lba, numLBA)
}

func NewFlushCommand(nsid uint32) *CommonCommand {
	return &CommonCommand{
		Opcode: IOFlush,
		NSId:   nsid,
	}
}

// NewDeallocateCommand discards the ranges described at rangesPhys. NR is 0's based.
func NewDeallocateCommand(nsid uint32, numRanges uint8, rangesPhys uint64) *CommonCommand {
	return &CommonCommand{
		Opcode: IODatasetMgmt,
		NSId:   nsid,
		Dptr:   DataPtr{PRP1: rangesPhys},
		Cdw10:  uint32(numRanges - 1),
		Cdw11:  dsmAttributeDeallocate,
	}
}
