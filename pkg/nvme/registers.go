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

// Controller register offsets inside BAR0.
const (
	RegCAP  = 0x00 // controller capabilities (64)
	RegVS   = 0x08 // version
	RegCC   = 0x14 // controller configuration
	RegCSTS = 0x1C // controller status
	RegAQA  = 0x24 // admin queue attributes
	RegASQ  = 0x28 // admin submission queue base (64)
	RegACQ  = 0x30 // admin completion queue base (64)
	RegDBS  = 0x1000
)

// Bridge window offsets. The window starts at the root port configuration
// space; the endpoint configuration space follows at 0x100000 (bus 1, ECAM).
const (
	RegPhyStatusControl      = 0x144
	RegRootPortStatusControl = 0x148
	RegDeviceClassCode       = 0x100008

	PhyLinkUp            = 0x00001884
	RootPortBridgeEnable = 0x1
	NVMeClassCode        = 0x010802 // mass storage, non-volatile memory, NVMe
)

const (
	capMQESMask    = 0xFFFF
	capTOShift     = 24
	capTOMask      = 0xFF
	capDSTRDShift  = 32
	capDSTRDMask   = 0xF
	capCSSShift    = 37
	capCSSMask     = 0xFF
	capCSSNVM      = 0x1
	capMPSMINShift = 48
	capMPSMINMask  = 0xF
)

const (
	ccEnable      = 1 << 0
	ccCSSShift    = 4
	ccMPSShift    = 7
	ccAMSShift    = 11
	ccSHNShift    = 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20
	ccIOSQES      = 6 // 2^6 = 64 byte entries
	ccIOCQES      = 4 // 2^4 = 16 byte entries

	cstsReady = 1 << 0
	cstsCFS   = 1 << 1
)

// capMQES is the 0's based maximum individual queue size.
func capMQES(cap uint64) uint16 {
	return uint16(cap & capMQESMask)
}

// capTimeout is the worst case ready transition time in 500ms units.
func capTimeout(cap uint64) uint8 {
	return uint8((cap >> capTOShift) & capTOMask)
}

func capDoorbellStride(cap uint64) uint8 {
	return uint8((cap >> capDSTRDShift) & capDSTRDMask)
}

func capCSS(cap uint64) uint8 {
	return uint8((cap >> capCSSShift) & capCSSMask)
}

// capMPSMin is the minimum host page size as 2^(12+MPSMIN).
func capMPSMin(cap uint64) uint8 {
	return uint8((cap >> capMPSMINShift) & capMPSMINMask)
}

func CCEnabled(cc uint32) bool {
	return (cc & ccEnable) != 0
}

func CCIOSQES(cc uint32) uint8 {
	return uint8(cc>>ccIOSQESShift) & 0xf
}

func CCIOCQES(cc uint32) uint8 {
	return uint8(cc>>ccIOCQESShift) & 0xf
}

func CCMPS(cc uint32) uint8 {
	return uint8(cc>>ccMPSShift) & 0xf
}

func CCCSS(cc uint32) uint8 {
	return uint8(cc>>ccCSSShift) & 0x7
}

func CCAMS(cc uint32) uint8 {
	return uint8(cc>>ccAMSShift) & 0x7
}

// controllerConfig composes CC with NVM command set, round robin arbitration,
// 4KiB memory pages and the standard entry sizes. EN is left clear.
func controllerConfig() uint32 {
	return ccIOCQES<<ccIOCQESShift | ccIOSQES<<ccIOSQESShift
}

func nvmeCSTSRdy(csts uint32) bool {
	return (csts & cstsReady) != 0
}

func nvmeCSTSCfs(csts uint32) bool {
	return (csts & cstsCFS) != 0
}

// adminQueueAttributes encodes 0's based ACQS (bits 27:16) and ASQS (bits 11:0).
func adminQueueAttributes(sqDepth, cqDepth uint16) uint32 {
	return uint32(cqDepth-1)<<16 | uint32(sqDepth-1)
}

// DoorbellOffset returns the register offset of the SQ tail (completion false)
// or CQ head (completion true) doorbell of queue qid.
func DoorbellOffset(qid uint16, completion bool, dstrd uint8) uint64 {
	idx := uint64(2 * qid)
	if completion {
		idx++
	}
	return RegDBS + idx*(4<<dstrd)
}
