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
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/lunixbochs/struc"
)

const (
	SQEntrySize        = 64
	CQEntrySize        = 16
	IdentifySize       = 4096
	SMARTLogSize       = 512
	PowerStateDescSize = 32
	DSMRangeSize       = 16
	maxPowerStates     = 32
	nsidAll            = 0xFFFFFFFF
	// required and maximum entry size, both 2^6 for SQ and 2^4 for CQ
	idCtrlSQES = 0x66
	idCtrlCQES = 0x44
)

const (
	AdminDeleteIOSQ  = 0x00
	AdminCreateIOSQ  = 0x01
	AdminGetLogPage  = 0x02
	AdminDeleteIOCQ  = 0x04
	AdminCreateIOCQ  = 0x05
	AdminIdentify    = 0x06
	AdminSetFeatures = 0x09
	AdminGetFeatures = 0x0A
)

const (
	IOFlush       = 0x00
	IOWrite       = 0x01
	IORead        = 0x02
	IODatasetMgmt = 0x09
)

const (
	IdentifyCNSNamespace    = 0x00
	IdentifyCNSController   = 0x01
	IdentifyCNSActiveNsList = 0x02
	LogPageSMART            = 0x02
	FeaturePowerManagement  = 0x02
	dsmAttributeDeallocate  = 1 << 2
)

func OpcodeName(admin bool, opcode uint8) string {
	var name string
	if admin {
		switch opcode {
		case AdminDeleteIOSQ:
			name = "nvme_admin_delete_sq"
		case AdminCreateIOSQ:
			name = "nvme_admin_create_sq"
		case AdminGetLogPage:
			name = "nvme_admin_get_log_page"
		case AdminDeleteIOCQ:
			name = "nvme_admin_delete_cq"
		case AdminCreateIOCQ:
			name = "nvme_admin_create_cq"
		case AdminIdentify:
			name = "nvme_admin_identify"
		case AdminSetFeatures:
			name = "nvme_admin_set_features"
		case AdminGetFeatures:
			name = "nvme_admin_get_features"
		default:
			name = "UNKNOWN"
		}
		return name
	}
	switch opcode {
	case IOFlush:
		name = "nvme_cmd_flush"
	case IOWrite:
		name = "nvme_cmd_write"
	case IORead:
		name = "nvme_cmd_read"
	case IODatasetMgmt:
		name = "nvme_cmd_dsm"
	default:
		name = "UNKNOWN"
	}
	return name
}

type DataPtr struct {
	PRP1 uint64 `struc:"uint64,little"`
	PRP2 uint64 `struc:"uint64,little"`
}

// https://nvmexpress.org/wp-content/uploads/NVM-Express-1_4-2019.06.10-Ratified.pdf
// Figure 105: Command Format – Admin and NVM Command Set
type CommonCommand struct {
	Opcode    uint8     `struc:"uint8"`
	Flags     uint8     `struc:"uint8"`
	CommandID uint16    `struc:"uint16,little"`
	NSId      uint32    `struc:"uint32,little"`
	Cdw2      [2]uint32 `struc:"[2]uint32,little"`
	Metadata  uint64    `struc:"uint64,little"`
	Dptr      DataPtr
	// CDW10 command specific Dword 10.
	Cdw10 uint32 `struc:"uint32,little"`
	// CDW11 command specific Dword 11.
	Cdw11 uint32 `struc:"uint32,little"`
	// CDW12 command specific Dword 12.
	Cdw12 uint32 `struc:"uint32,little"`
	// CDW13 command specific Dword 13.
	Cdw13 uint32 `struc:"uint32,little"`
	// CDW14 command specific Dword 14.
	Cdw14 uint32 `struc:"uint32,little"`
	// CDW15 command specific Dword 15.
	Cdw15 uint32 `struc:"uint32,little"`
}

func (cmd *CommonCommand) String() string {
	return fmt.Sprintf("%s, id: %#04x. opcode: %#02x. nsid: %d, prp1: %#x, prp2: %#x, cdw10: %#x, cdw11: %#x, cdw12: %#x",
		reflect.TypeOf(cmd).String(), cmd.CommandID, cmd.Opcode, cmd.NSId,
		cmd.Dptr.PRP1, cmd.Dptr.PRP2, cmd.Cdw10, cmd.Cdw11, cmd.Cdw12)
}

type CompletionResult struct {
	Result [8]uint8 `struc:"[8]uint8"`
}

func (cqe *CompletionResult) U32() uint32 {
	r := cqe.Result
	return uint32(r[0]) | uint32(r[1])<<8 | uint32(r[2])<<16 | uint32(r[3])<<24
}

func (cqe *CompletionResult) SetU32(result uint32) {
	cqe.Result[0] = uint8(result)
	cqe.Result[1] = uint8(result >> 8)
	cqe.Result[2] = uint8(result >> 16)
	cqe.Result[3] = uint8(result >> 24)
}

// Completion is the 16 byte completion queue entry. Bit 0 of Status is the phase tag.
type Completion struct {
	Result    CompletionResult
	SqHead    uint16 `struc:"uint16,little"`
	SqID      uint16 `struc:"uint16,little"`
	CommandID uint16 `struc:"uint16,little"`
	Status    uint16 `struc:"uint16,little"`
}

func NewCompletion(commandID uint16, sqID uint16, status uint16) *Completion {
	c := &Completion{
		CommandID: commandID,
		Status:    status << 1,
		SqID:      sqID,
	}
	return c
}

func (c *Completion) Phase() uint8 {
	return uint8(c.Status & 0x1)
}

// StatusCode returns the status field without the phase tag.
func (c *Completion) StatusCode() uint16 {
	return c.Status >> 1
}

func (c *Completion) Failed() bool {
	return c.StatusCode() != 0
}

func (c *Completion) String() string {
	return fmt.Sprintf("cid: %#04x, sqid: %d, sqhd: %d, status: %#04x, phase: %d, result: %#x",
		c.CommandID, c.SqID, c.SqHead, c.StatusCode(), c.Phase(), c.Result.U32())
}

// IDPowerState is one 32 byte power state descriptor.
type IDPowerState struct {
	MaxPower        uint16   `struc:"uint16,little"`
	Rsvd2           uint8    `struc:"uint8"`
	Flags           uint8    `struc:"uint8"`
	EntryLat        uint32   `struc:"uint32,little"`
	ExitLat         uint32   `struc:"uint32,little"`
	ReadTput        uint8    `struc:"uint8"`
	ReadLat         uint8    `struc:"uint8"`
	WriteTput       uint8    `struc:"uint8"`
	WriteLat        uint8    `struc:"uint8"`
	IdlePower       uint16   `struc:"uint16,little"`
	IdleScale       uint8    `struc:"uint8"`
	Rsvd19          uint8    `struc:"uint8"`
	ActivePower     uint16   `struc:"uint16,little"`
	ActiveWorkScale uint8    `struc:"uint8"`
	Rsvd23          [9]uint8 `struc:"[9]uint8"`
}

// IDCtrl is the Identify Controller data structure (CNS 01h).
type IDCtrl struct {
	VID       uint16      `struc:"uint16,little"`
	SSVID     uint16      `struc:"uint16,little"`
	Sn        [20]uint8   `struc:"[20]uint8"`
	Mn        [40]uint8   `struc:"[40]uint8"`
	Fr        [8]uint8    `struc:"[8]uint8"`
	Rab       uint8       `struc:"uint8"`
	Ieee      [3]uint8    `struc:"[3]uint8"`
	Cmic      uint8       `struc:"uint8"`
	Mdts      uint8       `struc:"uint8"`
	CntlID    uint16      `struc:"uint16,little"`
	Ver       uint32      `struc:"uint32,little"`
	Rtd3r     uint32      `struc:"uint32,little"`
	Rtd3e     uint32      `struc:"uint32,little"`
	Oaes      uint32      `struc:"uint32,little"`
	CtrAtt    uint32      `struc:"uint32,little"`
	Rrls      uint16      `struc:"uint16,little"`
	Rsvd102   [9]uint8    `struc:"[9]uint8"`
	CntrlType uint8       `struc:"uint8"`
	FGUID     [16]uint8   `struc:"[16]uint8"`
	Crdt      [3]uint16   `struc:"[3]uint16,little"`
	Rsvd134   [122]uint8  `struc:"[122]uint8"`
	Oacs      uint16      `struc:"uint16,little"`
	ACL       uint8       `struc:"uint8"`
	Aerl      uint8       `struc:"uint8"`
	Frmw      uint8       `struc:"uint8"`
	Lpa       uint8       `struc:"uint8"`
	Elpe      uint8       `struc:"uint8"`
	Npss      uint8       `struc:"uint8"`
	Avscc     uint8       `struc:"uint8"`
	Apsta     uint8       `struc:"uint8"`
	Wctemp    uint16      `struc:"uint16,little"`
	Cctemp    uint16      `struc:"uint16,little"`
	Mtfa      uint16      `struc:"uint16,little"`
	Hmpre     uint32      `struc:"uint32,little"`
	Hmmin     uint32      `struc:"uint32,little"`
	Tnvmcap   [2]uint64   `struc:"[2]uint64,little"`
	Unvmcap   [2]uint64   `struc:"[2]uint64,little"`
	Rpmbs     uint32      `struc:"uint32,little"`
	Edstt     uint16      `struc:"uint16,little"`
	Dsto      uint8       `struc:"uint8"`
	Fwug      uint8       `struc:"uint8"`
	Kas       uint16      `struc:"uint16,little"`
	Hctma     uint16      `struc:"uint16,little"`
	Mntmt     uint16      `struc:"uint16,little"`
	Mxtmt     uint16      `struc:"uint16,little"`
	Sanicap   uint32      `struc:"uint32,little"`
	Hmminds   uint32      `struc:"uint32,little"`
	Hmmaxd    uint16      `struc:"uint16,little"`
	Nsetidmax uint16      `struc:"uint16,little"`
	Endgidmax uint16      `struc:"uint16,little"`
	Anatt     uint8       `struc:"uint8"`
	Anacap    uint8       `struc:"uint8"`
	Anagrpmax uint32      `struc:"uint32,little"`
	Nanagrpid uint32      `struc:"uint32,little"`
	Pels      uint32      `struc:"uint32,little"`
	Rsvd356   [156]uint8  `struc:"[156]uint8"`
	Sqes      uint8       `struc:"uint8"`
	Cqes      uint8       `struc:"uint8"`
	MaxCmd    uint16      `struc:"uint16,little"`
	Nn        uint32      `struc:"uint32,little"`
	Oncs      uint16      `struc:"uint16,little"`
	Fuses     uint16      `struc:"uint16,little"`
	Fna       uint8       `struc:"uint8"`
	Vwc       uint8       `struc:"uint8"`
	Awun      uint16      `struc:"uint16,little"`
	Awupf     uint16      `struc:"uint16,little"`
	Nvscc     uint8       `struc:"uint8"`
	Nwpc      uint8       `struc:"uint8"`
	Acwu      uint16      `struc:"uint16,little"`
	Rsvd534   [2]uint8    `struc:"[2]uint8"`
	Sgls      uint32      `struc:"uint32,little"`
	Mnan      uint32      `struc:"uint32,little"`
	Rsvd544   [224]uint8  `struc:"[224]uint8"`
	SubNqn    [256]uint8  `struc:"[256]uint8"`
	Rsvd1024  [1024]uint8 `struc:"[1024]uint8"`
	// struc cannot repeat a nested struct, descriptors are decoded one by one.
	Psd [1024]uint8 `struc:"[1024]uint8"`
	VS  [1024]uint8 `struc:"[1024]uint8"`
}

func (id *IDCtrl) Serial() string {
	return trimmed(id.Sn[:])
}

func (id *IDCtrl) Model() string {
	return trimmed(id.Mn[:])
}

func (id *IDCtrl) Firmware() string {
	return trimmed(id.Fr[:])
}

// IDNamespace is the Identify Namespace data structure (CNS 00h).
type IDNamespace struct {
	Nsze     uint64      `struc:"uint64,little"`
	Ncap     uint64      `struc:"uint64,little"`
	Nuse     uint64      `struc:"uint64,little"`
	Nsfeat   uint8       `struc:"uint8"`
	Nlbaf    uint8       `struc:"uint8"`
	Flbas    uint8       `struc:"uint8"`
	Mc       uint8       `struc:"uint8"`
	Dpc      uint8       `struc:"uint8"`
	Dps      uint8       `struc:"uint8"`
	Nmic     uint8       `struc:"uint8"`
	Rescap   uint8       `struc:"uint8"`
	Fpi      uint8       `struc:"uint8"`
	Dlfeat   uint8       `struc:"uint8"`
	Nawun    uint16      `struc:"uint16,little"`
	Nawupf   uint16      `struc:"uint16,little"`
	Nacwu    uint16      `struc:"uint16,little"`
	Nabsn    uint16      `struc:"uint16,little"`
	Nabo     uint16      `struc:"uint16,little"`
	Nabspf   uint16      `struc:"uint16,little"`
	Noiob    uint16      `struc:"uint16,little"`
	Nvmcap   [2]uint64   `struc:"[2]uint64,little"`
	Npwg     uint16      `struc:"uint16,little"`
	Npwa     uint16      `struc:"uint16,little"`
	Npdg     uint16      `struc:"uint16,little"`
	Npda     uint16      `struc:"uint16,little"`
	Nows     uint16      `struc:"uint16,little"`
	Rsvd74   [18]uint8   `struc:"[18]uint8"`
	Anagrpid uint32      `struc:"uint32,little"`
	Rsvd96   [3]uint8    `struc:"[3]uint8"`
	Nsattr   uint8       `struc:"uint8"`
	Nvmsetid uint16      `struc:"uint16,little"`
	Endgid   uint16      `struc:"uint16,little"`
	Nguid    [16]uint8   `struc:"[16]uint8"`
	Eui64    [8]uint8    `struc:"[8]uint8"`
	Lbaf     [16]uint32  `struc:"[16]uint32,little"`
	Rsvd192  [192]uint8  `struc:"[192]uint8"`
	VS       [3712]uint8 `struc:"[3712]uint8"`
}

// SMARTLog is the SMART / Health Information log page (LID 02h).
type SMARTLog struct {
	CritWarning      uint8      `struc:"uint8"`
	CompositeTemp    uint16     `struc:"uint16,little"`
	AvailSpare       uint8      `struc:"uint8"`
	SpareThresh      uint8      `struc:"uint8"`
	PercentUsed      uint8      `struc:"uint8"`
	EnduranceCritWrn uint8      `struc:"uint8"`
	Rsvd7            [25]uint8  `struc:"[25]uint8"`
	DataUnitsRead    [2]uint64  `struc:"[2]uint64,little"`
	DataUnitsWritten [2]uint64  `struc:"[2]uint64,little"`
	HostReads        [2]uint64  `struc:"[2]uint64,little"`
	HostWrites       [2]uint64  `struc:"[2]uint64,little"`
	CtrlBusyTime     [2]uint64  `struc:"[2]uint64,little"`
	PowerCycles      [2]uint64  `struc:"[2]uint64,little"`
	PowerOnHours     [2]uint64  `struc:"[2]uint64,little"`
	UnsafeShutdowns  [2]uint64  `struc:"[2]uint64,little"`
	MediaErrors      [2]uint64  `struc:"[2]uint64,little"`
	NumErrLogEntries [2]uint64  `struc:"[2]uint64,little"`
	WarningTempTime  uint32     `struc:"uint32,little"`
	CritCompTempTime uint32     `struc:"uint32,little"`
	TempSensor       [8]uint16  `struc:"[8]uint16,little"`
	ThermTransCount  [2]uint32  `struc:"[2]uint32,little"`
	ThermTransTime   [2]uint32  `struc:"[2]uint32,little"`
	Rsvd232          [280]uint8 `struc:"[280]uint8"`
}

// DSMRange is one Dataset Management range descriptor.
type DSMRange struct {
	ContextAttr uint32 `struc:"uint32,little"`
	Length      uint32 `struc:"uint32,little"`
	StartLBA    uint64 `struc:"uint64,little"`
}

// pack encodes v into dst, which must be exactly the encoded size of v.
func pack(dst []byte, v interface{}) error {
	buf := bytes.NewBuffer(make([]byte, 0, len(dst)))
	if err := struc.Pack(buf, v); err != nil {
		return err
	}
	if buf.Len() != len(dst) {
		return fmt.Errorf("%T encodes to %d bytes, slot is %d", v, buf.Len(), len(dst))
	}
	copy(dst, buf.Bytes())
	return nil
}

func unpack(src []byte, v interface{}) error {
	return struc.Unpack(bytes.NewReader(src), v)
}

// Pack and Unpack expose the wire codec to device models.
func Pack(dst []byte, v interface{}) error {
	return pack(dst, v)
}

func Unpack(src []byte, v interface{}) error {
	return unpack(src, v)
}

func trimmed(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}
