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
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/mmio"
	"github.com/lightbitslabs/nvme-baremetal/pkg/nvme"
	"github.com/sirupsen/logrus"
)

// Generic command status codes (SCT 0) and command specific ones (SCT 1).
const (
	scSuccess           = 0x000
	scInvalidOpcode     = 0x001
	scInvalidField      = 0x002
	scDataTransferError = 0x004
	scInvalidNamespace  = 0x00B
	scLBAOutOfRange     = 0x080
	scInvalidCQ         = 0x100
	scInvalidQueueID    = 0x101
	scInvalidQueueSize  = 0x102
	scInvalidPowerState = 0x002
)

const (
	bridgeWindowSize      = 0x100010
	registerWindowSize    = 0x2000
	cstsReady             = 0x1
	cstsFatal             = 0x2
	capTimeout500ms       = 2
	capContiguousRequired = 1 << 16
)

type ring struct {
	id    uint16
	base  uint64
	depth uint16
	head  uint16 // SQ: next entry to fetch, CQ: last head reported by the host
	tail  uint16 // SQ: tail doorbell, CQ: next slot to post
	phase uint8
	cqid  uint16
}

type completion struct {
	sq     *ring
	cid    uint16
	status uint16
	result uint32
}

// Stats counts what the device has done.
type Stats struct {
	AdminCommands uint64
	Reads         uint64
	Writes        uint64
	Flushes       uint64
	TrimmedBlocks uint64
	BlocksRead    uint64
	BlocksWritten uint64
	CSTSPolls     uint64
	PowerState    uint8
	DroppedAdmin  uint64
	QueuesCreated int
	EnableCount   int
	BridgeEnabled bool
}

// Controller is the simulated device. It implements mmio.Bus for BAR0.
type Controller struct {
	opts   Options
	space  *dma.Space
	bridge *mmio.Memory
	regs   *mmio.Memory

	mu      sync.Mutex
	polls   int
	adminSQ *ring
	adminCQ *ring
	sqs     map[uint16]*ring
	cqs     map[uint16]*ring
	pending []completion
	blocks  map[uint64][]byte
	stats   Stats

	nextPhys uint64

	log *logrus.Entry
}

func New(opts Options, space *dma.Space) *Controller {
	c := &Controller{
		opts:   opts,
		space:  space,
		bridge: mmio.NewMemory(bridgeWindowSize),
		regs:   mmio.NewMemory(registerWindowSize),
		sqs:    map[uint16]*ring{},
		cqs:    map[uint16]*ring{},
		blocks: map[uint64][]byte{},
		log:    logrus.WithFields(logrus.Fields{"sim": opts.Serial}),
	}
	c.bridge.Write32(nvme.RegPhyStatusControl, opts.PhyStatus)
	c.bridge.Write32(nvme.RegDeviceClassCode, opts.ClassCode<<8|classCodeRevision)
	c.regs.Write64(nvme.RegCAP, c.capabilities())
	c.regs.Write32(nvme.RegVS, 0x00010400)
	return c
}

// NewHardware builds a simulated controller with its driver arena already
// placed in device visible memory.
func NewHardware(opts Options) (nvme.Hardware, *Controller) {
	mem := dma.NewHeap(DefaultMemoryBase, dma.ArenaSize(nvme.AdminQueueDepth, nvme.IOQueueDepth))
	sim := New(opts, dma.NewSpace(mem))
	sim.nextPhys = DefaultMemoryBase + uint64(mem.Len())
	hw := nvme.Hardware{
		Bridge:    sim.Bridge(),
		Registers: sim,
		Memory:    mem,
	}
	return hw, sim
}

// Alloc returns a page aligned buffer the device can reach.
func (c *Controller) Alloc(size int) dma.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextPhys == 0 {
		c.nextPhys = DefaultMemoryBase + 0x1000000
	}
	r := dma.NewHeap(c.nextPhys, size)
	c.nextPhys += uint64((size + dma.PageSize - 1) / dma.PageSize * dma.PageSize)
	c.space.Add(r)
	return r
}

func (c *Controller) Bridge() mmio.Bus {
	return bridgeBus{c}
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.BridgeEnabled = c.bridge.Read32(nvme.RegRootPortStatusControl)&nvme.RootPortBridgeEnable != 0
	return s
}

func (c *Controller) SetTemperature(kelvin uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.TemperatureKelvin = kelvin
}

// Block returns a copy of the stored data of lba, zeros when never written.
func (c *Controller) Block(lba uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, 1<<c.opts.LBAShift)
	copy(out, c.blocks[lba])
	return out
}

// Pending is the number of I/O completions held back by DeferIO.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CompleteIO posts up to n deferred I/O completions and returns how many were posted.
func (c *Controller) CompleteIO(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.pending) {
		n = len(c.pending)
	}
	for _, p := range c.pending[:n] {
		c.post(p)
	}
	c.pending = c.pending[n:]
	return n
}

func (c *Controller) capabilities() uint64 {
	mqes := uint64(c.opts.MaxQueueEntries-1) & 0xFFFF
	return mqes | capContiguousRequired | capTimeout500ms<<24 |
		uint64(c.opts.DoorbellStride&0xF)<<32 | uint64(c.opts.CommandSets)<<37 |
		uint64(c.opts.MPSMin&0xF)<<48
}

type bridgeBus struct {
	c *Controller
}

func (b bridgeBus) Read32(offset uint64) uint32 {
	return b.c.bridge.Read32(offset)
}

func (b bridgeBus) Write32(offset uint64, value uint32) {
	switch offset {
	case nvme.RegPhyStatusControl, nvme.RegDeviceClassCode:
		// read only
	default:
		b.c.bridge.Write32(offset, value)
	}
}

func (b bridgeBus) Read64(offset uint64) uint64 {
	return b.c.bridge.Read64(offset)
}

func (b bridgeBus) Write64(offset uint64, value uint64) {
	b.c.bridge.Write64(offset, value)
}

func (c *Controller) Read32(offset uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset == nvme.RegCSTS {
		c.pollStatus()
	}
	return c.regs.Read32(offset)
}

func (c *Controller) Read64(offset uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.Read64(offset)
}

func (c *Controller) Write64(offset uint64, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case nvme.RegCAP:
		return
	case nvme.RegASQ, nvme.RegACQ:
		if nvme.CCEnabled(c.regs.Read32(nvme.RegCC)) {
			c.log.Warnf("write to %#x while enabled ignored", offset)
			return
		}
	}
	c.regs.Write64(offset, value)
}

func (c *Controller) Write32(offset uint64, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case offset == nvme.RegCC:
		c.writeCC(value)
	case offset == nvme.RegAQA:
		if nvme.CCEnabled(c.regs.Read32(nvme.RegCC)) {
			c.log.Warnf("AQA write while enabled ignored")
			return
		}
		c.regs.Write32(offset, value)
	case offset == nvme.RegCSTS || offset < 0x8:
		// read only
	case offset >= nvme.RegDBS:
		c.regs.Write32(offset, value)
		c.doorbell(offset, value)
	default:
		c.regs.Write32(offset, value)
	}
}

func (c *Controller) pollStatus() {
	c.stats.CSTSPolls++
	csts := c.regs.Read32(nvme.RegCSTS)
	enabled := nvme.CCEnabled(c.regs.Read32(nvme.RegCC))
	if c.opts.FatalStatus && enabled {
		c.regs.Write32(nvme.RegCSTS, csts|cstsFatal)
		return
	}
	if !enabled || csts&cstsReady != 0 || c.opts.NeverReady {
		return
	}
	c.polls++
	if c.polls >= c.opts.ReadyAfterPolls {
		c.regs.Write32(nvme.RegCSTS, csts|cstsReady)
	}
}

func (c *Controller) writeCC(cc uint32) {
	old := c.regs.Read32(nvme.RegCC)
	c.regs.Write32(nvme.RegCC, cc)
	switch {
	case !nvme.CCEnabled(old) && nvme.CCEnabled(cc):
		c.enable(cc)
	case nvme.CCEnabled(old) && !nvme.CCEnabled(cc):
		c.regs.Write32(nvme.RegCSTS, 0)
		c.adminSQ, c.adminCQ = nil, nil
		c.sqs, c.cqs = map[uint16]*ring{}, map[uint16]*ring{}
		c.pending = nil
	}
}

func (c *Controller) enable(cc uint32) {
	c.stats.EnableCount++
	c.polls = 0
	// only the NVM command set with round robin arbitration is modelled
	if nvme.CCIOSQES(cc) != 6 || nvme.CCIOCQES(cc) != 4 || nvme.CCMPS(cc) < c.opts.MPSMin ||
		nvme.CCCSS(cc) != 0 || nvme.CCAMS(cc) != 0 {
		c.log.Warnf("enable with unexpected cc %#x", cc)
		c.regs.Write32(nvme.RegCSTS, cstsFatal)
		return
	}
	aqa := c.regs.Read32(nvme.RegAQA)
	c.adminSQ = &ring{id: 0, base: c.regs.Read64(nvme.RegASQ), depth: uint16(aqa&0xFFF) + 1}
	c.adminCQ = &ring{id: 0, base: c.regs.Read64(nvme.RegACQ), depth: uint16(aqa>>16&0xFFF) + 1, phase: 1}
	c.adminSQ.cqid = 0
	c.sqs[0], c.cqs[0] = c.adminSQ, c.adminCQ
}

func (c *Controller) doorbell(offset uint64, value uint32) {
	stride := uint64(4) << c.opts.DoorbellStride
	idx := (offset - nvme.RegDBS) / stride
	qid := uint16(idx / 2)
	if idx%2 == 1 {
		if cq, ok := c.cqs[qid]; ok {
			cq.head = uint16(value)
		}
		return
	}
	sq, ok := c.sqs[qid]
	if !ok || !nvme.CCEnabled(c.regs.Read32(nvme.RegCC)) {
		c.log.Warnf("doorbell for unknown submission queue %d", qid)
		return
	}
	sq.tail = uint16(value) % sq.depth
	for sq.head != sq.tail {
		raw, err := c.space.At(sq.base+uint64(sq.head)*nvme.SQEntrySize, nvme.SQEntrySize)
		sq.head = (sq.head + 1) % sq.depth
		if err != nil {
			c.log.WithError(err).Errorf("failed to fetch sqe")
			continue
		}
		cmd := &nvme.CommonCommand{}
		if err := nvme.Unpack(raw, cmd); err != nil {
			c.log.WithError(err).Errorf("failed to decode sqe")
			continue
		}
		if qid == 0 {
			c.admin(sq, cmd)
		} else {
			c.io(sq, cmd)
		}
	}
}

// post writes a completion with the current phase tag and advances the CQ tail.
func (c *Controller) post(p completion) {
	cq, ok := c.cqs[p.sq.cqid]
	if !ok {
		return
	}
	cqe := nvme.NewCompletion(p.cid, p.sq.id, p.status)
	cqe.SqHead = p.sq.head
	cqe.Status |= uint16(cq.phase)
	cqe.Result.SetU32(p.result)
	slot, err := c.space.At(cq.base+uint64(cq.tail)*nvme.CQEntrySize, nvme.CQEntrySize)
	if err != nil {
		c.log.WithError(err).Errorf("failed to post completion")
		return
	}
	if err := nvme.Pack(slot, cqe); err != nil {
		c.log.WithError(err).Errorf("failed to encode completion")
		return
	}
	cq.tail++
	if cq.tail == cq.depth {
		cq.tail = 0
		cq.phase ^= 1
	}
}

func (c *Controller) admin(sq *ring, cmd *nvme.CommonCommand) {
	c.stats.AdminCommands++
	for _, op := range c.opts.DropAdminOpcodes {
		if op == cmd.Opcode {
			c.stats.DroppedAdmin++
			return
		}
	}
	status, result := c.adminCommand(cmd)
	c.post(completion{sq: sq, cid: cmd.CommandID, status: status, result: result})
}

func (c *Controller) adminCommand(cmd *nvme.CommonCommand) (uint16, uint32) {
	switch cmd.Opcode {
	case nvme.AdminIdentify:
		return c.identify(cmd), 0
	case nvme.AdminGetLogPage:
		return c.getLogPage(cmd), 0
	case nvme.AdminSetFeatures:
		return c.setFeatures(cmd)
	case nvme.AdminCreateIOCQ:
		return c.createCQ(cmd), 0
	case nvme.AdminCreateIOSQ:
		return c.createSQ(cmd), 0
	default:
		return scInvalidOpcode, 0
	}
}

// writeData copies src to the buffer PRP1 points at. Admin payloads are a
// single page.
func (c *Controller) writeData(prp1 uint64, src []byte) uint16 {
	dst, err := c.space.At(prp1, len(src))
	if err != nil {
		return scDataTransferError
	}
	copy(dst, src)
	return scSuccess
}

func (c *Controller) identify(cmd *nvme.CommonCommand) uint16 {
	buf := make([]byte, nvme.IdentifySize)
	switch uint8(cmd.Cdw10) {
	case nvme.IdentifyCNSController:
		id := c.identifyController()
		if err := nvme.Pack(buf, id); err != nil {
			return scInvalidField
		}
	case nvme.IdentifyCNSActiveNsList:
		if !c.opts.NoNamespace && cmd.NSId < 1 {
			binary.LittleEndian.PutUint32(buf, 1)
		}
	case nvme.IdentifyCNSNamespace:
		if cmd.NSId != 1 || c.opts.NoNamespace {
			return scInvalidNamespace
		}
		ns := &nvme.IDNamespace{
			Nsze:  c.opts.LBACount,
			Ncap:  c.opts.LBACount,
			Nuse:  uint64(len(c.blocks)),
			Nguid: c.opts.NGUID,
		}
		ns.Lbaf[0] = uint32(c.opts.LBAShift) << 16
		if err := nvme.Pack(buf, ns); err != nil {
			return scInvalidField
		}
	default:
		return scInvalidField
	}
	return c.writeData(cmd.Dptr.PRP1, buf)
}

func (c *Controller) identifyController() *nvme.IDCtrl {
	id := &nvme.IDCtrl{
		VID:    0x1d0f,
		SSVID:  0x1d0f,
		Mdts:   c.opts.MDTS,
		Ver:    0x00010400,
		Npss:   uint8(len(c.opts.PowerStates) - 1),
		Wctemp: 343,
		Cctemp: 358,
		Sqes:   c.opts.SQES,
		Cqes:   c.opts.CQES,
		Nn:     1,
		Oncs:   0x4, // dataset management
	}
	if len(c.opts.PowerStates) == 0 {
		id.Npss = 0
	}
	fill := func(dst []byte, s string) {
		for i := range dst {
			dst[i] = ' '
		}
		copy(dst, s)
	}
	fill(id.Sn[:], c.opts.Serial)
	fill(id.Mn[:], c.opts.Model)
	fill(id.Fr[:], c.opts.Firmware)
	for i := range c.opts.PowerStates {
		slot := id.Psd[i*nvme.PowerStateDescSize : (i+1)*nvme.PowerStateDescSize]
		if err := nvme.Pack(slot, &c.opts.PowerStates[i]); err != nil {
			c.log.WithError(err).Errorf("failed to encode power state %d", i)
		}
	}
	return id
}

func (c *Controller) getLogPage(cmd *nvme.CommonCommand) uint16 {
	lid := uint8(cmd.Cdw10)
	numd := (cmd.Cdw10>>16 | (cmd.Cdw11&0xFFFF)<<16) + 1
	if lid != nvme.LogPageSMART {
		return scInvalidField
	}
	log := &nvme.SMARTLog{
		CompositeTemp: c.opts.TemperatureKelvin,
		AvailSpare:    100,
		SpareThresh:   10,
		PowerCycles:   [2]uint64{7, 0},
		PowerOnHours:  [2]uint64{42, 0},
	}
	log.TempSensor[0] = c.opts.TemperatureKelvin
	// data units are thousands of 512 byte units
	log.DataUnitsRead[0] = (c.stats.BlocksRead << c.opts.LBAShift) / 512000
	log.DataUnitsWritten[0] = (c.stats.BlocksWritten << c.opts.LBAShift) / 512000
	log.HostReads[0] = c.stats.Reads
	log.HostWrites[0] = c.stats.Writes
	buf := make([]byte, nvme.SMARTLogSize)
	if err := nvme.Pack(buf, log); err != nil {
		return scInvalidField
	}
	n := int(numd) * 4
	if n > len(buf) {
		n = len(buf)
	}
	return c.writeData(cmd.Dptr.PRP1, buf[:n])
}

func (c *Controller) setFeatures(cmd *nvme.CommonCommand) (uint16, uint32) {
	if uint8(cmd.Cdw10) != nvme.FeaturePowerManagement {
		return scInvalidField, 0
	}
	ps := uint8(cmd.Cdw11 & 0x1F)
	if c.opts.FailPowerState || int(ps) >= len(c.opts.PowerStates) {
		return scInvalidPowerState, 0
	}
	c.stats.PowerState = ps
	return scSuccess, cmd.Cdw11
}

func (c *Controller) createCQ(cmd *nvme.CommonCommand) uint16 {
	qid := uint16(cmd.Cdw10)
	depth := uint16(cmd.Cdw10>>16) + 1
	switch {
	case c.opts.FailQueueCreation:
		return scInvalidQueueID
	case qid == 0 || c.cqs[qid] != nil:
		return scInvalidQueueID
	case int(depth) > c.opts.MaxQueueEntries || depth < 2:
		return scInvalidQueueSize
	case cmd.Cdw11&0x1 == 0:
		return scInvalidField
	}
	c.cqs[qid] = &ring{id: qid, base: cmd.Dptr.PRP1, depth: depth, phase: 1}
	c.stats.QueuesCreated++
	return scSuccess
}

func (c *Controller) createSQ(cmd *nvme.CommonCommand) uint16 {
	qid := uint16(cmd.Cdw10)
	depth := uint16(cmd.Cdw10>>16) + 1
	cqid := uint16(cmd.Cdw11 >> 16)
	switch {
	case c.opts.FailQueueCreation:
		return scInvalidQueueID
	case qid == 0 || c.sqs[qid] != nil:
		return scInvalidQueueID
	case c.cqs[cqid] == nil || cqid == 0:
		return scInvalidCQ
	case int(depth) > c.opts.MaxQueueEntries || depth < 2:
		return scInvalidQueueSize
	}
	c.sqs[qid] = &ring{id: qid, base: cmd.Dptr.PRP1, depth: depth, cqid: cqid}
	c.stats.QueuesCreated++
	return scSuccess
}

func (c *Controller) io(sq *ring, cmd *nvme.CommonCommand) {
	status := c.ioCommand(cmd)
	p := completion{sq: sq, cid: cmd.CommandID, status: status}
	if c.opts.DeferIO {
		c.pending = append(c.pending, p)
		return
	}
	c.post(p)
}

func (c *Controller) ioCommand(cmd *nvme.CommonCommand) uint16 {
	if cmd.NSId != 1 {
		return scInvalidNamespace
	}
	switch cmd.Opcode {
	case nvme.IOFlush:
		c.stats.Flushes++
		return scSuccess
	case nvme.IOWrite, nvme.IORead:
		return c.transfer(cmd)
	case nvme.IODatasetMgmt:
		return c.deallocate(cmd)
	default:
		return scInvalidOpcode
	}
}

func (c *Controller) transfer(cmd *nvme.CommonCommand) uint16 {
	lba := uint64(cmd.Cdw10) | uint64(cmd.Cdw11)<<32
	count := uint64(cmd.Cdw12&0xFFFF) + 1
	if lba+count > c.opts.LBACount {
		return scLBAOutOfRange
	}
	blockSize := 1 << c.opts.LBAShift
	pages, err := c.prpPages(cmd.Dptr, int(count)*blockSize)
	if err != nil {
		c.log.WithError(err).Warnf("bad data pointer in cid %#x", cmd.CommandID)
		return scDataTransferError
	}
	data := make([]byte, 0, int(count)*blockSize)
	if cmd.Opcode == nvme.IOWrite {
		for _, p := range pages {
			data = append(data, p...)
		}
		for i := uint64(0); i < count; i++ {
			c.blocks[lba+i] = append([]byte(nil), data[int(i)*blockSize:int(i+1)*blockSize]...)
		}
		c.stats.Writes++
		c.stats.BlocksWritten += count
		return scSuccess
	}
	for i := uint64(0); i < count; i++ {
		block := make([]byte, blockSize)
		copy(block, c.blocks[lba+i])
		data = append(data, block...)
	}
	for _, p := range pages {
		n := copy(p, data)
		data = data[n:]
	}
	c.stats.Reads++
	c.stats.BlocksRead += count
	return scSuccess
}

// prpPages resolves the data pointer of an n byte transfer into host memory
// chunks. Chained lists are not supported.
func (c *Controller) prpPages(dptr nvme.DataPtr, n int) ([][]byte, error) {
	first := dma.PageSize - int(dptr.PRP1%dma.PageSize)
	if first > n {
		first = n
	}
	chunk, err := c.space.At(dptr.PRP1, first)
	if err != nil {
		return nil, err
	}
	pages := [][]byte{chunk}
	rest := n - first
	if rest == 0 {
		return pages, nil
	}
	if rest <= dma.PageSize {
		chunk, err := c.space.At(dptr.PRP2, rest)
		if err != nil {
			return nil, err
		}
		return append(pages, chunk), nil
	}
	count := (rest + dma.PageSize - 1) / dma.PageSize
	if count > dma.PageSize/8 {
		return nil, fmt.Errorf("prp list of %d entries needs chaining", count)
	}
	list, err := c.space.At(dptr.PRP2, count*8)
	if err != nil {
		return nil, err
	}
	for i := 0; i < count; i++ {
		size := dma.PageSize
		if rest < size {
			size = rest
		}
		addr := binary.LittleEndian.Uint64(list[i*8:])
		if addr%dma.PageSize != 0 {
			return nil, fmt.Errorf("prp entry %d (%#x) is not page aligned", i, addr)
		}
		chunk, err := c.space.At(addr, size)
		if err != nil {
			return nil, err
		}
		pages = append(pages, chunk)
		rest -= size
	}
	return pages, nil
}

func (c *Controller) deallocate(cmd *nvme.CommonCommand) uint16 {
	if cmd.Cdw11&0x4 == 0 {
		return scSuccess
	}
	nr := int(cmd.Cdw10&0xFF) + 1
	raw, err := c.space.At(cmd.Dptr.PRP1, nr*nvme.DSMRangeSize)
	if err != nil {
		return scDataTransferError
	}
	for i := 0; i < nr; i++ {
		var r nvme.DSMRange
		if err := nvme.Unpack(raw[i*nvme.DSMRangeSize:(i+1)*nvme.DSMRangeSize], &r); err != nil {
			return scInvalidField
		}
		if r.StartLBA+uint64(r.Length) > c.opts.LBACount {
			return scLBAOutOfRange
		}
		for lba := r.StartLBA; lba < r.StartLBA+uint64(r.Length); lba++ {
			delete(c.blocks, lba)
		}
		c.stats.TrimmedBlocks += uint64(r.Length)
	}
	return scSuccess
}
