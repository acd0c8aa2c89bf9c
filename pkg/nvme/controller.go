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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightbitslabs/nvme-baremetal/pkg/dma"
	"github.com/lightbitslabs/nvme-baremetal/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateUninit State = iota
	StateBridgeEnabled
	StateAdminQueueConfigured
	StateControllerReady
	StateIdentified
	StateIOQueuesCreated
	StateOperational
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "Uninit"
	case StateBridgeEnabled:
		return "BridgeEnabled"
	case StateAdminQueueConfigured:
		return "AdminQueueConfigured"
	case StateControllerReady:
		return "ControllerReady"
	case StateIdentified:
		return "Identified"
	case StateIOQueuesCreated:
		return "IOQueuesCreated"
	case StateOperational:
		return "Operational"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller owns one NVMe controller, its queues and every DMA buffer the
// driver uses. It expects a single caller; only the admin path is locked so a
// health poller may share it.
type Controller struct {
	cfg   Config
	hw    Hardware
	arena *dma.Arena

	state  State
	status Status

	cap      uint64
	dstrd    uint8
	nsid     uint32
	lbaShift uint8
	lbaCount uint64

	adminLock sync.Mutex
	admin     *nvmeQueue
	io        *nvmeQueue
	prp       *prpBuilder

	idCtrl         IDCtrl
	idNs           IDNamespace
	powerStates    []PowerState
	idlePowerState int

	healthLock  sync.Mutex
	smart       SMARTLog
	health      *HealthInfo
	temperature TemperatureFilter

	log *logrus.Entry
}

func NewController(cfg Config, hw Hardware) (*Controller, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if err := hw.setDefaults(); err != nil {
		return nil, err
	}
	arena, err := dma.NewArena(hw.Memory, AdminQueueDepth, IOQueueDepth)
	if err != nil {
		return nil, err
	}
	ctrl := &Controller{
		cfg:            cfg,
		hw:             hw,
		arena:          arena,
		state:          StateUninit,
		status:         StatusNotInitialized,
		idlePowerState: -1,
		log:            logrus.WithFields(logrus.Fields{"ctrl": cfg.ID}),
	}
	ctrl.publishState()
	return ctrl, nil
}

func (ctrl *Controller) ID() string {
	return ctrl.cfg.ID
}

func (ctrl *Controller) State() State {
	return ctrl.state
}

// Status returns StatusOK once operational, StatusNotInitialized before the
// first Init and the accumulated failure bits otherwise.
func (ctrl *Controller) Status() Status {
	return ctrl.status
}

func (ctrl *Controller) setState(state State) {
	ctrl.log.Debugf("state %s -> %s", ctrl.state, state)
	ctrl.state = state
	ctrl.publishState()
}

func (ctrl *Controller) publishState() {
	metrics.Metrics.ControllerState.WithLabelValues(ctrl.cfg.ID).Set(float64(ctrl.state))
	metrics.Metrics.InitStatus.WithLabelValues(ctrl.cfg.ID).Set(float64(ctrl.status))
}

// reset drops every piece of state a previous Init produced.
func (ctrl *Controller) reset() {
	ctrl.arena.Reset()
	ctrl.state = StateUninit
	ctrl.status = StatusNotInitialized
	ctrl.cap, ctrl.dstrd = 0, 0
	ctrl.nsid, ctrl.lbaShift, ctrl.lbaCount = 0, 0, 0
	ctrl.admin, ctrl.io, ctrl.prp = nil, nil, nil
	ctrl.idCtrl, ctrl.idNs = IDCtrl{}, IDNamespace{}
	ctrl.powerStates, ctrl.idlePowerState = nil, -1

	ctrl.healthLock.Lock()
	ctrl.smart, ctrl.health = SMARTLog{}, nil
	ctrl.temperature.Reset()
	ctrl.healthLock.Unlock()
}

type initStep struct {
	name  string
	state State // reached on success, StateUninit keeps the current state
	run   func(ctx context.Context) (Status, error)
}

// Init runs the whole bring-up sequence. Any failing step aborts the rest and
// leaves the controller in StateFailed with the step's status bits.
func (ctrl *Controller) Init(ctx context.Context) error {
	ctrl.reset()
	ctrl.log.Infof("initializing controller")

	if err := ctrl.hw.Link.Init(); err != nil {
		ctrl.log.WithError(err).Warnf("pcie link init failed, continuing with bridge bring-up")
	}

	steps := []initStep{
		{"bridge", StateBridgeEnabled, ctrl.initBridge},
		{"admin queue", StateAdminQueueConfigured, ctrl.initAdminQueue},
		{"controller enable", StateControllerReady, ctrl.enableController},
		{"identify controller", StateUninit, ctrl.identifyController},
		{"identify namespace", StateIdentified, ctrl.identifyNamespace},
		{"power state", StateUninit, ctrl.initPowerState},
		{"io queues", StateIOQueuesCreated, ctrl.createIOQueues},
	}
	for _, step := range steps {
		status, err := step.run(ctx)
		if status != StatusOK {
			return ctrl.fail(step.name, status, err)
		}
		if step.state != StateUninit {
			ctrl.setState(step.state)
		}
	}

	ctrl.status = StatusOK
	ctrl.setState(StateOperational)
	metrics.Metrics.InitAttemptsTotal.WithLabelValues(ctrl.cfg.ID, "ok").Inc()

	if _, err := ctrl.RefreshHealth(ctx); err != nil {
		ctrl.log.WithError(err).Warnf("failed to read SMART / health log")
	}
	ctrl.log.Infof("controller operational: nsid %d, %d blocks of %d bytes", ctrl.nsid, ctrl.lbaCount, ctrl.LBASize())
	return nil
}

func (ctrl *Controller) fail(step string, status Status, err error) error {
	if ctrl.status == StatusNotInitialized {
		ctrl.status = 0
	}
	ctrl.status |= status
	ctrl.setState(StateFailed)
	metrics.Metrics.InitAttemptsTotal.WithLabelValues(ctrl.cfg.ID, "failed").Inc()
	initErr := &InitError{Step: step, Status: ctrl.status, Err: err}
	ctrl.log.WithError(initErr).Errorf("controller initialization failed")
	return initErr
}

func (ctrl *Controller) initBridge(ctx context.Context) (Status, error) {
	bridge := ctrl.hw.Bridge
	if phy := bridge.Read32(RegPhyStatusControl); phy != PhyLinkUp {
		return ErrPHY, fmt.Errorf("phy status %#08x, expected %#08x", phy, PhyLinkUp)
	}
	rp := bridge.Read32(RegRootPortStatusControl)
	bridge.Write32(RegRootPortStatusControl, rp|RootPortBridgeEnable)

	if class := bridge.Read32(RegDeviceClassCode) >> 8; class != NVMeClassCode {
		return ErrDeviceClass, fmt.Errorf("device class code %#06x, expected %#06x", class, NVMeClassCode)
	}
	return StatusOK, nil
}

// waitReady spins on CSTS.RDY until it equals ready or the ready timeout expires.
func (ctrl *Controller) waitReady(ctx context.Context, ready bool) (Status, error) {
	var csts uint32
	err := spinUntil(ctx, ctrl.cfg.ReadyTimeout, func() bool {
		csts = ctrl.hw.Registers.Read32(RegCSTS)
		return nvmeCSTSRdy(csts) == ready || nvmeCSTSCfs(csts)
	})
	if err != nil {
		return ErrReadyTimeout, fmt.Errorf("CSTS.RDY did not become %t within %s (csts %#x): %w", ready, ctrl.cfg.ReadyTimeout, csts, err)
	}
	if nvmeCSTSCfs(csts) {
		return ErrReadyTimeout, fmt.Errorf("controller fatal status while waiting for CSTS.RDY=%t (csts %#x)", ready, csts)
	}
	return StatusOK, nil
}

// initAdminQueue programs the admin queue registers. They may only be written
// while the controller is disabled, so an enabled controller is reset first.
func (ctrl *Controller) initAdminQueue(ctx context.Context) (Status, error) {
	regs := ctrl.hw.Registers
	if cc := regs.Read32(RegCC); CCEnabled(cc) {
		ctrl.log.Infof("controller is enabled (cc %#x), disabling", cc)
		regs.Write32(RegCC, cc&^ccEnable)
		if status, err := ctrl.waitReady(ctx, false); status != StatusOK {
			return status, err
		}
	}
	regs.Write32(RegAQA, adminQueueAttributes(AdminQueueDepth, AdminQueueDepth))
	regs.Write64(RegASQ, ctrl.arena.AdminSQ.Phys())
	regs.Write64(RegACQ, ctrl.arena.AdminCQ.Phys())
	return StatusOK, nil
}

func (ctrl *Controller) enableController(ctx context.Context) (Status, error) {
	regs := ctrl.hw.Registers
	ctrl.cap = regs.Read64(RegCAP)

	status := StatusOK
	if capMPSMin(ctrl.cap) != 0 {
		status |= ErrMinPageSize
	}
	if capCSS(ctrl.cap)&capCSSNVM == 0 {
		status |= ErrCommandSet
	}
	if status != StatusOK {
		return status, fmt.Errorf("unsupported capabilities %#016x", ctrl.cap)
	}
	ctrl.dstrd = capDoorbellStride(ctrl.cap)
	ctrl.log.Debugf("cap %#016x: mqes %d, timeout %dms, dstrd %d", ctrl.cap, capMQES(ctrl.cap), int(capTimeout(ctrl.cap))*500, ctrl.dstrd)

	admin, err := newQueue(ctrl.cfg.ID, adminQueueID, ctrl.arena.AdminSQ, ctrl.arena.AdminCQ,
		AdminQueueDepth, ctrl.dstrd, regs, ctrl.hw.Barrier)
	if err != nil {
		return ErrQueueCreation, err
	}
	ctrl.admin = admin

	cc := controllerConfig()
	regs.Write32(RegCC, cc)
	regs.Write32(RegCC, cc|ccEnable)
	return ctrl.waitReady(ctx, true)
}

// adminCommand submits cmd and waits for the completion carrying its CID.
// Completions for other CIDs are dropped.
func (ctrl *Controller) adminCommand(ctx context.Context, cmd *CommonCommand) (*Completion, error) {
	ctrl.adminLock.Lock()
	defer ctrl.adminLock.Unlock()

	if ctrl.admin == nil {
		return nil, ErrNotOperational
	}
	start := time.Now()
	opcode := OpcodeName(true, cmd.Opcode)
	cid, err := ctrl.admin.submit(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, ctrl.cfg.AdminTimeout)
	defer cancel()
	seen := false
	for {
		completion, err := ctrl.admin.pollOne(ctx)
		if err != nil {
			if seen {
				return nil, fmt.Errorf("%s (cid %#x): %w", opcode, cid, ErrAdminCommandTimeout)
			}
			return nil, fmt.Errorf("%s (cid %#x): %w", opcode, cid, ErrAdminCompletion)
		}
		if completion.CommandID == cid {
			metrics.Metrics.AdminCommandDurationSeconds.WithLabelValues(ctrl.cfg.ID, opcode).Observe(time.Since(start).Seconds())
			return completion, nil
		}
		seen = true
		ctrl.log.Debugf("dropping completion %s while waiting for cid %#x", completion, cid)
	}
}

// statusOf extracts the Status carried by err, or fallback.
func statusOf(err error, fallback Status) Status {
	var status Status
	if errors.As(err, &status) {
		return status
	}
	return fallback
}

func adminStatusError(c *Completion, opcode uint8) error {
	return fmt.Errorf("%w: %s status %#x", ErrAdminStatus, OpcodeName(true, opcode), c.StatusCode())
}

func (ctrl *Controller) identifyController(ctx context.Context) (Status, error) {
	buf := ctrl.arena.IdentifyController
	completion, err := ctrl.adminCommand(ctx, NewIdentifyCommand(IdentifyCNSController, 0, buf.Phys()))
	if err != nil {
		return statusOf(err, ErrAdminCommandTimeout), err
	}
	if completion.Failed() {
		return ErrQueueType, adminStatusError(completion, AdminIdentify)
	}
	ctrl.hw.Barrier.Observe(buf.Bytes())
	if err := unpack(buf.Bytes(), &ctrl.idCtrl); err != nil {
		return ErrQueueType, err
	}
	if ctrl.idCtrl.Sqes != idCtrlSQES || ctrl.idCtrl.Cqes != idCtrlCQES {
		return ErrQueueType, fmt.Errorf("sqes %#x cqes %#x, expected %#x %#x",
			ctrl.idCtrl.Sqes, ctrl.idCtrl.Cqes, idCtrlSQES, idCtrlCQES)
	}
	states, idle, err := ParsePowerStates(&ctrl.idCtrl)
	if err != nil {
		return ErrQueueType, err
	}
	ctrl.powerStates, ctrl.idlePowerState = states, idle
	ctrl.log.Infof("identified %q serial %q firmware %q, %d power states", ctrl.idCtrl.Model(),
		ctrl.idCtrl.Serial(), ctrl.idCtrl.Firmware(), len(states))
	return StatusOK, nil
}

// identifyNamespace lists the active namespaces and identifies the first one.
func (ctrl *Controller) identifyNamespace(ctx context.Context) (Status, error) {
	buf := ctrl.arena.IdentifyNamespace
	completion, err := ctrl.adminCommand(ctx, NewIdentifyCommand(IdentifyCNSActiveNsList, 0, buf.Phys()))
	if err != nil {
		return statusOf(err, ErrAdminCommandTimeout), err
	}
	if completion.Failed() {
		return ErrLBASize, adminStatusError(completion, AdminIdentify)
	}
	ctrl.hw.Barrier.Observe(buf.Bytes())
	nsid := binary.LittleEndian.Uint32(buf.Bytes())
	if nsid == 0 {
		return ErrLBASize, fmt.Errorf("controller reports no active namespace")
	}

	buf.Zero()
	completion, err = ctrl.adminCommand(ctx, NewIdentifyCommand(IdentifyCNSNamespace, nsid, buf.Phys()))
	if err != nil {
		return statusOf(err, ErrAdminCommandTimeout), err
	}
	if completion.Failed() {
		return ErrLBASize, adminStatusError(completion, AdminIdentify)
	}
	ctrl.hw.Barrier.Observe(buf.Bytes())
	if err := unpack(buf.Bytes(), &ctrl.idNs); err != nil {
		return ErrLBASize, err
	}
	shift, err := ctrl.idNs.LBAShift()
	if err != nil {
		return ErrLBASize, fmt.Errorf("namespace %d: %w", nsid, err)
	}
	ctrl.nsid, ctrl.lbaShift, ctrl.lbaCount = nsid, shift, ctrl.idNs.Nsze
	return StatusOK, nil
}

func (ctrl *Controller) initPowerState(ctx context.Context) (Status, error) {
	if !ctrl.cfg.SetPowerState {
		return StatusOK, nil
	}
	ps := ctrl.cfg.PowerState
	if int(ps) >= len(ctrl.powerStates) {
		return ErrPowerStateTransition, fmt.Errorf("power state %d not supported, controller has %d", ps, len(ctrl.powerStates))
	}
	completion, err := ctrl.adminCommand(ctx, NewSetPowerStateCommand(ps, ctrl.cfg.WorkloadHint))
	if err != nil {
		return ErrPowerStateTransition | statusOf(err, StatusOK), err
	}
	if completion.Failed() {
		return ErrPowerStateTransition, adminStatusError(completion, AdminSetFeatures)
	}
	ctrl.log.Infof("entered power state %d", ps)
	return StatusOK, nil
}

// createIOQueues creates the I/O completion queue, then the submission queue
// that posts to it.
func (ctrl *Controller) createIOQueues(ctx context.Context) (Status, error) {
	if int(capMQES(ctrl.cap))+1 < IOQueueDepth {
		return ErrQueueCreation, fmt.Errorf("controller supports %d queue entries, need %d", int(capMQES(ctrl.cap))+1, IOQueueDepth)
	}
	io, err := newQueue(ctrl.cfg.ID, ioQueueID, ctrl.arena.IOSQ, ctrl.arena.IOCQ, IOQueueDepth,
		ctrl.dstrd, ctrl.hw.Registers, ctrl.hw.Barrier)
	if err != nil {
		return ErrQueueCreation, err
	}

	cmds := []*CommonCommand{
		NewCreateIOCQCommand(ioQueueID, IOQueueDepth, ctrl.arena.IOCQ.Phys()),
		NewCreateIOSQCommand(ioQueueID, IOQueueDepth, ioQueueID, ctrl.arena.IOSQ.Phys()),
	}
	for _, cmd := range cmds {
		completion, err := ctrl.adminCommand(ctx, cmd)
		if err != nil {
			return ErrQueueCreation | statusOf(err, StatusOK), err
		}
		if completion.Failed() {
			return ErrQueueCreation, adminStatusError(completion, cmd.Opcode)
		}
	}
	ctrl.io = io
	ctrl.prp = newPRPBuilder(ctrl.arena.PRPLists, IOQueueDepth, ctrl.lbaShift, ctrl.hw.Barrier)
	return StatusOK, nil
}

// RefreshHealth reads the controller wide SMART / Health log and feeds the
// temperature filter.
func (ctrl *Controller) RefreshHealth(ctx context.Context) (*HealthInfo, error) {
	buf := ctrl.arena.SMARTLog
	completion, err := ctrl.adminCommand(ctx, NewGetLogPageCommand(LogPageSMART, nsidAll, SMARTLogSize, buf.Phys()))
	if err != nil {
		return nil, err
	}
	if completion.Failed() {
		return nil, adminStatusError(completion, AdminGetLogPage)
	}
	ctrl.hw.Barrier.Observe(buf.Bytes())
	var log SMARTLog
	if err := unpack(buf.Bytes()[:SMARTLogSize], &log); err != nil {
		return nil, err
	}
	health := decodeHealth(&log)
	ctrl.healthLock.Lock()
	ctrl.smart, ctrl.health = log, health
	t := ctrl.temperature.Update(ctrl.cfg.Temperature.apply(log.CompositeTemp))
	ctrl.healthLock.Unlock()
	metrics.Metrics.TemperatureCelsius.WithLabelValues(ctrl.cfg.ID).Set(t)
	return health, nil
}

// Temperature returns the filtered composite temperature in degrees Celsius.
// The filter takes one step per SMART log read, 0 before the first one.
func (ctrl *Controller) Temperature() float64 {
	ctrl.healthLock.Lock()
	defer ctrl.healthLock.Unlock()
	return ctrl.temperature.Value()
}

// Health returns the last decoded SMART / Health log, nil before the first read.
func (ctrl *Controller) Health() *HealthInfo {
	ctrl.healthLock.Lock()
	defer ctrl.healthLock.Unlock()
	return ctrl.health
}

// LBACount returns the namespace size in blocks, 0 unless operational.
func (ctrl *Controller) LBACount() uint64 {
	if ctrl.status != StatusOK {
		return 0
	}
	return ctrl.lbaCount
}

// LBASize returns the block size in bytes, 0 unless operational.
func (ctrl *Controller) LBASize() uint32 {
	if ctrl.status != StatusOK {
		return 0
	}
	return 1 << ctrl.lbaShift
}

func (ctrl *Controller) PowerStates() []PowerState {
	return ctrl.powerStates
}

// IdlePowerState is the first non-operational power state, -1 if there is none.
func (ctrl *Controller) IdlePowerState() int {
	return ctrl.idlePowerState
}

type ControllerInfo struct {
	VendorID       uint16       `json:"vendorId"`
	Model          string       `json:"model"`
	Serial         string       `json:"serial"`
	Firmware       string       `json:"firmware"`
	Version        string       `json:"version"`
	Namespaces     uint32       `json:"namespaces"`
	MaxTransfer    uint32       `json:"maxTransferBytes,omitempty"`
	WarningTempC   float64      `json:"warningTemperatureC"`
	CriticalTempC  float64      `json:"criticalTemperatureC"`
	PowerStates    []PowerState `json:"powerStates"`
	IdlePowerState int          `json:"idlePowerState"`
}

func (ctrl *Controller) ControllerInfo() *ControllerInfo {
	id := &ctrl.idCtrl
	info := &ControllerInfo{
		VendorID:       id.VID,
		Model:          id.Model(),
		Serial:         id.Serial(),
		Firmware:       id.Firmware(),
		Version:        fmt.Sprintf("%d.%d.%d", id.Ver>>16, (id.Ver>>8)&0xFF, id.Ver&0xFF),
		Namespaces:     id.Nn,
		WarningTempC:   KelvinToCelsius(id.Wctemp),
		CriticalTempC:  KelvinToCelsius(id.Cctemp),
		PowerStates:    ctrl.powerStates,
		IdlePowerState: ctrl.idlePowerState,
	}
	if id.Mdts != 0 {
		info.MaxTransfer = uint32(1) << (pageShift + uint32(capMPSMin(ctrl.cap)) + uint32(id.Mdts))
	}
	return info
}

type NamespaceInfo struct {
	NSID          uint32 `json:"nsid"`
	NGUID         string `json:"nguid"`
	LBACount      uint64 `json:"lbaCount"`
	LBASize       uint32 `json:"lbaSize"`
	MetadataSize  uint16 `json:"metadataSize"`
	CapacityBytes uint64 `json:"capacityBytes"`
}

func (ctrl *Controller) NamespaceInfo() *NamespaceInfo {
	return &NamespaceInfo{
		NSID:          ctrl.nsid,
		NGUID:         ctrl.idNs.NGUID().String(),
		LBACount:      ctrl.lbaCount,
		LBASize:       1 << ctrl.lbaShift,
		MetadataSize:  ctrl.idNs.MetadataSize(),
		CapacityBytes: ctrl.lbaCount << ctrl.lbaShift,
	}
}

// Close clears CC.EN and releases the PCIe link.
func (ctrl *Controller) Close() error {
	if ctrl.state >= StateControllerReady && ctrl.state != StateFailed {
		cc := ctrl.hw.Registers.Read32(RegCC)
		ctrl.hw.Registers.Write32(RegCC, cc&^ccEnable)
	}
	ctrl.admin, ctrl.io, ctrl.prp = nil, nil, nil
	ctrl.setState(StateUninit)
	ctrl.log.Infof("controller closed")
	return ctrl.hw.Link.Deinit()
}
