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
	"errors"
	"fmt"
	"strings"
)

// Status is the initialization result. Zero means the controller is operational,
// any set bit is fatal.
type Status uint32

const (
	StatusOK             Status = 0
	StatusNotInitialized Status = 0xFFFFFFFF

	ErrPHY                  Status = 0x001
	ErrDeviceClass          Status = 0x002
	ErrMinPageSize          Status = 0x004
	ErrCommandSet           Status = 0x008
	ErrReadyTimeout         Status = 0x010
	ErrAdminCompletion      Status = 0x020
	ErrAdminCommandTimeout  Status = 0x040
	ErrQueueType            Status = 0x080
	ErrMaxTransferSize      Status = 0x100
	ErrLBASize              Status = 0x200
	ErrPowerStateTransition Status = 0x400
	ErrQueueCreation        Status = 0x800
)

var statusNames = []struct {
	flag Status
	name string
}{
	{ErrPHY, "phy link down"},
	{ErrDeviceClass, "device class mismatch"},
	{ErrMinPageSize, "unsupported minimum page size"},
	{ErrCommandSet, "unsupported command set"},
	{ErrReadyTimeout, "controller ready timeout"},
	{ErrAdminCompletion, "admin completion timeout"},
	{ErrAdminCommandTimeout, "admin command timeout"},
	{ErrQueueType, "queue entry size mismatch"},
	{ErrMaxTransferSize, "max transfer size exceeded"},
	{ErrLBASize, "unsupported lba size"},
	{ErrPowerStateTransition, "power state transition failed"},
	{ErrQueueCreation, "queue creation failed"},
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotInitialized:
		return "not initialized"
	}
	var names []string
	rest := s
	for _, n := range statusNames {
		if s&n.flag != 0 {
			names = append(names, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("unknown(%#x)", uint32(rest)))
	}
	return strings.Join(names, "|")
}

func (s Status) Error() string {
	return fmt.Sprintf("nvme status %#x: %s", uint32(s), s.String())
}

// Has reports whether every bit of flag is set in s.
func (s Status) Has(flag Status) bool {
	return flag != 0 && s != StatusNotInitialized && s&flag == flag
}

func (s Status) Is(target error) bool {
	t, ok := target.(Status)
	return ok && s.Has(t)
}

// InitError is returned by Controller.Init. It matches, through errors.Is, every
// Status flag it carries.
type InitError struct {
	Step   string
	Status Status
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nvme init failed at %s: %s: %v", e.Step, e.Status.String(), e.Err)
	}
	return fmt.Sprintf("nvme init failed at %s: %s", e.Step, e.Status.String())
}

func (e *InitError) Unwrap() error {
	return e.Err
}

func (e *InitError) Is(target error) bool {
	return e.Status.Is(target)
}

var (
	ErrBadAlignment     = errors.New("nvme: buffer address is not 4 byte aligned")
	ErrShortBuffer      = errors.New("nvme: buffer is shorter than the transfer")
	ErrTransferTooLarge = errors.New("nvme: transfer needs more than one PRP list page")
	ErrQueueFull        = errors.New("nvme: submission queue is full")
	ErrNotOperational   = errors.New("nvme: controller is not operational")
	ErrAdminStatus      = errors.New("nvme: admin command failed")
)
