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
	"fmt"

	"github.com/google/uuid"
)

const (
	MinLBAShift = 9
	MaxLBAShift = 12

	psdFlagMaxPowerScale  = 0x01
	psdFlagNonOperational = 0x02
	psdScaleShift         = 6
	psdScaleMask          = 0x3
	psdRelativeMask       = 0x1F
	psdActiveWorkMask     = 0x7
)

// PowerState is a decoded power state descriptor. Power is in watts, latency
// in microseconds.
type PowerState struct {
	Index               int     `json:"index"`
	MaxPower            float64 `json:"maxPowerW"`
	IdlePower           float64 `json:"idlePowerW"`
	ActivePower         float64 `json:"activePowerW"`
	EntryLatency        uint32  `json:"entryLatencyUs"`
	ExitLatency         uint32  `json:"exitLatencyUs"`
	NonOperational      bool    `json:"nonOperational"`
	RelativeReadTput    uint8   `json:"relativeReadThroughput"`
	RelativeReadLat     uint8   `json:"relativeReadLatency"`
	RelativeWriteTput   uint8   `json:"relativeWriteThroughput"`
	RelativeWriteLat    uint8   `json:"relativeWriteLatency"`
	ActivePowerWorkload uint8   `json:"activePowerWorkload"`
}

// maxPowerWatts applies the MXPS bit: 0.01W units when clear, 0.0001W when set.
func maxPowerWatts(raw uint16, flags uint8) float64 {
	if flags&psdFlagMaxPowerScale != 0 {
		return float64(raw) * 0.0001
	}
	return float64(raw) * 0.01
}

// scaledPowerWatts applies a 2 bit IPS/APS scale. Not reported and reserved
// scales yield 0.
func scaledPowerWatts(raw uint16, scaleByte uint8) float64 {
	switch (scaleByte >> psdScaleShift) & psdScaleMask {
	case 1:
		return float64(raw) * 0.0001
	case 2:
		return float64(raw) * 0.01
	default:
		return 0
	}
}

func decodePowerState(index int, psd *IDPowerState) PowerState {
	return PowerState{
		Index:               index,
		MaxPower:            maxPowerWatts(psd.MaxPower, psd.Flags),
		IdlePower:           scaledPowerWatts(psd.IdlePower, psd.IdleScale),
		ActivePower:         scaledPowerWatts(psd.ActivePower, psd.ActiveWorkScale),
		EntryLatency:        psd.EntryLat,
		ExitLatency:         psd.ExitLat,
		NonOperational:      psd.Flags&psdFlagNonOperational != 0,
		RelativeReadTput:    psd.ReadTput & psdRelativeMask,
		RelativeReadLat:     psd.ReadLat & psdRelativeMask,
		RelativeWriteTput:   psd.WriteTput & psdRelativeMask,
		RelativeWriteLat:    psd.WriteLat & psdRelativeMask,
		ActivePowerWorkload: psd.ActiveWorkScale & psdActiveWorkMask,
	}
}

// ParsePowerStates decodes the NPSS+1 descriptors of id. idle is the index of
// the first non-operational state, or -1 when every state is operational.
func ParsePowerStates(id *IDCtrl) (states []PowerState, idle int, err error) {
	count := int(id.Npss) + 1
	if count > maxPowerStates {
		count = maxPowerStates
	}
	idle = -1
	states = make([]PowerState, 0, count)
	for i := 0; i < count; i++ {
		var psd IDPowerState
		raw := id.Psd[i*PowerStateDescSize : (i+1)*PowerStateDescSize]
		if err := unpack(raw, &psd); err != nil {
			return nil, -1, fmt.Errorf("power state %d: %w", i, err)
		}
		state := decodePowerState(i, &psd)
		if state.NonOperational && idle < 0 {
			idle = i
		}
		states = append(states, state)
	}
	return states, idle, nil
}

// LBAShift returns the data size exponent of the formatted LBA format.
// Only 512 byte to 4KiB blocks are supported.
func (ns *IDNamespace) LBAShift() (uint8, error) {
	format := ns.Flbas & 0xF
	shift := uint8(ns.Lbaf[format] >> 16)
	if shift < MinLBAShift || shift > MaxLBAShift {
		return 0, fmt.Errorf("lba format %d has data size 2^%d", format, shift)
	}
	return shift, nil
}

// MetadataSize returns the metadata bytes per block of the formatted LBA format.
func (ns *IDNamespace) MetadataSize() uint16 {
	return uint16(ns.Lbaf[ns.Flbas&0xF])
}

func (ns *IDNamespace) NGUID() uuid.UUID {
	return uuid.UUID(ns.Nguid)
}
