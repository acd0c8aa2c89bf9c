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

const (
	kelvinOffset      = 273.15
	temperatureWeight = 0.05
)

// TemperatureFilter is a single pole low pass filter. The first sample primes it.
type TemperatureFilter struct {
	value  float64
	primed bool
}

func (f *TemperatureFilter) Update(sample float64) float64 {
	if !f.primed {
		f.value = sample
		f.primed = true
		return f.value
	}
	f.value = (1-temperatureWeight)*f.value + temperatureWeight*sample
	return f.value
}

func (f *TemperatureFilter) Value() float64 {
	return f.value
}

func (f *TemperatureFilter) Primed() bool {
	return f.primed
}

func (f *TemperatureFilter) Reset() {
	*f = TemperatureFilter{}
}

// HealthInfo is the decoded SMART / Health log. 128 bit counters keep their low 64 bits.
type HealthInfo struct {
	CriticalWarning        uint8     `json:"criticalWarning"`
	TemperatureKelvin      uint16    `json:"temperatureK"`
	Temperature            float64   `json:"temperatureC"`
	AvailableSpare         uint8     `json:"availableSpare"`
	SpareThreshold         uint8     `json:"spareThreshold"`
	PercentageUsed         uint8     `json:"percentageUsed"`
	DataUnitsRead          uint64    `json:"dataUnitsRead"`
	DataUnitsWritten       uint64    `json:"dataUnitsWritten"`
	HostReadCommands       uint64    `json:"hostReadCommands"`
	HostWriteCommands      uint64    `json:"hostWriteCommands"`
	PowerCycles            uint64    `json:"powerCycles"`
	PowerOnHours           uint64    `json:"powerOnHours"`
	UnsafeShutdowns        uint64    `json:"unsafeShutdowns"`
	MediaErrors            uint64    `json:"mediaErrors"`
	WarningTempMinutes     uint32    `json:"warningTemperatureMinutes"`
	CriticalTempMinutes    uint32    `json:"criticalTemperatureMinutes"`
	TemperatureSensors     []float64 `json:"temperatureSensorsC,omitempty"`
	ThermalTransitionCount [2]uint32 `json:"thermalTransitionCount"`
}

func KelvinToCelsius(k uint16) float64 {
	return float64(k) - kelvinOffset
}

func decodeHealth(log *SMARTLog) *HealthInfo {
	info := &HealthInfo{
		CriticalWarning:        log.CritWarning,
		TemperatureKelvin:      log.CompositeTemp,
		Temperature:            KelvinToCelsius(log.CompositeTemp),
		AvailableSpare:         log.AvailSpare,
		SpareThreshold:         log.SpareThresh,
		PercentageUsed:         log.PercentUsed,
		DataUnitsRead:          log.DataUnitsRead[0],
		DataUnitsWritten:       log.DataUnitsWritten[0],
		HostReadCommands:       log.HostReads[0],
		HostWriteCommands:      log.HostWrites[0],
		PowerCycles:            log.PowerCycles[0],
		PowerOnHours:           log.PowerOnHours[0],
		UnsafeShutdowns:        log.UnsafeShutdowns[0],
		MediaErrors:            log.MediaErrors[0],
		WarningTempMinutes:     log.WarningTempTime,
		CriticalTempMinutes:    log.CritCompTempTime,
		ThermalTransitionCount: log.ThermTransCount,
	}
	for _, k := range log.TempSensor {
		// unimplemented sensors report 0
		if k != 0 {
			info.TemperatureSensors = append(info.TemperatureSensors, KelvinToCelsius(k))
		}
	}
	return info
}
