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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTemperatureFilter(t *testing.T) {
	var f TemperatureFilter
	assert.False(t, f.Primed())

	assert.InDelta(t, 300.0, f.Update(300), 1e-9)
	assert.True(t, f.Primed())
	assert.InDelta(t, 300.5, f.Update(310), 1e-9)
	assert.InDelta(t, 300.5, f.Value(), 1e-9)

	f.Reset()
	assert.False(t, f.Primed())
	assert.InDelta(t, 42.0, f.Update(42), 1e-9)
}

func TestCalibration(t *testing.T) {
	c := DefaultConfig().Temperature
	assert.InDelta(t, 36.85, c.apply(310), 1e-9)

	c = Calibration{Offset: 100, Slope: 0.5, Base: 10}
	assert.InDelta(t, 110.0, c.apply(300), 1e-9)
}

func TestDecodeHealth(t *testing.T) {
	log := &SMARTLog{
		CritWarning:   0x2,
		CompositeTemp: 318,
		AvailSpare:    99,
		SpareThresh:   10,
		PercentUsed:   3,
		PowerCycles:   [2]uint64{12, 1},
		MediaErrors:   [2]uint64{4, 0},
	}
	log.TempSensor[0] = 320
	log.TempSensor[2] = 300

	info := decodeHealth(log)
	assert.Equal(t, uint8(0x2), info.CriticalWarning)
	assert.Equal(t, uint16(318), info.TemperatureKelvin)
	assert.InDelta(t, 44.85, info.Temperature, 1e-9)
	assert.Equal(t, uint64(12), info.PowerCycles)
	assert.Equal(t, uint64(4), info.MediaErrors)
	assert.Len(t, info.TemperatureSensors, 2)
	assert.InDelta(t, 46.85, info.TemperatureSensors[0], 1e-9)
}
