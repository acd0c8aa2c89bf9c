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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusNotInitialized, "not initialized"},
		{ErrLBASize, "unsupported lba size"},
		{ErrPHY | ErrDeviceClass, "phy link down|device class mismatch"},
		{ErrQueueCreation | 0x10000, "queue creation failed|unknown(0x10000)"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.status.String())
		})
	}
}

func TestInitErrorMatchesFlags(t *testing.T) {
	var err error = &InitError{Step: "identify namespace", Status: ErrLBASize | ErrQueueType}
	wrapped := fmt.Errorf("bring up: %w", err)

	assert.True(t, errors.Is(wrapped, ErrLBASize))
	assert.True(t, errors.Is(wrapped, ErrQueueType))
	assert.False(t, errors.Is(wrapped, ErrPHY))

	var initErr *InitError
	assert.True(t, errors.As(wrapped, &initErr))
	assert.Equal(t, "identify namespace", initErr.Step)
}

func TestStatusNotInitializedHasNoFlags(t *testing.T) {
	assert.False(t, StatusNotInitialized.Has(ErrPHY))
	assert.False(t, StatusOK.Has(ErrPHY))
	assert.True(t, (ErrPHY | ErrLBASize).Has(ErrLBASize))
}
