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

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lightbitslabs/nvme-baremetal/pkg/testutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigIsValid(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"trace", false},
		{"debug", false},
		{"info", false},
		{"warning", false},
		{"verbose", true},
		{"", true},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			cfg := Config{Level: tc.level}
			err := cfg.IsValid()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetupLoggingToFile(t *testing.T) {
	dir := testutils.CreateTempDir(t)
	defer os.RemoveAll(dir)
	filename := filepath.Join(dir, "nvme.log")

	defer logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	require.NoError(t, SetupLogging(Config{Filename: filename, Level: "debug", MaxSize: 1}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("ctrl", "nvme0").Debug("controller ready")
	content, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(content), "controller ready")
	assert.Contains(t, string(content), "ctrl=nvme0")
}

func TestSetLevel(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
}
