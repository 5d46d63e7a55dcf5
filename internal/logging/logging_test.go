/*
 *
 * Copyright 2025 The audiostream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/config"
)

func TestJSONLoggerFiltersLevel(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "WARN", Format: "json"}, &out)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Uint32("session", 100000).Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "audiostreamd", entry["app"])
	assert.EqualValues(t, 100000, entry["session"])
}

func TestConsoleLogger(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console"}, &out)
	require.NoError(t, err)
	logger.Debug().Msg("started")
	assert.Contains(t, out.String(), "started")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud", Format: "json"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New(config.LoggingConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
