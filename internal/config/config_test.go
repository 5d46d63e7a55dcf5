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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/endpoint"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, endpoint.FormatS16LE, cfg.SampleFormat())
}

func TestWriteFileThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "audiostream.yaml")
	want := Default()
	want.Transport.Kind = "shm"
	want.Transport.Address = "ctl"
	want.Transport.ConnectTimeout = 750 * time.Millisecond
	want.Device.Kind = "wav"
	want.Buffer.Format = "s24le"
	require.NoError(t, want.WriteFile(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, endpoint.FormatS24LE, got.SampleFormat())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audiostream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\ndevice:\n  tone_hz: 1000\n"), 0o644))
	t.Setenv("AUDIOSTREAM_LOGGING_LEVEL", "debug")
	t.Setenv("AUDIOSTREAM_BUFFER_SPAN_FRAMES", "240")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, uint32(240), cfg.Buffer.SpanFrames)
	assert.Equal(t, 1000.0, cfg.Device.ToneHz)
	assert.Equal(t, uint32(1920), cfg.Buffer.TotalFrames)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  kind: tcp\ndevice:\n  kind: alsa\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.kind")
	assert.Contains(t, err.Error(), "device.kind")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
