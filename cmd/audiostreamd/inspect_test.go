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

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
)

func runRoot(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestInspectBuffer(t *testing.T) {
	b, err := audiobuffer.CreateShared(t.TempDir(), 1920, 480, 4)
	require.NoError(t, err)
	t.Cleanup(func() { b.Detach() })
	require.NoError(t, b.WriteSpan(make([]byte, 480*4)))

	out := runRoot(t, "inspect", "buffer", b.Path())
	assert.Contains(t, out, "1920 frames, 4 spans of 480 frames, 4 bytes per frame")
	assert.Contains(t, out, "Cursors: write 480, read 0 (480 queued, 1440 free)")
	assert.Contains(t, out, "IDX")
}

func TestInspectBufferMissingPath(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"inspect", "buffer", t.TempDir() + "/nope"})
	assert.Error(t, rootCmd.Execute())
}

func TestInspectRingBackpressure(t *testing.T) {
	out := runRoot(t, "inspect", "ring", "--capacity", "4096", "--chunk", "1000")
	assert.Contains(t, out, "Request ring: 4096 bytes, reply ring: 4096 bytes")
	assert.Contains(t, out, "4096 bytes: OK")
	assert.Contains(t, out, "5000 bytes: FAIL")
	assert.Contains(t, out, "writer blocked after 4000 bytes (4 chunks), 96 bytes free")
}

func TestConfigCommandWritesDefaults(t *testing.T) {
	path := t.TempDir() + "/audiostream.yaml"
	out := runRoot(t, "config", path)
	assert.Contains(t, out, "wrote "+path)
}
