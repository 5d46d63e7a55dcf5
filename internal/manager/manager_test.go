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

package manager

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

func testConfig() endpoint.ProcessConfig {
	return endpoint.ProcessConfig{
		App:    endpoint.AppInfo{UID: 20010, PID: 321},
		Stream: endpoint.StreamInfo{SampleRate: 48000, Channels: 2, Format: endpoint.FormatS16LE},
	}
}

func TestCreateAssignsUniqueSessions(t *testing.T) {
	m := New(Options{}, zerolog.Nop())

	a, err := m.CreateEndpoint(testConfig())
	require.NoError(t, err)
	b, err := m.CreateEndpoint(testConfig())
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID(), b.SessionID())
	assert.GreaterOrEqual(t, a.SessionID(), uint32(firstSessionID))
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []uint32{a.SessionID(), b.SessionID()}, m.Sessions())

	got, ok := m.Get(b.SessionID())
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestCreateRejectsBadConfig(t *testing.T) {
	m := New(Options{}, zerolog.Nop())
	cfg := testConfig()
	cfg.Stream.SampleRate = 0
	_, err := m.CreateEndpoint(cfg)
	assert.ErrorIs(t, err, audioerr.ErrInvalidParam)
	assert.Zero(t, m.Len())
}

func TestReleaseRemovesEndpoint(t *testing.T) {
	m := New(Options{}, zerolog.Nop())
	e, err := m.CreateEndpoint(testConfig())
	require.NoError(t, err)
	require.NoError(t, e.ConfigBuffer(960, 480))

	require.NoError(t, e.Release())
	_, ok := m.Get(e.SessionID())
	assert.False(t, ok)
	assert.Zero(t, m.Len())

	assert.ErrorIs(t, m.OnEndpointRelease(e), audioerr.ErrInvalidParam)
}

func TestMaxStreams(t *testing.T) {
	m := New(Options{MaxStreams: 1}, zerolog.Nop())
	e, err := m.CreateEndpoint(testConfig())
	require.NoError(t, err)
	_, err = m.CreateEndpoint(testConfig())
	assert.ErrorIs(t, err, audioerr.ErrOperationFailed)

	require.NoError(t, e.Release())
	_, err = m.CreateEndpoint(testConfig())
	assert.NoError(t, err)
}

func TestReleaseAllAndDump(t *testing.T) {
	m := New(Options{}, zerolog.Nop())
	for i := 0; i < 3; i++ {
		e, err := m.CreateEndpoint(testConfig())
		require.NoError(t, err)
		require.NoError(t, e.ConfigBuffer(960, 480))
	}

	var sb strings.Builder
	require.NoError(t, m.Dump(&sb))
	assert.Contains(t, sb.String(), "Streams: 3")
	assert.Equal(t, 3, strings.Count(sb.String(), "AppUid: 20010"))

	m.ReleaseAll()
	assert.Zero(t, m.Len())
}
