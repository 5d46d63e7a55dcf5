//go:build unix

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

package ipc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/device"
	"github.com/ohaudio/audiostream/internal/endpoint"
	"github.com/ohaudio/audiostream/internal/manager"
)

type testServer struct {
	mgr  *manager.Manager
	kind string
	addr string
	dir  string
}

func newTestServer(t *testing.T, kind string) *testServer {
	t.Helper()
	return newTestServerWithDevice(t, kind, nil)
}

func newTestServerWithDevice(t *testing.T, kind string, driver endpoint.DriverFactory) *testServer {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	addr := "ctl"
	if kind == TransportUnix {
		addr = filepath.Join(dir, "s.sock")
	}
	mgr := manager.New(manager.Options{Shared: true, SharedDir: dir, Driver: driver}, zerolog.Nop())
	a, err := Listen(kind, addr, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := NewServer(mgr, zerolog.Nop())
	go func() { done <- srv.Serve(ctx, a) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &testServer{mgr: mgr, kind: kind, addr: addr, dir: dir}
}

func (ts *testServer) dial(t *testing.T) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.kind, ts.addr, ts.dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) createStream(t *testing.T) *Proxy {
	t.Helper()
	p, err := CreateStream(testCtx(t), ts.dial(t), testConfig(), 1920, 480)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func forEachTransport(t *testing.T, fn func(t *testing.T, ts *testServer)) {
	for _, kind := range []string{TransportUnix, TransportShm} {
		t.Run(kind, func(t *testing.T) { fn(t, newTestServer(t, kind)) })
	}
}

func TestRemoteStreamLifecycle(t *testing.T) {
	forEachTransport(t, func(t *testing.T, ts *testServer) {
		ctx := testCtx(t)
		p := ts.createStream(t)

		id, err := p.GetAudioSessionID(ctx)
		require.NoError(t, err)
		assert.Equal(t, p.SessionID(), id)
		ep, ok := ts.mgr.Get(id)
		require.True(t, ok)

		events := make(chan Event, 8)
		require.NoError(t, p.RegisterStreamListener(ctx, StreamListenerFunc(func(ev Event) { events <- ev })))

		buf, err := p.ResolveBuffer(ctx)
		require.NoError(t, err)
		again, err := p.ResolveBuffer(ctx)
		require.NoError(t, err)
		assert.Same(t, buf, again)
		assert.Equal(t, audiobuffer.HolderClient, buf.Holder())
		assert.Equal(t, uint32(4), buf.GetSpanCount())

		// A span written by the client is visible to the server.
		span := bytes.Repeat([]byte{0x5a}, 480*4)
		require.NoError(t, buf.WriteSpan(span))
		serverBuf, err := ep.ResolveBuffer()
		require.NoError(t, err)
		assert.Equal(t, uint64(480), serverBuf.GetAvailableDataFrames())
		got, err := serverBuf.GetReadBuffer(0)
		require.NoError(t, err)
		assert.Equal(t, span, got)

		latency, err := p.GetLatency(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(480), latency)

		require.NoError(t, p.Start(ctx))
		assert.ErrorIs(t, p.Start(ctx), audioerr.ErrIllegalState)
		select {
		case ev := <-events:
			assert.Equal(t, EventStart, ev.Code)
			assert.Equal(t, audiobuffer.StreamStarted, ev.Status)
		case <-time.After(2 * time.Second):
			t.Fatal("no start event")
		}
		status, err := p.GetStreamStatus()
		require.NoError(t, err)
		assert.Equal(t, audiobuffer.StreamStarted, status)

		require.NoError(t, p.Pause(ctx))
		require.NoError(t, p.Flush(ctx))
		assert.Equal(t, buf.GetCurWriteFrame(), buf.GetCurReadFrame())
		require.NoError(t, p.Stop(ctx))

		require.NoError(t, p.Release(ctx))
		assert.ErrorIs(t, p.Release(ctx), audioerr.ErrIllegalState)
		assert.Zero(t, ts.mgr.Len())
	})
}

func TestRemoteSettingsAndPosition(t *testing.T) {
	forEachTransport(t, func(t *testing.T, ts *testServer) {
		ctx := testCtx(t)
		p := ts.createStream(t)

		require.NoError(t, p.SetRate(ctx, endpoint.RateHalf))
		rate, err := p.GetRate(ctx)
		require.NoError(t, err)
		assert.Equal(t, endpoint.RateHalf, rate)

		require.NoError(t, p.SetLowPowerVolume(ctx, 0.75))
		v, err := p.GetLowPowerVolume(ctx)
		require.NoError(t, err)
		assert.Equal(t, float32(0.75), v)
		assert.ErrorIs(t, p.SetLowPowerVolume(ctx, 2), audioerr.ErrInvalidParam)

		require.NoError(t, p.SetAudioEffectMode(ctx, endpoint.EffectDefault))
		mode, err := p.GetAudioEffectMode(ctx)
		require.NoError(t, err)
		assert.Equal(t, endpoint.EffectDefault, mode)

		require.NoError(t, p.SetPrivacyType(ctx, endpoint.PrivacyPrivate))
		privacy, err := p.GetPrivacyType(ctx)
		require.NoError(t, err)
		assert.Equal(t, endpoint.PrivacyPrivate, privacy)

		require.NoError(t, p.UpdatePosition(ctx))
		pos, at, err := p.GetAudioTime(ctx)
		require.NoError(t, err)
		assert.Zero(t, pos)
		assert.False(t, at.IsZero())

		pos, at, latency, err := p.GetAudioPosition(ctx)
		require.NoError(t, err)
		assert.Zero(t, pos)
		assert.False(t, at.IsZero())
		assert.Zero(t, latency)

		assert.ErrorIs(t, p.UpdatePlaybackCaptureConfig(ctx), audioerr.ErrUnsupported)
	})
}

func TestRemoteNullListener(t *testing.T) {
	ts := newTestServer(t, TransportUnix)
	p := ts.createStream(t)
	err := p.RegisterStreamListener(testCtx(t), nil)
	assert.ErrorIs(t, err, audioerr.ErrNullObject)
}

func TestStreamCallBeforeCreate(t *testing.T) {
	ts := newTestServer(t, TransportUnix)
	c := ts.dial(t)
	p := &Proxy{conn: c}
	assert.ErrorIs(t, p.Start(testCtx(t)), audioerr.ErrIllegalState)
}

func TestCreateStreamTwice(t *testing.T) {
	ts := newTestServer(t, TransportUnix)
	c := ts.dial(t)
	ctx := testCtx(t)
	_, err := CreateStream(ctx, c, testConfig(), 1920, 480)
	require.NoError(t, err)
	_, err = CreateStream(ctx, c, testConfig(), 1920, 480)
	assert.ErrorIs(t, err, audioerr.ErrIllegalState)
	assert.Equal(t, 1, ts.mgr.Len())
}

func TestCreateStreamBadGeometry(t *testing.T) {
	ts := newTestServer(t, TransportUnix)
	c := ts.dial(t)
	_, err := CreateStream(testCtx(t), c, testConfig(), 1000, 480)
	assert.ErrorIs(t, err, audioerr.ErrInvalidParam)
	assert.Zero(t, ts.mgr.Len())

	cfg := testConfig()
	cfg.Stream.Encoding = 3
	_, err = CreateStream(testCtx(t), c, cfg, 1920, 480)
	assert.ErrorIs(t, err, audioerr.ErrUnsupported)
}

func TestDisconnectReleasesStream(t *testing.T) {
	forEachTransport(t, func(t *testing.T, ts *testServer) {
		p := ts.createStream(t)
		buf, err := p.ResolveBuffer(testCtx(t))
		require.NoError(t, err)
		path := buf.Path()
		require.FileExists(t, path)

		require.NoError(t, p.Close())
		assert.Eventually(t, func() bool { return ts.mgr.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			_, err := os.Stat(path)
			return os.IsNotExist(err)
		}, 2*time.Second, 10*time.Millisecond)

		assert.ErrorIs(t, p.Start(testCtx(t)), audioerr.ErrDeadObject)
	})
}

func TestServerShutdownFailsCalls(t *testing.T) {
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	mgr := manager.New(manager.Options{Shared: true, SharedDir: dir}, zerolog.Nop())
	a, err := ListenUnix(filepath.Join(dir, "s.sock"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(mgr, zerolog.Nop()).Serve(ctx, a) }()

	c, err := Dial(testCtx(t), TransportUnix, filepath.Join(dir, "s.sock"), dir, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	p, err := CreateStream(testCtx(t), c, testConfig(), 1920, 480)
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not notified of shutdown")
	}
	assert.ErrorIs(t, p.Start(testCtx(t)), audioerr.ErrDeadObject)
	assert.Zero(t, mgr.Len())
}

// stuckDrainDriver accepts every call but never finishes a drain by itself.
type stuckDrainDriver struct{}

func (stuckDrainDriver) Start(context.Context) error { return nil }
func (stuckDrainDriver) Pause(context.Context) error { return nil }
func (stuckDrainDriver) Stop(context.Context) error  { return nil }
func (stuckDrainDriver) Flush(context.Context) error { return nil }
func (stuckDrainDriver) Release() error              { return nil }

func (stuckDrainDriver) Drain(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckDrainDriver) Position() (uint64, time.Time, error) { return 0, time.Time{}, nil }
func (stuckDrainDriver) Latency() (uint64, error)             { return 0, nil }

func TestRemoteDrainPlaysPartialTail(t *testing.T) {
	factory, err := device.NewFactory(device.Options{Kind: device.KindNull, Logger: zerolog.Nop()})
	require.NoError(t, err)
	for _, kind := range []string{TransportUnix, TransportShm} {
		t.Run(kind, func(t *testing.T) {
			ts := newTestServerWithDevice(t, kind, factory)
			ctx := testCtx(t)
			p := ts.createStream(t)
			buf, err := p.ResolveBuffer(ctx)
			require.NoError(t, err)
			require.NoError(t, p.Start(ctx))

			require.NoError(t, buf.SetCurWriteFrame(100))
			require.NoError(t, p.Drain(ctx))
			assert.Zero(t, buf.GetAvailableDataFrames())
			assert.EqualValues(t, 100, buf.GetCurReadFrame())

			require.NoError(t, p.Close())
			assert.Eventually(t, func() bool { return ts.mgr.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestStuckDrainStillReleasesOnDisconnect(t *testing.T) {
	factory := func(endpoint.ProcessConfig, *audiobuffer.Buffer) (endpoint.Driver, error) {
		return stuckDrainDriver{}, nil
	}
	ts := newTestServerWithDevice(t, TransportUnix, factory)
	ctx := testCtx(t)
	p := ts.createStream(t)
	buf, err := p.ResolveBuffer(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))
	require.NoError(t, buf.SetCurWriteFrame(100))

	start := time.Now()
	assert.ErrorIs(t, p.Drain(ctx), audioerr.ErrOperationFailed)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, p.Close())
	assert.Eventually(t, func() bool { return ts.mgr.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
