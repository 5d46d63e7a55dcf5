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

// Package endpoint implements the server-side stream endpoint: it owns the
// shared audio buffer of one stream, drives the stream state machine and
// notifies listeners of every transition.
package endpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
)

// Status is the endpoint state. The same values are published in the buffer
// header for the remote side.
type Status = audiobuffer.StreamStatus

// Endpoint is one audio stream on the server.
type Endpoint struct {
	cfg       ProcessConfig
	sessionID uint32
	logger    zerolog.Logger

	shared     bool
	bufferDir  string
	newDriver  DriverFactory
	releaseCb  ReleaseCallback
	deviceOnce sync.Once

	// statusMu serializes transitions. status is also read without it.
	statusMu sync.Mutex
	status   atomic.Uint32
	inited   atomic.Bool
	buf      *audiobuffer.Buffer
	driver   Driver

	listenerMu sync.RWMutex
	listeners  []subscription
	nextHandle ListenerHandle

	settingsMu     sync.RWMutex
	rate           Rate
	lowPowerVolume float32
	effectMode     EffectMode
	privacyType    PrivacyType
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the parent logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithSharedBuffer places the buffer in a shared region under dir so a
// client process can map it. Without it the buffer is process local.
func WithSharedBuffer(dir string) Option {
	return func(e *Endpoint) {
		e.shared = true
		e.bufferDir = dir
	}
}

// WithDriverFactory opens a device when the buffer is configured.
func WithDriverFactory(f DriverFactory) Option {
	return func(e *Endpoint) { e.newDriver = f }
}

// WithReleaseCallback registers the owner to tell on release.
func WithReleaseCallback(cb ReleaseCallback) Option {
	return func(e *Endpoint) { e.releaseCb = cb }
}

// New creates an endpoint in IDLE for a validated config.
func New(sessionID uint32, cfg ProcessConfig, opts ...Option) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:            cfg,
		sessionID:      sessionID,
		logger:         zerolog.Nop(),
		lowPowerVolume: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().
		Str("component", "endpoint").
		Uint32("session", sessionID).
		Logger()
	e.status.Store(uint32(audiobuffer.StreamIdle))
	return e, nil
}

// SessionID returns the id the manager assigned to the stream.
func (e *Endpoint) SessionID() uint32 { return e.sessionID }

// Config returns the stream configuration.
func (e *Endpoint) Config() ProcessConfig { return e.cfg }

// Status returns the current state.
func (e *Endpoint) Status() Status { return Status(e.status.Load()) }

// Configured reports whether the buffer has been configured and the
// endpoint not yet released.
func (e *Endpoint) Configured() bool { return e.inited.Load() }

func (e *Endpoint) setStatus(s Status) {
	old := Status(e.status.Swap(uint32(s)))
	if e.buf != nil && !e.buf.Released() {
		e.buf.SetStreamStatus(s)
	}
	if old != s {
		e.logger.Info().Stringer("from", old).Stringer("to", s).Msg("status changed")
	}
}

// ConfigBuffer creates and clears the stream buffer. It succeeds without
// change if the buffer already exists.
func (e *Endpoint) ConfigBuffer(totalFrames, spanFrames uint32) error {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	if e.Status() == audiobuffer.StreamReleased {
		return fmt.Errorf("config buffer after release: %w", audioerr.ErrIllegalState)
	}
	if e.buf != nil {
		e.logger.Info().Msg("buffer already configured")
		return nil
	}

	bpf := e.cfg.BytesPerFrame()
	var (
		buf *audiobuffer.Buffer
		err error
	)
	if e.shared {
		buf, err = audiobuffer.CreateShared(e.bufferDir, totalFrames, spanFrames, bpf)
	} else {
		buf, err = audiobuffer.Create(totalFrames, spanFrames, bpf)
	}
	if err != nil {
		e.logger.Error().Err(err).Uint32("total", totalFrames).Uint32("span", spanFrames).Msg("config buffer failed")
		return err
	}
	// Clear stale data and recycle every span before anyone sees the buffer.
	buf.Reset()

	if e.newDriver != nil {
		drv, err := e.newDriver(e.cfg, buf)
		if err != nil {
			buf.Detach()
			e.logger.Error().Err(err).Msg("open device failed")
			return fmt.Errorf("open device: %w: %w", audioerr.ErrOperationFailed, err)
		}
		e.driver = drv
	}

	e.buf = buf
	e.inited.Store(true)
	buf.SetStreamStatus(e.Status())
	e.logger.Info().
		Uint32("total", totalFrames).
		Uint32("span", spanFrames).
		Uint32("bytes_per_frame", bpf).
		Stringer("holder", buf.Holder()).
		Msg("buffer configured")
	return nil
}

// ResolveBuffer returns the configured buffer.
func (e *Endpoint) ResolveBuffer() (*audiobuffer.Buffer, error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if !e.inited.Load() || e.buf == nil {
		return nil, fmt.Errorf("resolve buffer: not configured: %w", audioerr.ErrIllegalState)
	}
	return e.buf, nil
}

func (e *Endpoint) checkInited(op string) error {
	if !e.inited.Load() {
		e.logger.Warn().Str("op", op).Stringer("status", e.Status()).Msg("not inited")
		return fmt.Errorf("%s: not inited: %w", op, audioerr.ErrIllegalState)
	}
	return nil
}

func (e *Endpoint) illegal(op string, s Status) error {
	e.logger.Warn().Str("op", op).Stringer("status", s).Msg("illegal state")
	return fmt.Errorf("%s from %s: %w", op, s, audioerr.ErrIllegalState)
}

// fail moves the endpoint to INVALID after a device error and releases the
// device. The caller holds statusMu.
func (e *Endpoint) fail(op string, err error) error {
	e.logger.Error().Err(err).Str("op", op).Msg("device operation failed")
	e.setStatus(audiobuffer.StreamInvalid)
	if rerr := e.releaseDevice(); rerr != nil {
		e.logger.Error().Err(rerr).Msg("release device failed")
	}
	return fmt.Errorf("%s: %w: %w", op, audioerr.ErrOperationFailed, err)
}

// releaseDevice frees the device exactly once.
func (e *Endpoint) releaseDevice() error {
	var err error
	e.deviceOnce.Do(func() {
		if e.driver != nil {
			err = e.driver.Release()
		}
	})
	return err
}

// RequestStart moves IDLE, PAUSED or STOPPED to STARTING. It is the only
// writer of STARTING; Start or Resume completes the transition.
func (e *Endpoint) RequestStart() error {
	if err := e.checkInited("request start"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	switch s := e.Status(); s {
	case audiobuffer.StreamIdle, audiobuffer.StreamPaused, audiobuffer.StreamStopped:
		e.setStatus(audiobuffer.StreamStarting)
		return nil
	default:
		return e.illegal("request start", s)
	}
}

// Start starts the stream from STARTING, or from IDLE, PAUSED or STOPPED by
// requesting the start itself. Listeners get OnStart on success.
func (e *Endpoint) Start(ctx context.Context) error {
	return e.start(ctx, "start", audiobuffer.StreamIdle, audiobuffer.StreamPaused, audiobuffer.StreamStopped)
}

// Resume restarts a paused stream. It follows the start path.
func (e *Endpoint) Resume(ctx context.Context) error {
	return e.start(ctx, "resume", audiobuffer.StreamPaused)
}

func (e *Endpoint) start(ctx context.Context, op string, from ...Status) error {
	if err := e.checkInited(op); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	s := e.Status()
	if s != audiobuffer.StreamStarting {
		allowed := false
		for _, f := range from {
			allowed = allowed || s == f
		}
		if !allowed {
			return e.illegal(op, s)
		}
		e.setStatus(audiobuffer.StreamStarting)
	}

	if e.driver != nil {
		if err := e.driver.Start(ctx); err != nil {
			return e.fail(op, err)
		}
	}
	e.setStatus(audiobuffer.StreamStarted)
	e.notify(func(l Listener) { l.OnStart(e) })
	return nil
}

// Pause pauses a started stream. With isFlush the pending audio is dropped
// once the device has paused.
func (e *Endpoint) Pause(ctx context.Context, isFlush bool) error {
	if err := e.checkInited("pause"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	if s := e.Status(); s != audiobuffer.StreamStarted {
		return e.illegal("pause", s)
	}
	e.setStatus(audiobuffer.StreamPausing)
	if e.driver != nil {
		if err := e.driver.Pause(ctx); err != nil {
			return e.fail("pause", err)
		}
	}
	if isFlush {
		if err := e.dropPending(); err != nil {
			return e.fail("pause", err)
		}
	}
	e.setStatus(audiobuffer.StreamPaused)
	e.notify(func(l Listener) { l.OnPause(e) })
	return nil
}

// Stop stops a started or paused stream.
func (e *Endpoint) Stop(ctx context.Context) error {
	if err := e.checkInited("stop"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	if s := e.Status(); s != audiobuffer.StreamStarted && s != audiobuffer.StreamPaused {
		return e.illegal("stop", s)
	}
	e.setStatus(audiobuffer.StreamStopping)
	if e.driver != nil {
		if err := e.driver.Stop(ctx); err != nil {
			return e.fail("stop", err)
		}
	}
	e.setStatus(audiobuffer.StreamStopped)
	e.notify(func(l Listener) { l.OnStop(e) })
	return nil
}

// Flush drops all pending audio of a started or paused stream: every unread
// span is zeroed and the read cursor jumps to the write cursor. The device
// is flushed afterwards.
func (e *Endpoint) Flush(ctx context.Context) error {
	if err := e.checkInited("flush"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	var back Status
	switch s := e.Status(); s {
	case audiobuffer.StreamStarted:
		back = s
		e.setStatus(audiobuffer.StreamFlushingWhenStarted)
	case audiobuffer.StreamPaused:
		back = s
		e.setStatus(audiobuffer.StreamFlushingWhenPaused)
	default:
		return e.illegal("flush", s)
	}

	if err := e.dropPending(); err != nil {
		return e.fail("flush", err)
	}
	if e.driver != nil {
		if err := e.driver.Flush(ctx); err != nil {
			return e.fail("flush", err)
		}
	}
	e.setStatus(back)
	return nil
}

// dropPending zeroes the unread frames span by span and advances the read
// cursor to the write cursor captured on entry.
func (e *Endpoint) dropPending() error {
	buf := e.buf
	span := uint64(buf.SpanSizeInFrames())
	bpf := uint64(buf.BytesPerFrame())
	write := buf.GetCurWriteFrame()

	for read := buf.GetCurReadFrame(); read < write; {
		data, err := buf.GetReadBuffer(read)
		if err != nil {
			return err
		}
		next := min(read-read%span+span, write)
		clear(data[:(next-read)*bpf])
		if next%span == 0 {
			if info, err := buf.GetSpanInfo(read); err == nil {
				info.SetOffsetInFrame(0)
				resetSpan(info)
			}
		}
		if err := buf.SetCurReadFrame(next); err != nil {
			return err
		}
		e.logger.Debug().Uint64("read", read).Uint64("next", next).Uint64("write", write).Msg("flushed span")
		read = next
	}
	return nil
}

// resetSpan walks a span back to READ_DONE from whatever state the
// producer or consumer left it in.
func resetSpan(info *audiobuffer.SpanInfo) {
	switch info.Status() {
	case audiobuffer.SpanWriting:
		_ = info.EndWrite()
		fallthrough
	case audiobuffer.SpanWriteDone:
		_ = info.BeginRead()
		fallthrough
	case audiobuffer.SpanReading:
		_ = info.EndRead()
	}
}

// drainGrace is the slack Drain allows on top of the play-out time of the
// queued frames.
const drainGrace = 500 * time.Millisecond

// Drain asks the device to play out what it has queued. The wait is bounded
// by the play-out time of the queued frames plus drainGrace, since it holds
// the status lock that Release needs.
func (e *Endpoint) Drain(ctx context.Context) error {
	if err := e.checkInited("drain"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	if s := e.Status(); s != audiobuffer.StreamStarted {
		return e.illegal("drain", s)
	}
	if e.driver != nil {
		ctx, cancel := context.WithTimeout(ctx, e.drainTimeout())
		defer cancel()
		if err := e.driver.Drain(ctx); err != nil {
			return e.fail("drain", err)
		}
	}
	return nil
}

func (e *Endpoint) drainTimeout() time.Duration {
	queued := e.buf.GetAvailableDataFrames()
	return drainGrace + time.Duration(queued)*time.Second/time.Duration(e.cfg.Stream.SampleRate)
}

// Release ends the stream. It is legal from any state but RELEASED, waits
// for in-flight transitions, frees the device once, tells listeners and the
// release callback, and drops the endpoint's buffer reference.
func (e *Endpoint) Release() error {
	e.statusMu.Lock()
	if s := e.Status(); s == audiobuffer.StreamReleased {
		e.statusMu.Unlock()
		return e.illegal("release", s)
	}

	e.inited.Store(false)
	e.setStatus(audiobuffer.StreamReleased)
	var relErr error
	if err := e.releaseDevice(); err != nil {
		e.logger.Error().Err(err).Msg("release device failed")
		relErr = fmt.Errorf("release device: %w: %w", audioerr.ErrOperationFailed, err)
	}
	e.notify(func(l Listener) { l.OnRelease(e) })
	if e.buf != nil {
		if err := e.buf.Detach(); err != nil {
			e.logger.Warn().Err(err).Msg("detach buffer failed")
		}
	}
	e.statusMu.Unlock()

	if e.releaseCb != nil {
		if err := e.releaseCb.OnEndpointRelease(e); err != nil {
			e.logger.Warn().Err(err).Msg("release callback failed")
		}
	}
	e.logger.Info().Msg("released")
	return relErr
}
