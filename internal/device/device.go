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

// Package device provides the drivers an endpoint can run against: a null
// device that discards or produces silence, a WAV file sink for renderers
// and a tone generator for capturers. Every driver moves spans through the
// stream's buffer from its own goroutine. Renderers also follow a read
// cursor left inside a span and play out a partial tail while draining.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

// Driver kinds.
const (
	KindNull = "null"
	KindWav  = "wav"
	KindTone = "tone"
)

// drainPoll is how often Drain checks for an empty ring.
const drainPoll = 2 * time.Millisecond

// Options selects and tunes the driver opened for each stream.
type Options struct {
	Kind string
	// OutputDir receives one WAV file per rendered stream.
	OutputDir string
	// ToneHz is the frequency of the capture tone.
	ToneHz float64
	// LatencyFrames is reported by Latency.
	LatencyFrames uint64
	// Realtime paces the pump at the stream's sample rate instead of moving
	// spans as fast as the ring allows.
	Realtime bool
	Logger   zerolog.Logger
}

// NewFactory returns the factory for opts.Kind.
func NewFactory(opts Options) (endpoint.DriverFactory, error) {
	switch opts.Kind {
	case KindNull, "":
		return func(cfg endpoint.ProcessConfig, buf *audiobuffer.Buffer) (endpoint.Driver, error) {
			if cfg.Mode == endpoint.ModeRecord {
				return newPump(opts, cfg, buf, "null", silenceSource{}), nil
			}
			return newPump(opts, cfg, buf, "null", discardSink{}), nil
		}, nil
	case KindWav:
		return func(cfg endpoint.ProcessConfig, buf *audiobuffer.Buffer) (endpoint.Driver, error) {
			if cfg.Mode != endpoint.ModePlayback {
				return nil, fmt.Errorf("wav device renders only: %w", audioerr.ErrUnsupported)
			}
			sink, err := newWavSink(opts.OutputDir, cfg)
			if err != nil {
				return nil, err
			}
			return newPump(opts, cfg, buf, "wav", sink), nil
		}, nil
	case KindTone:
		return func(cfg endpoint.ProcessConfig, buf *audiobuffer.Buffer) (endpoint.Driver, error) {
			if cfg.Mode != endpoint.ModeRecord {
				return nil, fmt.Errorf("tone device captures only: %w", audioerr.ErrUnsupported)
			}
			src, err := newToneSource(cfg, opts.ToneHz)
			if err != nil {
				return nil, err
			}
			return newPump(opts, cfg, buf, "tone", src), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", opts.Kind)
	}
}

// sink consumes rendered frames, at most one span per call.
type sink interface {
	write(p []byte) error
	close() error
}

// source produces captured spans.
type source interface {
	readSpan(p []byte) error
	close() error
}

type discardSink struct{}

func (discardSink) write([]byte) error { return nil }
func (discardSink) close() error       { return nil }

type silenceSource struct{}

func (silenceSource) readSpan(p []byte) error {
	clear(p)
	return nil
}

func (silenceSource) close() error { return nil }

// pump runs one device. The device goroutine is started by Start and
// stopped by Pause, Stop and Release.
type pump struct {
	logger   zerolog.Logger
	buf      *audiobuffer.Buffer
	latency  uint64
	frameDur time.Duration // zero when not paced

	sink   sink
	source source

	mu       sync.Mutex
	cancel   context.CancelFunc
	g        *errgroup.Group
	released bool

	frames   atomic.Uint64
	lastAt   atomic.Int64
	draining atomic.Int32
}

func newPump(opts Options, cfg endpoint.ProcessConfig, buf *audiobuffer.Buffer, name string, end any) *pump {
	p := &pump{
		logger:  opts.Logger.With().Str("component", "device").Str("device", name).Stringer("mode", cfg.Mode).Logger(),
		buf:     buf,
		latency: opts.LatencyFrames,
	}
	if opts.Realtime && cfg.Stream.SampleRate > 0 {
		p.frameDur = time.Second / time.Duration(cfg.Stream.SampleRate)
	}
	switch e := end.(type) {
	case sink:
		p.sink = e
	case source:
		p.source = e
	}
	return p
}

func (p *pump) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return fmt.Errorf("start released device: %w", audioerr.ErrIllegalState)
	}
	if p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	if p.sink != nil {
		g.Go(func() error { return p.render(gctx) })
	} else {
		g.Go(func() error { return p.capture(gctx) })
	}
	p.cancel, p.g = cancel, g
	p.logger.Debug().Msg("device started")
	return nil
}

// halt stops the device goroutine. The caller holds mu.
func (p *pump) halt() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	err := p.g.Wait()
	p.cancel, p.g = nil, nil
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (p *pump) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halt()
}

func (p *pump) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halt()
}

// Flush has nothing to drop: the device holds no frames outside the ring.
func (p *pump) Flush(context.Context) error { return nil }

// Drain waits for a renderer to consume everything queued in the ring,
// including a tail shorter than a span.
func (p *pump) Drain(ctx context.Context) error {
	if p.sink == nil {
		return nil
	}
	p.draining.Add(1)
	defer p.draining.Add(-1)
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for p.buf.GetAvailableDataFrames() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (p *pump) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	err := p.halt()
	var cerr error
	if p.sink != nil {
		cerr = p.sink.close()
	} else {
		cerr = p.source.close()
	}
	p.logger.Debug().Uint64("frames", p.frames.Load()).Msg("device released")
	return errors.Join(err, cerr)
}

func (p *pump) Position() (uint64, time.Time, error) {
	ns := p.lastAt.Load()
	if ns == 0 {
		return p.frames.Load(), time.Time{}, nil
	}
	return p.frames.Load(), time.Unix(0, ns), nil
}

func (p *pump) Latency() (uint64, error) { return p.latency, nil }

func (p *pump) handled(frames uint64) {
	p.frames.Add(frames)
	p.lastAt.Store(time.Now().UnixNano())
}

func (p *pump) pace(ctx context.Context, next time.Time, frames uint64) (time.Time, error) {
	if p.frameDur == 0 {
		return next, ctx.Err()
	}
	next = next.Add(time.Duration(frames) * p.frameDur)
	return next, sleepCtx(ctx, time.Until(next))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *pump) spanBytes() int {
	return int(p.buf.SpanSizeInFrames()) * int(p.buf.BytesPerFrame())
}

// want is how many frames the renderer waits for: the rest of the span
// under the read cursor, or any frame at all while a drain is pending.
func (p *pump) want() uint64 {
	if p.draining.Load() > 0 {
		return 1
	}
	span := uint64(p.buf.SpanSizeInFrames())
	return span - p.buf.GetCurReadFrame()%span
}

// render moves frames from the ring into the sink, a span at a time once
// the read cursor is span aligned.
func (p *pump) render(ctx context.Context) error {
	bpf := uint64(p.buf.BytesPerFrame())
	scratch := make([]byte, p.spanBytes())
	next := time.Now()
	for {
		if err := p.buf.WaitForDataFunc(ctx, p.want); err != nil {
			return err
		}
		n, err := p.buf.ReadFrames(scratch)
		if errors.Is(err, audioerr.ErrIllegalState) || errors.Is(err, audioerr.ErrOutOfRange) {
			// A flush moved the read cursor under us.
			p.logger.Debug().Err(err).Msg("read raced a flush")
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		if err := p.sink.write(scratch[:n*bpf]); err != nil {
			p.logger.Error().Err(err).Msg("sink write failed")
			return err
		}
		p.handled(n)
		if next, err = p.pace(ctx, next, n); err != nil {
			return err
		}
	}
}

// capture moves spans from the source into the ring.
func (p *pump) capture(ctx context.Context) error {
	span := uint64(p.buf.SpanSizeInFrames())
	scratch := make([]byte, p.spanBytes())
	next := time.Now()
	for {
		if err := p.buf.WaitForSpace(ctx, span); err != nil {
			return err
		}
		if err := p.source.readSpan(scratch); err != nil {
			p.logger.Error().Err(err).Msg("source read failed")
			return err
		}
		if err := p.buf.WriteSpan(scratch); err != nil {
			return err
		}
		p.handled(span)
		var err error
		if next, err = p.pace(ctx, next, span); err != nil {
			return err
		}
	}
}
