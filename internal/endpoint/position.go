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

package endpoint

import (
	"fmt"
	"io"
	"time"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
)

// RequestHandleInfo refreshes the handle info in the buffer header from the
// device and asks listeners to recompute their position bookkeeping.
func (e *Endpoint) RequestHandleInfo() error {
	if err := e.checkInited("request handle info"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if !e.inited.Load() || e.buf == nil {
		return fmt.Errorf("request handle info: no buffer: %w", audioerr.ErrIllegalState)
	}

	if e.driver != nil {
		pos, at, err := e.driver.Position()
		if err != nil {
			e.logger.Warn().Err(err).Msg("device position unavailable")
		} else {
			e.buf.SetHandleInfo(pos, at)
		}
	}
	e.notify(func(l Listener) { l.OnUpdateHandleInfo(e) })
	return nil
}

// UpdatePosition records the consumer cursor as the handled position. A
// renderer client calls it after the device has pulled data.
func (e *Endpoint) UpdatePosition() error {
	if err := e.checkInited("update position"); err != nil {
		return err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if !e.inited.Load() {
		return e.illegal("update position", e.Status())
	}
	e.buf.SetHandleInfo(e.buf.GetCurReadFrame(), time.Now())
	return nil
}

// GetAudioTime returns the frames the device has handled and when. It does
// not change endpoint state.
func (e *Endpoint) GetAudioTime() (uint64, time.Time, error) {
	if err := e.checkInited("get audio time"); err != nil {
		return 0, time.Time{}, err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	switch s := e.Status(); s {
	case audiobuffer.StreamStopped, audiobuffer.StreamInvalid, audiobuffer.StreamReleased:
		return 0, time.Time{}, fmt.Errorf("get audio time from %s: %w", s, audioerr.ErrIllegalState)
	}
	if e.driver != nil {
		pos, at, err := e.driver.Position()
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("get audio time: %w: %w", audioerr.ErrOperationFailed, err)
		}
		return pos, at, nil
	}
	pos, at := e.buf.GetHandleInfo()
	return pos, at, nil
}

// GetAudioPosition returns the handle info last published in the buffer
// header together with the current latency.
func (e *Endpoint) GetAudioPosition() (pos uint64, at time.Time, latency uint64, err error) {
	if err := e.checkInited("get audio position"); err != nil {
		return 0, time.Time{}, 0, err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.Status() == audiobuffer.StreamReleased {
		return 0, time.Time{}, 0, e.illegal("get audio position", audiobuffer.StreamReleased)
	}

	pos, at = e.buf.GetHandleInfo()
	latency, err = e.latencyLocked()
	return pos, at, latency, err
}

// GetLatency returns the device latency in frames, or the queued frames
// when there is no device.
func (e *Endpoint) GetLatency() (uint64, error) {
	if err := e.checkInited("get latency"); err != nil {
		return 0, err
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if e.Status() == audiobuffer.StreamReleased {
		return 0, e.illegal("get latency", audiobuffer.StreamReleased)
	}
	return e.latencyLocked()
}

func (e *Endpoint) latencyLocked() (uint64, error) {
	if e.driver != nil {
		l, err := e.driver.Latency()
		if err != nil {
			return 0, fmt.Errorf("get latency: %w: %w", audioerr.ErrOperationFailed, err)
		}
		return l, nil
	}
	return e.buf.GetAvailableDataFrames(), nil
}

// Dump writes a human readable summary of the endpoint.
func (e *Endpoint) Dump(w io.Writer) error {
	cfg := e.cfg
	_, err := fmt.Fprintf(w,
		"Session: %d\nAppUid: %d\nAppPid: %d\nMode: %s\n"+
			"SampleRate: %d\nChannels: %d\nFormat: %s\nStatus: %s\nListeners: %d\n",
		e.sessionID, cfg.App.UID, cfg.App.PID, cfg.Mode,
		cfg.Stream.SampleRate, cfg.Stream.Channels, cfg.Stream.Format, e.Status(), e.ListenerCount())
	if err != nil {
		return err
	}

	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if !e.inited.Load() {
		return nil
	}
	b := e.buf
	_, err = fmt.Fprintf(w,
		"Buffer: holder=%s total=%d span=%d spans=%d bytesPerFrame=%d write=%d read=%d refs=%d\n",
		b.Holder(), b.TotalFrames(), b.SpanSizeInFrames(), b.GetSpanCount(), b.BytesPerFrame(),
		b.GetCurWriteFrame(), b.GetCurReadFrame(), b.RefCount())
	return err
}
