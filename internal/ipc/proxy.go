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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

// StreamListener receives the events of a registered proxy.
type StreamListener interface {
	OnEvent(ev Event)
}

// StreamListenerFunc adapts a function to StreamListener.
type StreamListenerFunc func(ev Event)

func (f StreamListenerFunc) OnEvent(ev Event) { f(ev) }

// Proxy drives one remote stream. Every method is one request and one
// reply; there is no batching.
type Proxy struct {
	conn      *Conn
	sessionID uint32

	bufMu sync.Mutex
	buf   *audiobuffer.Buffer

	listenerMu sync.Mutex
	listener   StreamListener
	listenerID uint64
	pumpOnce   sync.Once
}

// CreateStream asks the server for a new stream sized by total and span
// frames and returns its proxy. It must be the first call on conn.
func CreateStream(ctx context.Context, conn *Conn, cfg endpoint.ProcessConfig, totalFrames, spanFrames uint32) (*Proxy, error) {
	p := NewParcel()
	p.WriteInterfaceToken(ServiceToken)
	writeProcessConfig(p, cfg)
	p.WriteUint32(totalFrames)
	p.WriteUint32(spanFrames)
	r, err := conn.Call(ctx, CodeCreateStream, p.Bytes())
	if err != nil {
		return nil, err
	}
	id := r.ReadUint32()
	if err := replyErr(CodeCreateStream, r); err != nil {
		return nil, err
	}
	return &Proxy{conn: conn, sessionID: id}, nil
}

func replyErr(code MessageCode, r *Reader) error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("%s: malformed reply: %w: %w", code, audioerr.ErrOperationFailed, err)
	}
	return nil
}

func (p *Proxy) call(ctx context.Context, code MessageCode, args func(*Parcel)) (*Reader, error) {
	data := NewParcel()
	data.WriteInterfaceToken(StreamToken)
	if args != nil {
		args(data)
	}
	return p.conn.Call(ctx, code, data.Bytes())
}

func (p *Proxy) simple(ctx context.Context, code MessageCode) error {
	_, err := p.call(ctx, code, nil)
	return err
}

// SessionID returns the id assigned by CreateStream without a round trip.
func (p *Proxy) SessionID() uint32 { return p.sessionID }

// RegisterStreamListener subscribes l to the stream's events, replacing any
// earlier registration. A nil l is rejected by the server with
// ErrNullObject.
func (p *Proxy) RegisterStreamListener(ctx context.Context, l StreamListener) error {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()

	var id uint64
	if l != nil {
		id = p.listenerID + 1
	}
	if _, err := p.call(ctx, CodeRegisterStreamListener, func(d *Parcel) { d.WriteUint64(id) }); err != nil {
		return err
	}
	p.listener, p.listenerID = l, id
	p.pumpOnce.Do(func() { go p.pumpEvents() })
	return nil
}

func (p *Proxy) pumpEvents() {
	for ev := range p.conn.Events() {
		p.listenerMu.Lock()
		l, id := p.listener, p.listenerID
		p.listenerMu.Unlock()
		if l != nil && ev.ListenerID == id {
			l.OnEvent(ev)
		}
	}
}

// ResolveBuffer maps the stream's shared buffer. The mapping is made once;
// later calls return the same buffer.
func (p *Proxy) ResolveBuffer(ctx context.Context) (*audiobuffer.Buffer, error) {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	if p.buf != nil {
		return p.buf, nil
	}
	r, err := p.call(ctx, CodeResolveBuffer, nil)
	if err != nil {
		return nil, err
	}
	d := readDescriptor(r)
	if err := replyErr(CodeResolveBuffer, r); err != nil {
		return nil, err
	}
	buf, err := audiobuffer.Open(d)
	if err != nil {
		return nil, err
	}
	p.buf = buf
	return buf, nil
}

// GetStreamStatus reads the status the server publishes in the shared
// buffer. It needs a resolved buffer but no round trip.
func (p *Proxy) GetStreamStatus() (audiobuffer.StreamStatus, error) {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	if p.buf == nil {
		return audiobuffer.StreamInvalid, fmt.Errorf("stream status: buffer not resolved: %w", audioerr.ErrIllegalState)
	}
	return p.buf.StreamStatus(), nil
}

func (p *Proxy) UpdatePosition(ctx context.Context) error {
	return p.simple(ctx, CodeUpdatePosition)
}

// GetAudioSessionID asks the server for the session id.
func (p *Proxy) GetAudioSessionID(ctx context.Context) (uint32, error) {
	r, err := p.call(ctx, CodeGetAudioSessionID, nil)
	if err != nil {
		return 0, err
	}
	id := r.ReadUint32()
	return id, replyErr(CodeGetAudioSessionID, r)
}

func (p *Proxy) Start(ctx context.Context) error   { return p.simple(ctx, CodeStart) }
func (p *Proxy) Pause(ctx context.Context) error   { return p.simple(ctx, CodePause) }
func (p *Proxy) Stop(ctx context.Context) error    { return p.simple(ctx, CodeStop) }
func (p *Proxy) Release(ctx context.Context) error { return p.simple(ctx, CodeRelease) }
func (p *Proxy) Flush(ctx context.Context) error   { return p.simple(ctx, CodeFlush) }
func (p *Proxy) Drain(ctx context.Context) error   { return p.simple(ctx, CodeDrain) }

// UpdatePlaybackCaptureConfig is reserved; servers answer ErrUnsupported.
func (p *Proxy) UpdatePlaybackCaptureConfig(ctx context.Context) error {
	return p.simple(ctx, CodeUpdatePlaybackCaptureConfig)
}

// GetAudioTime returns the last handled frame position and when it was
// handled.
func (p *Proxy) GetAudioTime(ctx context.Context) (uint64, time.Time, error) {
	r, err := p.call(ctx, CodeGetAudioTime, nil)
	if err != nil {
		return 0, time.Time{}, err
	}
	pos, ns := r.ReadUint64(), r.ReadInt64()
	return pos, timeFromNano(ns), replyErr(CodeGetAudioTime, r)
}

// GetAudioPosition is GetAudioTime plus the current latency in frames.
func (p *Proxy) GetAudioPosition(ctx context.Context) (pos uint64, at time.Time, latency uint64, err error) {
	r, err := p.call(ctx, CodeGetAudioPosition, nil)
	if err != nil {
		return 0, time.Time{}, 0, err
	}
	pos, ns, latency := r.ReadUint64(), r.ReadInt64(), r.ReadUint64()
	return pos, timeFromNano(ns), latency, replyErr(CodeGetAudioPosition, r)
}

func (p *Proxy) GetLatency(ctx context.Context) (uint64, error) {
	r, err := p.call(ctx, CodeGetLatency, nil)
	if err != nil {
		return 0, err
	}
	v := r.ReadUint64()
	return v, replyErr(CodeGetLatency, r)
}

func (p *Proxy) SetRate(ctx context.Context, rate endpoint.Rate) error {
	_, err := p.call(ctx, CodeSetRate, func(d *Parcel) { d.WriteInt32(int32(rate)) })
	return err
}

func (p *Proxy) GetRate(ctx context.Context) (endpoint.Rate, error) {
	v, err := p.getInt32(ctx, CodeGetRate)
	return endpoint.Rate(v), err
}

func (p *Proxy) SetLowPowerVolume(ctx context.Context, volume float32) error {
	_, err := p.call(ctx, CodeSetLowPowerVolume, func(d *Parcel) { d.WriteFloat(volume) })
	return err
}

func (p *Proxy) GetLowPowerVolume(ctx context.Context) (float32, error) {
	r, err := p.call(ctx, CodeGetLowPowerVolume, nil)
	if err != nil {
		return 0, err
	}
	v := r.ReadFloat()
	return v, replyErr(CodeGetLowPowerVolume, r)
}

func (p *Proxy) SetAudioEffectMode(ctx context.Context, mode endpoint.EffectMode) error {
	_, err := p.call(ctx, CodeSetAudioEffectMode, func(d *Parcel) { d.WriteInt32(int32(mode)) })
	return err
}

func (p *Proxy) GetAudioEffectMode(ctx context.Context) (endpoint.EffectMode, error) {
	v, err := p.getInt32(ctx, CodeGetAudioEffectMode)
	return endpoint.EffectMode(v), err
}

func (p *Proxy) SetPrivacyType(ctx context.Context, privacy endpoint.PrivacyType) error {
	_, err := p.call(ctx, CodeSetPrivacyType, func(d *Parcel) { d.WriteInt32(int32(privacy)) })
	return err
}

func (p *Proxy) GetPrivacyType(ctx context.Context) (endpoint.PrivacyType, error) {
	v, err := p.getInt32(ctx, CodeGetPrivacyType)
	return endpoint.PrivacyType(v), err
}

func (p *Proxy) getInt32(ctx context.Context, code MessageCode) (int32, error) {
	r, err := p.call(ctx, code, nil)
	if err != nil {
		return 0, err
	}
	v := r.ReadInt32()
	return v, replyErr(code, r)
}

// Close unmaps the resolved buffer and closes the connection. The server
// releases the stream if Release was never called.
func (p *Proxy) Close() error {
	p.bufMu.Lock()
	buf := p.buf
	p.buf = nil
	p.bufMu.Unlock()

	var err error
	if buf != nil {
		err = buf.Detach()
	}
	if cerr := p.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
