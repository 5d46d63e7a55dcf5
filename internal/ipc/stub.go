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

	"github.com/rs/zerolog"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

// Event is a listener callback forwarded to the client that registered it.
type Event struct {
	Code       EventCode
	ListenerID uint64
	SessionID  uint32
	Status     audiobuffer.StreamStatus
}

func (ev Event) encode() []byte {
	p := NewParcel()
	p.WriteUint64(ev.ListenerID)
	p.WriteUint32(ev.SessionID)
	p.WriteUint32(uint32(ev.Status))
	return p.Bytes()
}

func decodeEvent(code EventCode, b []byte) (Event, error) {
	r := NewReader(b)
	ev := Event{Code: code}
	ev.ListenerID = r.ReadUint64()
	ev.SessionID = r.ReadUint32()
	ev.Status = audiobuffer.StreamStatus(r.ReadUint32())
	return ev, r.Err()
}

type handlerFunc func(ctx context.Context, in *Reader, out *Parcel) error

// Stub serves the stream calls of one session against its endpoint. The
// endpoint is referenced, not owned: the manager that created it releases
// it.
type Stub struct {
	ep     *endpoint.Endpoint
	logger zerolog.Logger
	emit   func(Event)

	mu         sync.Mutex
	buf        *audiobuffer.Buffer
	listenerID uint64
	handle     endpoint.ListenerHandle
	closed     bool

	handlers [codeStreamMax]handlerFunc
}

// NewStub binds a stub to ep. emit receives listener events and must not
// block: it runs under the endpoint's state lock.
func NewStub(ep *endpoint.Endpoint, logger zerolog.Logger, emit func(Event)) *Stub {
	s := &Stub{
		ep:     ep,
		logger: logger.With().Str("component", "stub").Uint32("session", ep.SessionID()).Logger(),
		emit:   emit,
	}
	s.handlers = [codeStreamMax]handlerFunc{
		CodeRegisterStreamListener:      s.registerStreamListener,
		CodeResolveBuffer:               s.resolveBuffer,
		CodeUpdatePosition:              s.updatePosition,
		CodeGetAudioSessionID:           s.getAudioSessionID,
		CodeStart:                       s.start,
		CodePause:                       s.pause,
		CodeStop:                        s.stop,
		CodeRelease:                     s.release,
		CodeFlush:                       s.flush,
		CodeDrain:                       s.drain,
		CodeUpdatePlaybackCaptureConfig: s.updatePlaybackCaptureConfig,
		CodeGetAudioTime:                s.getAudioTime,
		CodeGetAudioPosition:            s.getAudioPosition,
		CodeGetLatency:                  s.getLatency,
		CodeSetRate:                     s.setRate,
		CodeGetRate:                     s.getRate,
		CodeSetLowPowerVolume:           s.setLowPowerVolume,
		CodeGetLowPowerVolume:           s.getLowPowerVolume,
		CodeSetAudioEffectMode:          s.setAudioEffectMode,
		CodeGetAudioEffectMode:          s.getAudioEffectMode,
		CodeSetPrivacyType:              s.setPrivacyType,
		CodeGetPrivacyType:              s.getPrivacyType,
	}
	return s
}

// Endpoint returns the endpoint the stub drives.
func (s *Stub) Endpoint() *endpoint.Endpoint { return s.ep }

// OnRemoteRequest decodes one request and returns the encoded reply. The
// reply always starts with a status code and message; result fields follow
// only on success.
func (s *Stub) OnRemoteRequest(ctx context.Context, code MessageCode, data []byte) []byte {
	body := NewParcel()
	err := s.dispatch(ctx, code, data, body)
	if err != nil {
		s.logger.Debug().Err(err).Stringer("code", code).Msg("request failed")
	}
	return encodeReply(err, body)
}

func (s *Stub) dispatch(ctx context.Context, code MessageCode, data []byte, out *Parcel) error {
	if code >= codeStreamMax {
		return fmt.Errorf("%s: %w", code, audioerr.ErrUnsupported)
	}
	in := NewReader(data)
	if err := in.CheckInterfaceToken(StreamToken); err != nil {
		return fmt.Errorf("%s: %w", code, err)
	}
	return s.handlers[code](ctx, in, out)
}

func encodeReply(err error, body *Parcel) []byte {
	st := audioerr.ToStatus(err)
	reply := NewParcel()
	reply.WriteInt32(int32(st.Code()))
	reply.WriteString(st.Message())
	if err == nil {
		reply.buf = append(reply.buf, body.Bytes()...)
	}
	return reply.Bytes()
}

func argErr(op string, in *Reader) error {
	if err := in.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, audioerr.ErrInvalidParam, err)
	}
	return nil
}

// Close revokes the session's listener and drops its buffer reference. It
// does not release the endpoint.
func (s *Stub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.handle != 0 {
		// Fails harmlessly if the endpoint already dropped its listeners.
		_ = s.ep.RemoveListener(s.handle)
		s.handle = 0
	}
	if s.buf != nil {
		if err := s.buf.Detach(); err != nil {
			s.logger.Warn().Err(err).Msg("detach buffer failed")
		}
		s.buf = nil
	}
}

func (s *Stub) registerStreamListener(_ context.Context, in *Reader, _ *Parcel) error {
	id := in.ReadUint64()
	if err := argErr("register stream listener", in); err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("register stream listener: %w", audioerr.ErrNullObject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("register stream listener: %w", audioerr.ErrDeadObject)
	}
	if s.handle != 0 {
		_ = s.ep.RemoveListener(s.handle)
		s.handle = 0
	}
	h, err := s.ep.AddListener(remoteListener{s: s, id: id})
	if err != nil {
		return err
	}
	s.handle, s.listenerID = h, id
	s.logger.Debug().Uint64("listener", id).Msg("listener registered")
	return nil
}

func (s *Stub) resolveBuffer(_ context.Context, _ *Reader, out *Parcel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("resolve buffer: %w", audioerr.ErrDeadObject)
	}
	if s.buf == nil {
		buf, err := s.ep.ResolveBuffer()
		if err != nil {
			return err
		}
		if buf.Path() == "" {
			return fmt.Errorf("resolve buffer: %s buffer cannot be shared: %w", buf.Holder(), audioerr.ErrUnsupported)
		}
		if err := buf.Attach(); err != nil {
			return err
		}
		s.buf = buf
	}
	writeDescriptor(out, s.buf.Descriptor())
	return nil
}

func writeDescriptor(p *Parcel, d audiobuffer.Descriptor) {
	p.WriteString(d.Path)
	p.WriteUint32(d.TotalFrames)
	p.WriteUint32(d.SpanSizeInFrames)
	p.WriteUint32(d.BytesPerFrame)
}

func readDescriptor(r *Reader) audiobuffer.Descriptor {
	return audiobuffer.Descriptor{
		Path:             r.ReadString(),
		TotalFrames:      r.ReadUint32(),
		SpanSizeInFrames: r.ReadUint32(),
		BytesPerFrame:    r.ReadUint32(),
	}
}

func (s *Stub) updatePosition(context.Context, *Reader, *Parcel) error {
	return s.ep.UpdatePosition()
}

func (s *Stub) getAudioSessionID(_ context.Context, _ *Reader, out *Parcel) error {
	out.WriteUint32(s.ep.SessionID())
	return nil
}

func (s *Stub) start(ctx context.Context, _ *Reader, _ *Parcel) error { return s.ep.Start(ctx) }
func (s *Stub) pause(ctx context.Context, _ *Reader, _ *Parcel) error { return s.ep.Pause(ctx, false) }
func (s *Stub) stop(ctx context.Context, _ *Reader, _ *Parcel) error  { return s.ep.Stop(ctx) }
func (s *Stub) flush(ctx context.Context, _ *Reader, _ *Parcel) error { return s.ep.Flush(ctx) }
func (s *Stub) drain(ctx context.Context, _ *Reader, _ *Parcel) error { return s.ep.Drain(ctx) }
func (s *Stub) release(context.Context, *Reader, *Parcel) error       { return s.ep.Release() }

func (s *Stub) updatePlaybackCaptureConfig(context.Context, *Reader, *Parcel) error {
	return fmt.Errorf("update playback capture config: %w", audioerr.ErrUnsupported)
}

func (s *Stub) getAudioTime(_ context.Context, _ *Reader, out *Parcel) error {
	pos, t, err := s.ep.GetAudioTime()
	if err != nil {
		return err
	}
	out.WriteUint64(pos)
	out.WriteInt64(unixNano(t))
	return nil
}

func (s *Stub) getAudioPosition(_ context.Context, _ *Reader, out *Parcel) error {
	pos, t, latency, err := s.ep.GetAudioPosition()
	if err != nil {
		return err
	}
	out.WriteUint64(pos)
	out.WriteInt64(unixNano(t))
	out.WriteUint64(latency)
	return nil
}

func (s *Stub) getLatency(_ context.Context, _ *Reader, out *Parcel) error {
	latency, err := s.ep.GetLatency()
	if err != nil {
		return err
	}
	out.WriteUint64(latency)
	return nil
}

func (s *Stub) setRate(_ context.Context, in *Reader, _ *Parcel) error {
	v := in.ReadInt32()
	if err := argErr("set rate", in); err != nil {
		return err
	}
	return s.ep.SetRate(endpoint.Rate(v))
}

func (s *Stub) getRate(_ context.Context, _ *Reader, out *Parcel) error {
	out.WriteInt32(int32(s.ep.GetRate()))
	return nil
}

func (s *Stub) setLowPowerVolume(_ context.Context, in *Reader, _ *Parcel) error {
	v := in.ReadFloat()
	if err := argErr("set low power volume", in); err != nil {
		return err
	}
	return s.ep.SetLowPowerVolume(v)
}

func (s *Stub) getLowPowerVolume(_ context.Context, _ *Reader, out *Parcel) error {
	out.WriteFloat(s.ep.GetLowPowerVolume())
	return nil
}

func (s *Stub) setAudioEffectMode(_ context.Context, in *Reader, _ *Parcel) error {
	v := in.ReadInt32()
	if err := argErr("set audio effect mode", in); err != nil {
		return err
	}
	return s.ep.SetAudioEffectMode(endpoint.EffectMode(v))
}

func (s *Stub) getAudioEffectMode(_ context.Context, _ *Reader, out *Parcel) error {
	out.WriteInt32(int32(s.ep.GetAudioEffectMode()))
	return nil
}

func (s *Stub) setPrivacyType(_ context.Context, in *Reader, _ *Parcel) error {
	v := in.ReadInt32()
	if err := argErr("set privacy type", in); err != nil {
		return err
	}
	return s.ep.SetPrivacyType(endpoint.PrivacyType(v))
}

func (s *Stub) getPrivacyType(_ context.Context, _ *Reader, out *Parcel) error {
	out.WriteInt32(int32(s.ep.GetPrivacyType()))
	return nil
}

// remoteListener turns endpoint callbacks into events for the client.
type remoteListener struct {
	s  *Stub
	id uint64
}

func (l remoteListener) send(code EventCode, e *endpoint.Endpoint) {
	l.s.emit(Event{Code: code, ListenerID: l.id, SessionID: e.SessionID(), Status: e.Status()})
}

func (l remoteListener) OnStart(e *endpoint.Endpoint)   { l.send(EventStart, e) }
func (l remoteListener) OnPause(e *endpoint.Endpoint)   { l.send(EventPause, e) }
func (l remoteListener) OnStop(e *endpoint.Endpoint)    { l.send(EventStop, e) }
func (l remoteListener) OnRelease(e *endpoint.Endpoint) { l.send(EventRelease, e) }

func (l remoteListener) OnUpdateHandleInfo(e *endpoint.Endpoint) {
	l.send(EventUpdateHandleInfo, e)
}

// unixNano encodes t for the wire. The zero time travels as 0.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// timeFromNano converts a wire timestamp. Zero stays the zero time.
func timeFromNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
