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
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
	"github.com/ohaudio/audiostream/internal/manager"
	"github.com/ohaudio/audiostream/internal/transport/shm"
)

// eventQueueLen bounds the frames queued to one connection's writer.
const eventQueueLen = 64

// errPeerGone ends a connection whose client hung up.
var errPeerGone = errors.New("ipc: peer gone")

// Acceptor yields client connections. Both the unix socket and the shared
// memory listeners are adapted to it in transport.go.
type Acceptor interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// Server hosts streams for remote clients. Every connection opens with a
// CreateStream request and then drives that one stream.
type Server struct {
	mgr    *manager.Manager
	base   zerolog.Logger
	logger zerolog.Logger

	wg sync.WaitGroup
}

// NewServer returns a server creating endpoints through mgr.
func NewServer(mgr *manager.Manager, logger zerolog.Logger) *Server {
	return &Server{
		mgr:    mgr,
		base:   logger,
		logger: logger.With().Str("component", "ipc-server").Logger(),
	}
}

// Serve accepts connections until ctx is done or the acceptor fails, then
// waits for the open connections to finish.
func (s *Server) Serve(ctx context.Context, a Acceptor) error {
	stop := context.AfterFunc(ctx, func() { a.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		rwc, err := a.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, rwc); err != nil {
				s.logger.Warn().Err(err).Msg("connection ended with error")
			}
		}()
	}
}

// ServeConn runs one client connection to completion. It closes rwc. When
// the connection drops, the stream it created is released if the client
// did not release it.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	sc := &serverConn{
		srv:    s,
		rwc:    rwc,
		out:    make(chan outFrame, eventQueueLen),
		logger: s.logger,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.readLoop(gctx) })
	g.Go(func() error { return sc.writeLoop(ctx, gctx) })
	err := g.Wait()
	sc.teardown()
	if errors.Is(err, errPeerGone) || ctx.Err() != nil {
		return nil
	}
	return err
}

type outFrame struct {
	fh      shm.FrameHeader
	payload []byte
}

type serverConn struct {
	srv    *Server
	rwc    io.ReadWriteCloser
	out    chan outFrame
	logger zerolog.Logger

	// stub is owned by the read loop until teardown.
	stub *Stub
}

func (sc *serverConn) readLoop(ctx context.Context) error {
	for {
		fh, payload, err := shm.ReadFrame(sc.rwc)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, shm.ErrConnectionClosed) {
				return errPeerGone
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var reply outFrame
		switch fh.Type {
		case shm.FrameTypeREQUEST:
			reply = outFrame{
				fh:      shm.FrameHeader{Type: shm.FrameTypeREPLY, Seq: fh.Seq, Code: fh.Code},
				payload: sc.handle(ctx, MessageCode(fh.Code), payload),
			}
		case shm.FrameTypePING:
			reply = outFrame{fh: shm.FrameHeader{Type: shm.FrameTypePONG, Seq: fh.Seq}, payload: payload}
		case shm.FrameTypeGOAWAY:
			return errPeerGone
		default:
			sc.logger.Debug().Stringer("type", fh.Type).Msg("ignoring frame")
			continue
		}
		select {
		case sc.out <- reply:
		case <-ctx.Done():
			return errPeerGone
		}
	}
}

// writeLoop owns all writes to rwc. It says GOAWAY when the server shuts
// down and closes rwc on exit, which unblocks the read loop.
func (sc *serverConn) writeLoop(parent, ctx context.Context) error {
	defer sc.rwc.Close()
	for {
		select {
		case f := <-sc.out:
			if err := shm.WriteFrame(sc.rwc, f.fh, f.payload); err != nil {
				if errors.Is(err, shm.ErrConnectionClosed) {
					return errPeerGone
				}
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ctx.Done():
			if parent.Err() != nil {
				_ = shm.WriteFrame(sc.rwc, shm.FrameHeader{Type: shm.FrameTypeGOAWAY}, nil)
			}
			return ctx.Err()
		}
	}
}

func (sc *serverConn) handle(ctx context.Context, code MessageCode, payload []byte) []byte {
	if code == CodeCreateStream {
		body := NewParcel()
		err := sc.createStream(payload, body)
		return encodeReply(err, body)
	}
	if sc.stub == nil {
		return encodeReply(fmt.Errorf("%s: no stream created: %w", code, audioerr.ErrIllegalState), nil)
	}
	return sc.stub.OnRemoteRequest(ctx, code, payload)
}

func (sc *serverConn) createStream(payload []byte, out *Parcel) error {
	if sc.stub != nil {
		return fmt.Errorf("create stream: session %d already open: %w", sc.stub.Endpoint().SessionID(), audioerr.ErrIllegalState)
	}
	in := NewReader(payload)
	if err := in.CheckInterfaceToken(ServiceToken); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	cfg := readProcessConfig(in)
	total, span := in.ReadUint32(), in.ReadUint32()
	if err := argErr("create stream", in); err != nil {
		return err
	}

	ep, err := sc.srv.mgr.CreateEndpoint(cfg)
	if err != nil {
		return err
	}
	if err := ep.ConfigBuffer(total, span); err != nil {
		_ = ep.Release()
		return err
	}
	sc.stub = NewStub(ep, sc.srv.base, sc.emit)
	sc.logger = sc.logger.With().Uint32("session", ep.SessionID()).Logger()
	sc.logger.Info().Uint32("total_frames", total).Uint32("span_frames", span).Msg("stream created")
	out.WriteUint32(ep.SessionID())
	return nil
}

// emit queues an event without blocking. A client that stops reading loses
// events rather than stalling the endpoint.
func (sc *serverConn) emit(ev Event) {
	f := outFrame{fh: shm.FrameHeader{Type: shm.FrameTypeEVENT, Code: uint16(ev.Code)}, payload: ev.encode()}
	select {
	case sc.out <- f:
	default:
		sc.logger.Warn().Stringer("event", ev.Code).Msg("event queue full, dropping")
	}
}

// teardown runs once both loops have exited.
func (sc *serverConn) teardown() {
	if sc.stub == nil {
		return
	}
	ep := sc.stub.Endpoint()
	sc.stub.Close()
	if ep.Status() == audiobuffer.StreamReleased {
		sc.logger.Info().Msg("connection closed")
		return
	}
	sc.logger.Info().Msg("client gone, releasing stream")
	if err := ep.Release(); err != nil && !errors.Is(err, audioerr.ErrIllegalState) {
		sc.logger.Warn().Err(err).Msg("release on disconnect failed")
	}
}

func writeProcessConfig(p *Parcel, cfg endpoint.ProcessConfig) {
	p.WriteInt32(cfg.App.UID)
	p.WriteInt32(cfg.App.PID)
	p.WriteUint32(cfg.App.TokenID)
	p.WriteUint32(cfg.Stream.SampleRate)
	p.WriteUint32(cfg.Stream.Channels)
	p.WriteInt32(int32(cfg.Stream.Format))
	p.WriteInt32(int32(cfg.Stream.Encoding))
	p.WriteInt32(int32(cfg.Mode))
	p.WriteInt32(cfg.Usage)
	p.WriteInt32(cfg.ContentType)
}

func readProcessConfig(r *Reader) endpoint.ProcessConfig {
	var cfg endpoint.ProcessConfig
	cfg.App.UID = r.ReadInt32()
	cfg.App.PID = r.ReadInt32()
	cfg.App.TokenID = r.ReadUint32()
	cfg.Stream.SampleRate = r.ReadUint32()
	cfg.Stream.Channels = r.ReadUint32()
	cfg.Stream.Format = endpoint.SampleFormat(r.ReadInt32())
	cfg.Stream.Encoding = endpoint.Encoding(r.ReadInt32())
	cfg.Mode = endpoint.AudioMode(r.ReadInt32())
	cfg.Usage = r.ReadInt32()
	cfg.ContentType = r.ReadInt32()
	return cfg
}
