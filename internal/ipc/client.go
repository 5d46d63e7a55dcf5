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
	"sync/atomic"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/transport/shm"
)

var (
	errGoAway     = errors.New("server going away")
	errConnClosed = errors.New("connection closed by client")
)

// Conn is the client end of a control connection. Calls may be issued from
// several goroutines; replies are matched to calls by sequence number and
// listener events are delivered on Events.
type Conn struct {
	rwc    io.ReadWriteCloser
	logger zerolog.Logger

	nextSeq atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]chan []byte

	writeMu sync.Mutex // serialize frame writes

	events chan Event

	readerOnce sync.Once
	done       chan struct{}
	failOnce   sync.Once
	err        error // set before done is closed
}

// NewConn wraps an established transport.
func NewConn(rwc io.ReadWriteCloser, logger zerolog.Logger) *Conn {
	return &Conn{
		rwc:     rwc,
		logger:  logger.With().Str("component", "ipc-client").Logger(),
		pending: make(map[uint32]chan []byte),
		events:  make(chan Event, eventQueueLen),
		done:    make(chan struct{}),
	}
}

// Events delivers listener events. It is closed when the connection dies.
func (c *Conn) Events() <-chan Event {
	c.startReader()
	return c.events
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection died, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) startReader() {
	c.readerOnce.Do(func() { go c.readLoop() })
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		fh, payload, err := shm.ReadFrame(c.rwc)
		if err != nil {
			c.fail(err)
			return
		}
		switch fh.Type {
		case shm.FrameTypeREPLY:
			c.dispatchReply(fh.Seq, payload)
		case shm.FrameTypeEVENT:
			ev, err := decodeEvent(EventCode(fh.Code), payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("malformed event")
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.logger.Warn().Stringer("event", ev.Code).Msg("event dropped, consumer too slow")
			}
		case shm.FrameTypePING:
			c.writeMu.Lock()
			_ = shm.WriteFrame(c.rwc, shm.FrameHeader{Type: shm.FrameTypePONG, Seq: fh.Seq}, payload)
			c.writeMu.Unlock()
		case shm.FrameTypeGOAWAY:
			c.fail(errGoAway)
			return
		default:
		}
	}
}

func (c *Conn) dispatchReply(seq uint32, payload []byte) {
	c.pendingMu.Lock()
	ch := c.pending[seq]
	delete(c.pending, seq)
	c.pendingMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// fail marks the connection dead once and closes the transport.
func (c *Conn) fail(cause error) {
	c.failOnce.Do(func() {
		c.err = fmt.Errorf("%w: %v", audioerr.ErrDeadObject, cause)
		close(c.done)
		if err := c.rwc.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close transport")
		}
		if !errors.Is(cause, errConnClosed) {
			c.logger.Warn().Err(cause).Msg("connection lost")
		}
	})
}

// Call sends one request and waits for its reply. The returned reader is
// positioned after the status header. A non-OK status is returned as the
// matching audioerr sentinel.
func (c *Conn) Call(ctx context.Context, code MessageCode, data []byte) (*Reader, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	c.startReader()

	seq := c.nextSeq.Add(1)
	ch := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := shm.WriteFrame(c.rwc, shm.FrameHeader{Type: shm.FrameTypeREQUEST, Seq: seq, Code: uint16(code)}, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(seq)
		c.fail(err)
		return nil, c.err
	}

	select {
	case <-ctx.Done():
		c.forget(seq)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err
	case payload := <-ch:
		return decodeReply(code, payload)
	}
}

func (c *Conn) forget(seq uint32) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

func decodeReply(code MessageCode, payload []byte) (*Reader, error) {
	r := NewReader(payload)
	st := codes.Code(r.ReadInt32())
	msg := r.ReadString()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w: %w", code, audioerr.ErrOperationFailed, err)
	}
	if err := audioerr.FromStatus(st, msg); err != nil {
		return nil, err
	}
	return r, nil
}

// Close says GOAWAY and closes the transport. Calls in flight fail with
// ErrDeadObject.
func (c *Conn) Close() error {
	if c.Err() != nil {
		return nil
	}
	c.writeMu.Lock()
	_ = shm.WriteFrame(c.rwc, shm.FrameHeader{Type: shm.FrameTypeGOAWAY}, nil)
	c.writeMu.Unlock()
	c.fail(errConnClosed)
	return nil
}
