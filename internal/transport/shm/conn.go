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

package shm

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn models a duplex byte pipe backed by the two rings of a Segment.
// Server: read from Req (client->server), write to Reply (server->client)
// Client: read from Reply (server->client), write to Req (client->server)
type Conn struct {
	seg      *Segment
	readR    *ShmRing
	writeR   *ShmRing
	isServer bool

	writeMu sync.Mutex

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	active int
}

// NewServerConn creates a new server-side connection.
func NewServerConn(seg *Segment) *Conn {
	return newConn(seg, seg.Req, seg.Reply, true)
}

// NewClientConn creates a new client-side connection.
func NewClientConn(seg *Segment) *Conn {
	return newConn(seg, seg.Reply, seg.Req, false)
}

func newConn(seg *Segment, readR, writeR *ShmRing, isServer bool) *Conn {
	c := &Conn{seg: seg, readR: readR, writeR: writeR, isServer: isServer}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Segment returns the underlying control segment.
func (c *Conn) Segment() *Segment { return c.seg }

// PeerPID returns the process id recorded by the other side.
func (c *Conn) PeerPID() uint32 {
	if c.isServer {
		return c.seg.H.ClientPID()
	}
	return c.seg.H.ServerPID()
}

// WatchPeer shuts the connection down once the peer process has exited
// without closing the segment. It returns when ctx is done or the peer is
// gone.
func (c *Conn) WatchPeer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.begin() {
				return
			}
			gone := c.seg.H.Closed() || !ProcessAlive(c.PeerPID())
			if gone {
				c.Shutdown()
			}
			c.end()
			if gone {
				return
			}
		}
	}
}

func (c *Conn) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.active++
	return true
}

func (c *Conn) end() {
	c.mu.Lock()
	c.active--
	if c.active == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

// Read reads data from the connection. It returns io.EOF once the peer has
// shut down and everything it wrote has been consumed.
func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p)
}

// ReadContext is Read bounded by ctx.
func (c *Conn) ReadContext(ctx context.Context, p []byte) (int, error) {
	if !c.begin() {
		return 0, ErrConnectionClosed
	}
	defer c.end()

	return c.readR.ReadBlockingContext(ctx, p)
}

// Write writes all of p. Payloads larger than the ring are split into
// capacity-sized chunks; concurrent writers are serialized so chunks of
// different calls never interleave.
func (c *Conn) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext is Write bounded by ctx.
func (c *Conn) WriteContext(ctx context.Context, p []byte) (int, error) {
	if !c.begin() {
		return 0, ErrConnectionClosed
	}
	defer c.end()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	chunk := int(c.writeR.Capacity())
	written := 0
	for written < len(p) {
		n := min(chunk, len(p)-written)
		if err := c.writeR.WriteBlockingContext(ctx, p[written:written+n]); err != nil {
			if errors.Is(err, ErrRingClosed) {
				return written, ErrConnectionClosed
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

// Shutdown closes both rings and wakes any blocked reader or writer without
// unmapping the segment.
func (c *Conn) Shutdown() {
	c.seg.Shutdown()
}

// Close shuts the connection down, waits for in-flight calls to return and
// unmaps the segment. The server side also unlinks the backing file.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.seg.Shutdown()

	c.mu.Lock()
	for c.active > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()

	return c.seg.Close()
}
