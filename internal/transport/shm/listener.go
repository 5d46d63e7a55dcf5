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
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// dialRetry is the polling interval while waiting for a server segment.
const dialRetry = 5 * time.Millisecond

// Listener serves one client at a time over a named control segment. Each
// Accept creates a fresh segment under the same name once the previous
// connection has closed it.
type Listener struct {
	dir      string
	name     string
	reqCap   uint64
	replyCap uint64

	mu      sync.Mutex
	pending *Segment
	closed  bool
}

// Listen prepares a listener for the segment dir/name. Ring capacities of
// zero select DefaultRingCapacity.
func Listen(dir, name string, reqCap, replyCap uint64) (*Listener, error) {
	if name == "" {
		return nil, errors.New("shm: listener name must not be empty")
	}
	if reqCap == 0 {
		reqCap = DefaultRingCapacity
	}
	if replyCap == 0 {
		replyCap = DefaultRingCapacity
	}
	if _, _, _, err := CalculateSegmentLayout(reqCap, replyCap); err != nil {
		return nil, err
	}
	return &Listener{dir: dir, name: name, reqCap: reqCap, replyCap: replyCap}, nil
}

// Path returns the path clients pass to Dial.
func (l *Listener) Path() string {
	return RegionPath(l.dir, l.name)
}

// Accept creates the segment and blocks until a client attaches.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	// A stale file left by a crashed server would make O_EXCL fail.
	if err := os.Remove(l.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.mu.Unlock()
		return nil, err
	}
	seg, err := CreateSegment(l.dir, l.name, l.reqCap, l.replyCap)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.pending = seg
	l.mu.Unlock()

	err = seg.WaitForClient(ctx)

	l.mu.Lock()
	l.pending = nil
	closed := l.closed
	l.mu.Unlock()

	if err != nil || closed {
		seg.Close()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	// Both sides are mapped. Free the name for the next Accept.
	if err := seg.Region.Unlink(); err != nil {
		seg.Close()
		return nil, err
	}
	return NewServerConn(seg), nil
}

// Close stops the listener. A pending Accept returns once it notices.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.pending != nil {
		l.pending.Shutdown()
	}
	return nil
}

// Dial attaches to the segment at path, retrying until a server has
// published it or ctx is done. A segment caught mid-creation fails
// validation and is retried like a missing one.
func Dial(ctx context.Context, path string) (*Conn, error) {
	for {
		seg, err := OpenSegment(path)
		if err == nil {
			if err := seg.WaitForServer(ctx); err != nil {
				seg.Close()
				return nil, err
			}
			return NewClientConn(seg), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("shm: dial %s: %w (last error: %v)", path, ctx.Err(), err)
		case <-time.After(dialRetry):
		}
	}
}
