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
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ohaudio/audiostream/internal/transport/shm"
)

// Transport kinds accepted by Listen and Dial.
const (
	TransportUnix = "unix"
	TransportShm  = "shm"
)

// peerPollInterval is how often a shared memory connection checks that the
// client process still exists.
const peerPollInterval = 500 * time.Millisecond

// Listen opens an acceptor. For unix, address is the socket path. For shm,
// address is the segment name under dir.
func Listen(kind, address, dir string) (Acceptor, error) {
	switch kind {
	case TransportUnix:
		return ListenUnix(address)
	case TransportShm:
		return ListenShm(dir, address)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// Dial connects to a server listening with the same kind, address and dir.
func Dial(ctx context.Context, kind, address, dir string, logger zerolog.Logger) (*Conn, error) {
	var (
		rwc io.ReadWriteCloser
		err error
	)
	switch kind {
	case TransportUnix:
		var d net.Dialer
		rwc, err = d.DialContext(ctx, "unix", address)
	case TransportShm:
		rwc, err = shm.Dial(ctx, shm.RegionPath(dir, address))
	default:
		err = fmt.Errorf("unknown transport %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return NewConn(rwc, logger), nil
}

type unixAcceptor struct {
	ln net.Listener
}

// ListenUnix listens on a unix socket, replacing a stale socket file.
func ListenUnix(path string) (Acceptor, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &unixAcceptor{ln: ln}, nil
}

// Accept ignores ctx; Server.Serve closes the listener when ctx is done.
func (a *unixAcceptor) Accept(context.Context) (io.ReadWriteCloser, error) {
	return a.ln.Accept()
}

func (a *unixAcceptor) Close() error { return a.ln.Close() }

type shmAcceptor struct {
	ln *shm.Listener
}

// ListenShm serves over a control segment named name under dir.
func ListenShm(dir, name string) (Acceptor, error) {
	ln, err := shm.Listen(dir, name, 0, 0)
	if err != nil {
		return nil, err
	}
	return &shmAcceptor{ln: ln}, nil
}

// Accept waits for a client and watches its process so a crashed client
// looks like a hang-up.
func (a *shmAcceptor) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	c, err := a.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	go c.WatchPeer(ctx, peerPollInterval)
	return c, nil
}

func (a *shmAcceptor) Close() error { return a.ln.Close() }
