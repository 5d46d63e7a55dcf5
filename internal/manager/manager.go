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

// Package manager owns the live stream endpoints of one server process. It
// is constructed explicitly by the process wiring and handed to the
// components that need it.
package manager

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

// firstSessionID is the first id handed out. Ids below it are reserved.
const firstSessionID = 100000

// Options configures the endpoints a Manager creates.
type Options struct {
	// SharedDir places buffers in shared regions under this directory. An
	// empty value with Shared set selects the platform default.
	SharedDir string
	Shared    bool
	// Driver opens a device for every configured stream. Nil means streams
	// run without a device.
	Driver endpoint.DriverFactory
	// MaxStreams bounds the live endpoints. Zero means no limit.
	MaxStreams int
}

// Manager is the registry of live endpoints.
type Manager struct {
	opts   Options
	base   zerolog.Logger
	logger zerolog.Logger

	nextID atomic.Uint32

	mu        sync.RWMutex
	endpoints map[uint32]*endpoint.Endpoint
}

// New creates an empty manager.
func New(opts Options, logger zerolog.Logger) *Manager {
	m := &Manager{
		opts:      opts,
		base:      logger,
		logger:    logger.With().Str("component", "manager").Logger(),
		endpoints: make(map[uint32]*endpoint.Endpoint),
	}
	m.nextID.Store(firstSessionID)
	return m
}

// CreateEndpoint validates cfg and registers a new endpoint in IDLE.
func (m *Manager) CreateEndpoint(cfg endpoint.ProcessConfig) (*endpoint.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxStreams > 0 && len(m.endpoints) >= m.opts.MaxStreams {
		return nil, fmt.Errorf("stream limit %d reached: %w", m.opts.MaxStreams, audioerr.ErrOperationFailed)
	}

	id := m.nextID.Add(1) - 1
	opts := []endpoint.Option{
		endpoint.WithLogger(m.base),
		endpoint.WithReleaseCallback(m),
	}
	if m.opts.Shared {
		opts = append(opts, endpoint.WithSharedBuffer(m.opts.SharedDir))
	}
	if m.opts.Driver != nil {
		opts = append(opts, endpoint.WithDriverFactory(m.opts.Driver))
	}

	e, err := endpoint.New(id, cfg, opts...)
	if err != nil {
		m.logger.Warn().Err(err).Msg("rejected stream config")
		return nil, err
	}
	m.endpoints[id] = e
	m.logger.Info().
		Uint32("session", id).
		Int32("uid", cfg.App.UID).
		Int32("pid", cfg.App.PID).
		Stringer("mode", cfg.Mode).
		Msg("endpoint created")
	return e, nil
}

// Get returns the endpoint with the given session id.
func (m *Manager) Get(sessionID uint32) (*endpoint.Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[sessionID]
	return e, ok
}

// Len returns the number of live endpoints.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.endpoints)
}

// Sessions returns the live session ids in ascending order.
func (m *Manager) Sessions() []uint32 {
	m.mu.RLock()
	ids := make([]uint32, 0, len(m.endpoints))
	for id := range m.endpoints {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// OnEndpointRelease drops a released endpoint from the registry.
func (m *Manager) OnEndpointRelease(e *endpoint.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[e.SessionID()]; !ok {
		return fmt.Errorf("session %d not registered: %w", e.SessionID(), audioerr.ErrInvalidParam)
	}
	delete(m.endpoints, e.SessionID())
	m.logger.Info().Uint32("session", e.SessionID()).Int("live", len(m.endpoints)).Msg("endpoint removed")
	return nil
}

// ReleaseAll releases every live endpoint, for process shutdown.
func (m *Manager) ReleaseAll() {
	for _, id := range m.Sessions() {
		if e, ok := m.Get(id); ok {
			if err := e.Release(); err != nil {
				m.logger.Warn().Err(err).Uint32("session", id).Msg("release on shutdown")
			}
		}
	}
}

// Dump writes every endpoint's summary.
func (m *Manager) Dump(w io.Writer) error {
	ids := m.Sessions()
	if _, err := fmt.Fprintf(w, "Streams: %d\n", len(ids)); err != nil {
		return err
	}
	for _, id := range ids {
		e, ok := m.Get(id)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return err
		}
		if err := e.Dump(w); err != nil {
			return err
		}
	}
	return nil
}
