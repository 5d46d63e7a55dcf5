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
	"slices"

	"github.com/ohaudio/audiostream/internal/audioerr"
)

// Listener observes endpoint transitions. Callbacks run synchronously while
// the endpoint holds its status lock, so they must not call state
// operations on the same endpoint.
type Listener interface {
	OnStart(e *Endpoint)
	OnPause(e *Endpoint)
	OnStop(e *Endpoint)
	OnRelease(e *Endpoint)
	OnUpdateHandleInfo(e *Endpoint)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Start            func(e *Endpoint)
	Pause            func(e *Endpoint)
	Stop             func(e *Endpoint)
	Release          func(e *Endpoint)
	UpdateHandleInfo func(e *Endpoint)
}

func (f ListenerFuncs) OnStart(e *Endpoint) {
	if f.Start != nil {
		f.Start(e)
	}
}

func (f ListenerFuncs) OnPause(e *Endpoint) {
	if f.Pause != nil {
		f.Pause(e)
	}
}

func (f ListenerFuncs) OnStop(e *Endpoint) {
	if f.Stop != nil {
		f.Stop(e)
	}
}

func (f ListenerFuncs) OnRelease(e *Endpoint) {
	if f.Release != nil {
		f.Release(e)
	}
}

func (f ListenerFuncs) OnUpdateHandleInfo(e *Endpoint) {
	if f.UpdateHandleInfo != nil {
		f.UpdateHandleInfo(e)
	}
}

// ListenerHandle identifies a subscription returned by AddListener.
type ListenerHandle uint64

type subscription struct {
	handle ListenerHandle
	l      Listener
}

// AddListener subscribes l and returns the handle that revokes it.
func (e *Endpoint) AddListener(l Listener) (ListenerHandle, error) {
	if l == nil {
		return 0, fmt.Errorf("add listener: %w", audioerr.ErrNullObject)
	}
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.nextHandle++
	h := e.nextHandle
	e.listeners = append(e.listeners, subscription{handle: h, l: l})
	return h, nil
}

// RemoveListener revokes a subscription.
func (e *Endpoint) RemoveListener(h ListenerHandle) error {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	i := slices.IndexFunc(e.listeners, func(s subscription) bool { return s.handle == h })
	if i < 0 {
		return fmt.Errorf("remove listener %d: %w", h, audioerr.ErrInvalidParam)
	}
	e.listeners = slices.Delete(e.listeners, i, i+1)
	return nil
}

// ListenerCount returns the number of active subscriptions.
func (e *Endpoint) ListenerCount() int {
	e.listenerMu.RLock()
	defer e.listenerMu.RUnlock()
	return len(e.listeners)
}

// notify calls fn for a snapshot of the listeners in subscription order.
func (e *Endpoint) notify(fn func(Listener)) {
	e.listenerMu.RLock()
	subs := slices.Clone(e.listeners)
	e.listenerMu.RUnlock()
	for _, s := range subs {
		fn(s.l)
	}
}
