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
	"context"
	"time"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
)

// Driver is the device side of a stream. Every call runs under the
// endpoint's status lock; a returned error is fatal for that operation and
// moves the endpoint to INVALID.
type Driver interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Flush(ctx context.Context) error
	Drain(ctx context.Context) error
	// Release frees the device. The endpoint calls it at most once.
	Release() error
	// Position returns the frames the device has handled and when.
	Position() (frames uint64, at time.Time, err error)
	// Latency returns the device latency in frames.
	Latency() (uint64, error)
}

// DriverFactory opens the device for a configured stream.
type DriverFactory func(cfg ProcessConfig, buf *audiobuffer.Buffer) (Driver, error)

// ReleaseCallback is told when an endpoint has been released so it can drop
// the endpoint from its registry.
type ReleaseCallback interface {
	OnEndpointRelease(e *Endpoint) error
}
