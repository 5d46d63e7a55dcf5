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

package audiobuffer

import "fmt"

// StreamStatus is the lifecycle state of the stream that owns a buffer. The
// endpoint publishes it in the buffer header so the remote side can observe
// it without a round trip.
type StreamStatus uint32

const (
	StreamIdle StreamStatus = iota
	StreamStarting
	StreamStarted
	StreamPausing
	StreamPaused
	StreamStopping
	StreamStopped
	StreamFlushingWhenStarted
	StreamFlushingWhenPaused
	StreamReleased
	StreamInvalid
)

var streamStatusNames = [...]string{
	StreamIdle:                "IDLE",
	StreamStarting:            "STARTING",
	StreamStarted:             "STARTED",
	StreamPausing:             "PAUSING",
	StreamPaused:              "PAUSED",
	StreamStopping:            "STOPPING",
	StreamStopped:             "STOPPED",
	StreamFlushingWhenStarted: "FLUSHING_WHEN_STARTED",
	StreamFlushingWhenPaused:  "FLUSHING_WHEN_PAUSED",
	StreamReleased:            "RELEASED",
	StreamInvalid:             "INVALID",
}

func (s StreamStatus) String() string {
	if int(s) < len(streamStatusNames) {
		return streamStatusNames[s]
	}
	return fmt.Sprintf("StreamStatus(%d)", uint32(s))
}

// Holder tags which side created a buffer and how its memory is backed.
type Holder uint32

const (
	// HolderServerOnly is a process-local buffer on the server heap.
	HolderServerOnly Holder = iota + 1
	// HolderServerShared is a server-created buffer in a shared region.
	HolderServerShared
	// HolderClient is the client mapping of a server-shared buffer.
	HolderClient
)

func (h Holder) String() string {
	switch h {
	case HolderServerOnly:
		return "server-only"
	case HolderServerShared:
		return "server-shared"
	case HolderClient:
		return "client"
	default:
		return fmt.Sprintf("Holder(%d)", uint32(h))
	}
}
