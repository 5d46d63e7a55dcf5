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

// Package shm provides the shared memory primitives used to move audio and
// control traffic between the audio server and its clients.
//
// A Region is a file-backed mapping (under /dev/shm when available) that one
// side creates and the other opens by path. On top of regions the package
// builds a control Segment holding two single-producer single-consumer byte
// rings (client->server requests, server->client replies and events), a
// futex-based wait/wake pair for cross-process signaling, and a small frame
// codec for the control protocol.
//
// Audio data itself does not travel over the control rings; it lives in a
// separate span-indexed region owned by package audiobuffer, which reuses
// Region and the futex helpers from here.
package shm
