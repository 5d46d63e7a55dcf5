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

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ohaudio/audiostream/internal/audioerr"
)

// SpanStatus is the handoff state of one span.
type SpanStatus uint32

const (
	// SpanReadDone marks an empty span ready for the producer.
	SpanReadDone SpanStatus = iota
	// SpanWriting marks a span the producer is filling.
	SpanWriting
	// SpanWriteDone marks a full span ready for the consumer.
	SpanWriteDone
	// SpanReading marks a span the consumer is draining.
	SpanReading
)

func (s SpanStatus) String() string {
	switch s {
	case SpanReadDone:
		return "READ_DONE"
	case SpanWriting:
		return "WRITING"
	case SpanWriteDone:
		return "WRITE_DONE"
	case SpanReading:
		return "READING"
	default:
		return fmt.Sprintf("SpanStatus(%d)", uint32(s))
	}
}

// UnityVolume is the fixed-point gain of 1.0 used for span volume ramps.
const UnityVolume = 1 << 16

// SpanInfoSize is the size of one span table entry in the shared region.
const SpanInfoSize = 64

// SpanInfo is one span table entry. It lives in the shared region, so every
// field is accessed atomically.
type SpanInfo struct {
	status         uint32  // 0x00: SpanStatus
	isMute         uint32  // 0x04: 0 or 1
	offsetInFrame  uint64  // 0x08: absolute frame of the last write into the span
	readStartTime  int64   // 0x10: unix nanos
	readDoneTime   int64   // 0x18
	writeStartTime int64   // 0x20
	writeDoneTime  int64   // 0x28
	volumeStart    int32   // 0x30: fixed point, UnityVolume == 1.0
	volumeEnd      int32   // 0x34
	reserved       [8]byte // 0x38-0x3F
}

// Status returns the current span status.
func (s *SpanInfo) Status() SpanStatus {
	return SpanStatus(atomic.LoadUint32(&s.status))
}

// OffsetInFrame returns the absolute frame position recorded by the last
// completed write.
func (s *SpanInfo) OffsetInFrame() uint64 { return atomic.LoadUint64(&s.offsetInFrame) }

// SetOffsetInFrame records the absolute frame position of the span's data.
func (s *SpanInfo) SetOffsetInFrame(frame uint64) { atomic.StoreUint64(&s.offsetInFrame, frame) }

// IsMute reports whether the span should be rendered silent.
func (s *SpanInfo) IsMute() bool { return atomic.LoadUint32(&s.isMute) != 0 }

// SetMute sets the mute flag.
func (s *SpanInfo) SetMute(mute bool) {
	var v uint32
	if mute {
		v = 1
	}
	atomic.StoreUint32(&s.isMute, v)
}

// Volume returns the fixed-point gain ramp across the span.
func (s *SpanInfo) Volume() (start, end int32) {
	return atomic.LoadInt32(&s.volumeStart), atomic.LoadInt32(&s.volumeEnd)
}

// SetVolume sets the gain ramp. Negative gains are rejected.
func (s *SpanInfo) SetVolume(start, end int32) error {
	if start < 0 || end < 0 {
		return fmt.Errorf("span volume %d..%d: %w", start, end, audioerr.ErrInvalidParam)
	}
	atomic.StoreInt32(&s.volumeStart, start)
	atomic.StoreInt32(&s.volumeEnd, end)
	return nil
}

// Times returns the recorded write and read timestamps.
func (s *SpanInfo) Times() (writeStart, writeDone, readStart, readDone time.Time) {
	conv := func(p *int64) time.Time {
		if v := atomic.LoadInt64(p); v != 0 {
			return time.Unix(0, v)
		}
		return time.Time{}
	}
	return conv(&s.writeStartTime), conv(&s.writeDoneTime), conv(&s.readStartTime), conv(&s.readDoneTime)
}

// BeginWrite moves the span from READ_DONE to WRITING.
func (s *SpanInfo) BeginWrite() error {
	return s.transition(SpanReadDone, SpanWriting, &s.writeStartTime)
}

// EndWrite moves the span from WRITING to WRITE_DONE.
func (s *SpanInfo) EndWrite() error {
	return s.transition(SpanWriting, SpanWriteDone, &s.writeDoneTime)
}

// BeginRead moves the span from WRITE_DONE to READING.
func (s *SpanInfo) BeginRead() error {
	return s.transition(SpanWriteDone, SpanReading, &s.readStartTime)
}

// EndRead moves the span from READING back to READ_DONE.
func (s *SpanInfo) EndRead() error {
	return s.transition(SpanReading, SpanReadDone, &s.readDoneTime)
}

func (s *SpanInfo) transition(from, to SpanStatus, stamp *int64) error {
	if !atomic.CompareAndSwapUint32(&s.status, uint32(from), uint32(to)) {
		return fmt.Errorf("span %s -> %s from %s: %w", from, to, s.Status(), audioerr.ErrIllegalState)
	}
	atomic.StoreInt64(stamp, time.Now().UnixNano())
	return nil
}

// reset returns the entry to the empty state with unity volume.
func (s *SpanInfo) reset() {
	atomic.StoreUint32(&s.status, uint32(SpanReadDone))
	atomic.StoreUint64(&s.offsetInFrame, 0)
	atomic.StoreInt64(&s.readStartTime, 0)
	atomic.StoreInt64(&s.readDoneTime, 0)
	atomic.StoreInt64(&s.writeStartTime, 0)
	atomic.StoreInt64(&s.writeDoneTime, 0)
	atomic.StoreInt32(&s.volumeStart, UnityVolume)
	atomic.StoreInt32(&s.volumeEnd, UnityVolume)
	atomic.StoreUint32(&s.isMute, 0)
}
