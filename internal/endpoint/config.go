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

	"github.com/ohaudio/audiostream/internal/audioerr"
)

// SampleFormat is the PCM sample encoding of a stream.
type SampleFormat int32

const (
	FormatU8 SampleFormat = iota
	FormatS16LE
	FormatS24LE
	FormatS32LE
	FormatF32LE
)

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16LE:
		return "s16le"
	case FormatS24LE:
		return "s24le"
	case FormatS32LE:
		return "s32le"
	case FormatF32LE:
		return "f32le"
	default:
		return fmt.Sprintf("format(%d)", int32(f))
	}
}

// ParseSampleFormat maps a format name as printed by String back to its
// value.
func ParseSampleFormat(s string) (SampleFormat, error) {
	for f := FormatU8; f <= FormatF32LE; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("sample format %q: %w", s, audioerr.ErrInvalidParam)
}

// BytesPerSample returns the width of one sample. Unknown formats count as
// two bytes.
func BytesPerSample(f SampleFormat) uint32 {
	switch f {
	case FormatU8:
		return 1
	case FormatS16LE:
		return 2
	case FormatS24LE:
		return 3
	case FormatS32LE, FormatF32LE:
		return 4
	default:
		return 2
	}
}

// Encoding is the stream encoding. Only PCM is carried by the ring.
type Encoding int32

const EncodingPCM Encoding = 0

// AudioMode tells whether the stream renders or captures.
type AudioMode int32

const (
	ModePlayback AudioMode = iota
	ModeRecord
)

func (m AudioMode) String() string {
	if m == ModeRecord {
		return "record"
	}
	return "playback"
}

// StreamInfo describes the PCM layout of a stream.
type StreamInfo struct {
	SampleRate uint32
	Channels   uint32
	Format     SampleFormat
	Encoding   Encoding
}

// AppInfo identifies the client application that owns a stream.
type AppInfo struct {
	UID     int32
	PID     int32
	TokenID uint32
}

// ProcessConfig is supplied by the client when a stream is created. It sizes
// the buffer and tags the stream; no policy is derived from it here.
type ProcessConfig struct {
	App         AppInfo
	Stream      StreamInfo
	Mode        AudioMode
	Usage       int32
	ContentType int32
}

// BytesPerFrame returns channels * bytes per sample.
func (c ProcessConfig) BytesPerFrame() uint32 {
	return c.Stream.Channels * BytesPerSample(c.Stream.Format)
}

// Validate performs the arithmetic checks needed to size a buffer.
func (c ProcessConfig) Validate() error {
	if c.Stream.SampleRate == 0 {
		return fmt.Errorf("sample rate 0: %w", audioerr.ErrInvalidParam)
	}
	if c.Stream.Channels == 0 {
		return fmt.Errorf("channel count 0: %w", audioerr.ErrInvalidParam)
	}
	if c.Stream.Encoding != EncodingPCM {
		return fmt.Errorf("encoding %d: %w", c.Stream.Encoding, audioerr.ErrUnsupported)
	}
	if c.Mode != ModePlayback && c.Mode != ModeRecord {
		return fmt.Errorf("audio mode %d: %w", c.Mode, audioerr.ErrInvalidParam)
	}
	return nil
}
