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

package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

// bitDepth returns the WAV bit depth of an integer sample format.
func bitDepth(f endpoint.SampleFormat) (int, error) {
	switch f {
	case endpoint.FormatU8:
		return 8, nil
	case endpoint.FormatS16LE:
		return 16, nil
	case endpoint.FormatS24LE:
		return 24, nil
	case endpoint.FormatS32LE:
		return 32, nil
	default:
		return 0, fmt.Errorf("sample format %s: %w", f, audioerr.ErrUnsupported)
	}
}

// decodeSamples appends the samples of little-endian PCM p to dst. U8 stays
// unsigned, as WAV stores it.
func decodeSamples(f endpoint.SampleFormat, p []byte, dst []int) []int {
	switch f {
	case endpoint.FormatU8:
		for _, b := range p {
			dst = append(dst, int(b))
		}
	case endpoint.FormatS16LE:
		for i := 0; i+2 <= len(p); i += 2 {
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(p[i:]))))
		}
	case endpoint.FormatS24LE:
		for i := 0; i+3 <= len(p); i += 3 {
			v := int32(p[i]) | int32(p[i+1])<<8 | int32(p[i+2])<<16
			dst = append(dst, int(v<<8>>8))
		}
	case endpoint.FormatS32LE:
		for i := 0; i+4 <= len(p); i += 4 {
			dst = append(dst, int(int32(binary.LittleEndian.Uint32(p[i:]))))
		}
	}
	return dst
}

// encodeSample writes one sample at p. For F32LE v is scaled by fullScale.
func encodeSample(f endpoint.SampleFormat, p []byte, v int, fullScale int) {
	switch f {
	case endpoint.FormatU8:
		p[0] = byte(v)
	case endpoint.FormatS16LE:
		binary.LittleEndian.PutUint16(p, uint16(int16(v)))
	case endpoint.FormatS24LE:
		p[0], p[1], p[2] = byte(v), byte(v>>8), byte(v>>16)
	case endpoint.FormatS32LE:
		binary.LittleEndian.PutUint32(p, uint32(int32(v)))
	case endpoint.FormatF32LE:
		binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)/float32(fullScale)))
	}
}
