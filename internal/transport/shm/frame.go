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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Control frame header layout (16 bytes, little-endian):
//
//	uint32 length   // payload length in bytes (excludes the header)
//	uint32 seq      // request sequence number; replies echo it, events use 0
//	uint16 code     // message code (request/reply) or event kind
//	uint8  type     // FrameType
//	uint8  flags    // per-type flags
//	uint32 reserved // zero
const FrameHeaderSize = 16

// MaxFramePayload bounds a single control frame.
const MaxFramePayload = 1 << 20

// FrameType identifies the kind of control frame.
type FrameType uint8

const (
	FrameTypePAD     FrameType = 0x00
	FrameTypeREQUEST FrameType = 0x01
	FrameTypeREPLY   FrameType = 0x02
	FrameTypeEVENT   FrameType = 0x03
	FrameTypeGOAWAY  FrameType = 0x04
	FrameTypePING    FrameType = 0x05
	FrameTypePONG    FrameType = 0x06
)

func (t FrameType) String() string {
	switch t {
	case FrameTypePAD:
		return "PAD"
	case FrameTypeREQUEST:
		return "REQUEST"
	case FrameTypeREPLY:
		return "REPLY"
	case FrameTypeEVENT:
		return "EVENT"
	case FrameTypeGOAWAY:
		return "GOAWAY"
	case FrameTypePING:
		return "PING"
	case FrameTypePONG:
		return "PONG"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// FrameHeader represents the on-wire 16B header.
type FrameHeader struct {
	Length   uint32
	Seq      uint32
	Code     uint16
	Type     FrameType
	Flags    uint8
	Reserved uint32
}

// ErrFrameTooLarge is returned for frames above MaxFramePayload.
var ErrFrameTooLarge = errors.New("frame payload too large")

func encodeFrameHeaderTo(b []byte, fh FrameHeader) {
	binary.LittleEndian.PutUint32(b[0:4], fh.Length)
	binary.LittleEndian.PutUint32(b[4:8], fh.Seq)
	binary.LittleEndian.PutUint16(b[8:10], fh.Code)
	b[10] = byte(fh.Type)
	b[11] = fh.Flags
	binary.LittleEndian.PutUint32(b[12:16], fh.Reserved)
}

func decodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, errors.New("frame header too short")
	}
	return FrameHeader{
		Length:   binary.LittleEndian.Uint32(b[0:4]),
		Seq:      binary.LittleEndian.Uint32(b[4:8]),
		Code:     binary.LittleEndian.Uint16(b[8:10]),
		Type:     FrameType(b[10]),
		Flags:    b[11],
		Reserved: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// WriteFrame writes one frame (header + payload) with a single Write call so
// that a frame never interleaves with another writer's frame. Callers that
// share w across goroutines still serialize calls.
func WriteFrame(w io.Writer, fh FrameHeader, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	fh.Length = uint32(len(payload))
	fh.Reserved = 0

	buf := make([]byte, FrameHeaderSize+len(payload))
	encodeFrameHeaderTo(buf, fh)
	copy(buf[FrameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one non-PAD frame, skipping any PAD frames.
func ReadFrame(r io.Reader) (FrameHeader, []byte, error) {
	var hb [FrameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, hb[:]); err != nil {
			return FrameHeader{}, nil, err
		}
		fh, err := decodeFrameHeader(hb[:])
		if err != nil {
			return FrameHeader{}, nil, err
		}
		if fh.Length > MaxFramePayload {
			return FrameHeader{}, nil, ErrFrameTooLarge
		}

		var payload []byte
		if fh.Length > 0 {
			payload = make([]byte, fh.Length)
			if _, err := io.ReadFull(r, payload); err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return FrameHeader{}, nil, err
			}
		}
		if fh.Type == FrameTypePAD {
			continue
		}
		return fh, payload, nil
	}
}
