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
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("parcel-bytes")
	fh := FrameHeader{Seq: 42, Code: 7, Type: FrameTypeREQUEST, Flags: 1}
	if err := WriteFrame(&buf, fh, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buf.Len(); got != FrameHeaderSize+len(payload) {
		t.Fatalf("encoded length = %d, want %d", got, FrameHeaderSize+len(payload))
	}

	got, gotPayload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Seq != 42 || got.Code != 7 || got.Type != FrameTypeREQUEST || got.Flags != 1 {
		t.Fatalf("unexpected header: %+v", got)
	}
	if got.Length != uint32(len(payload)) {
		t.Fatalf("Length = %d, want %d", got.Length, len(payload))
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestReadFrameSkipsPad(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameHeader{Type: FrameTypePAD}, make([]byte, 12)); err != nil {
		t.Fatalf("WriteFrame PAD: %v", err)
	}
	if err := WriteFrame(&buf, FrameHeader{Type: FrameTypeEVENT, Code: 3}, nil); err != nil {
		t.Fatalf("WriteFrame EVENT: %v", err)
	}

	fh, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if fh.Type != FrameTypeEVENT || fh.Code != 3 || len(payload) != 0 {
		t.Fatalf("unexpected frame: %+v payload=%d", fh, len(payload))
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameHeader{Type: FrameTypeREPLY}, []byte("abcdef")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:FrameHeaderSize+2])
	if _, _, err := ReadFrame(truncated); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadFrame error = %v, want io.ErrUnexpectedEOF", err)
	}

	if _, _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadFrame on empty input = %v, want io.EOF", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	if err := WriteFrame(io.Discard, FrameHeader{}, make([]byte, MaxFramePayload+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrame error = %v, want ErrFrameTooLarge", err)
	}

	var hdr [FrameHeaderSize]byte
	encodeFrameHeaderTo(hdr[:], FrameHeader{Length: MaxFramePayload + 1, Type: FrameTypeREQUEST})
	if _, _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameTypeString(t *testing.T) {
	if got := FrameTypeGOAWAY.String(); got != "GOAWAY" {
		t.Errorf("String = %q", got)
	}
	if got := FrameType(99).String(); got != "FrameType(99)" {
		t.Errorf("String = %q", got)
	}
}
