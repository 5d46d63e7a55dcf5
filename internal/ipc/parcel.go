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

package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ohaudio/audiostream/internal/audioerr"
)

// ErrShortParcel is returned when a read runs past the end of a parcel.
var ErrShortParcel = errors.New("ipc: parcel too short")

// Parcel is an append-only little-endian encoder for call arguments and
// replies. Fields are read back in the order they were written.
type Parcel struct {
	buf []byte
}

// NewParcel returns an empty parcel.
func NewParcel() *Parcel { return &Parcel{} }

// Bytes returns the encoded parcel.
func (p *Parcel) Bytes() []byte { return p.buf }

func (p *Parcel) WriteUint32(v uint32) { p.buf = binary.LittleEndian.AppendUint32(p.buf, v) }
func (p *Parcel) WriteInt32(v int32)   { p.WriteUint32(uint32(v)) }
func (p *Parcel) WriteUint64(v uint64) { p.buf = binary.LittleEndian.AppendUint64(p.buf, v) }
func (p *Parcel) WriteInt64(v int64)   { p.WriteUint64(uint64(v)) }
func (p *Parcel) WriteFloat(v float32) { p.WriteUint32(math.Float32bits(v)) }

func (p *Parcel) WriteBool(v bool) {
	var b uint32
	if v {
		b = 1
	}
	p.WriteUint32(b)
}

// WriteString writes a length-prefixed string.
func (p *Parcel) WriteString(s string) {
	p.WriteUint32(uint32(len(s)))
	p.buf = append(p.buf, s...)
}

// WriteInterfaceToken writes the descriptor the receiving stub checks
// before decoding anything else.
func (p *Parcel) WriteInterfaceToken(token string) { p.WriteString(token) }

// Reader decodes a parcel. The first failed read sticks; later reads return
// zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps an encoded parcel.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrShortParcel
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) ReadUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadInt32() int32   { return int32(r.ReadUint32()) }
func (r *Reader) ReadInt64() int64   { return int64(r.ReadUint64()) }
func (r *Reader) ReadFloat() float32 { return math.Float32frombits(r.ReadUint32()) }
func (r *Reader) ReadBool() bool     { return r.ReadUint32() != 0 }

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() string {
	n := r.ReadUint32()
	if n > uint32(len(r.buf)) {
		if r.err == nil {
			r.err = ErrShortParcel
		}
		return ""
	}
	return string(r.next(int(n)))
}

// CheckInterfaceToken reads the leading token and compares it to want.
func (r *Reader) CheckInterfaceToken(want string) error {
	got := r.ReadString()
	if r.err != nil {
		return fmt.Errorf("read interface token: %w: %w", audioerr.ErrInvalidParam, r.err)
	}
	if got != want {
		return fmt.Errorf("interface token %q, want %q: %w", got, want, audioerr.ErrInvalidParam)
	}
	return nil
}
