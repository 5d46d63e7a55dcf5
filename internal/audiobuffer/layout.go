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
	"unsafe"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/transport/shm"
)

// Buffer layout constants
const (
	// Magic bytes for audio buffer identification
	BufferMagic = "OHAUDBUF"

	// Current buffer layout version
	BufferVersion = uint32(1)

	// Buffer header size (aligned to 128 bytes)
	HeaderSize = 128

	// MaxDataSize bounds the data region of one buffer (64 MiB).
	MaxDataSize = 64 << 20
)

// header is the buffer header at offset 0 of the region. Span table entries
// follow it, then the 64B-aligned data region.
type header struct {
	magic         [8]byte  // 0x00: "OHAUDBUF"
	version       uint32   // 0x08: layout version
	holder        uint32   // 0x0C: Holder of the creator
	totalFrames   uint32   // 0x10: capacity in frames
	spanFrames    uint32   // 0x14: frames per span
	bytesPerFrame uint32   // 0x18: channels * bytes per sample
	spanCount     uint32   // 0x1C: totalFrames / spanFrames
	curWriteFrame uint64   // 0x20: monotonic producer cursor
	curReadFrame  uint64   // 0x28: monotonic consumer cursor
	handlePos     uint64   // 0x30: last handled position in frames
	handleTime    int64    // 0x38: unix nanos of handlePos
	streamStatus  uint32   // 0x40: StreamStatus
	refCount      uint32   // 0x44: references held by the creator's process
	dataSeq       uint32   // 0x48: bumped when the write cursor advances
	spaceSeq      uint32   // 0x4C: bumped when the read cursor advances
	dataOff       uint64   // 0x50: offset of the data region
	totalSize     uint64   // 0x58: total region size
	handleSeq     uint32   // 0x60: even when handle info is stable
	pad           uint32   // 0x64
	reserved      [24]byte // 0x68-0x7F
}

// Layout describes where the span table and data live inside a buffer
// region.
type Layout struct {
	SpanCount uint32
	SpanOff   uint64
	DataOff   uint64
	DataSize  uint64
	TotalSize uint64
}

// CalculateLayout validates buffer geometry and computes its layout.
func CalculateLayout(totalFrames, spanFrames, bytesPerFrame uint32) (Layout, error) {
	if totalFrames == 0 || spanFrames == 0 || bytesPerFrame == 0 {
		return Layout{}, fmt.Errorf("geometry total=%d span=%d bytesPerFrame=%d: %w",
			totalFrames, spanFrames, bytesPerFrame, audioerr.ErrInvalidParam)
	}
	if totalFrames%spanFrames != 0 {
		return Layout{}, fmt.Errorf("total frames %d not a multiple of span frames %d: %w",
			totalFrames, spanFrames, audioerr.ErrInvalidParam)
	}
	dataSize := uint64(totalFrames) * uint64(bytesPerFrame)
	if dataSize > MaxDataSize {
		return Layout{}, fmt.Errorf("data size %d exceeds %d: %w", dataSize, MaxDataSize, audioerr.ErrInvalidParam)
	}

	l := Layout{
		SpanCount: totalFrames / spanFrames,
		SpanOff:   HeaderSize,
		DataSize:  dataSize,
	}
	l.DataOff = shm.AlignTo64(l.SpanOff + uint64(l.SpanCount)*SpanInfoSize)
	l.TotalSize = shm.AlignTo64(l.DataOff + l.DataSize)
	return l, nil
}

func (h *header) init(holder Holder, totalFrames, spanFrames, bytesPerFrame uint32, l Layout) {
	copy(h.magic[:], BufferMagic)
	atomic.StoreUint32(&h.version, BufferVersion)
	atomic.StoreUint32(&h.holder, uint32(holder))
	atomic.StoreUint32(&h.totalFrames, totalFrames)
	atomic.StoreUint32(&h.spanFrames, spanFrames)
	atomic.StoreUint32(&h.bytesPerFrame, bytesPerFrame)
	atomic.StoreUint32(&h.spanCount, l.SpanCount)
	atomic.StoreUint64(&h.dataOff, l.DataOff)
	atomic.StoreUint64(&h.totalSize, l.TotalSize)
	atomic.StoreUint32(&h.streamStatus, uint32(StreamIdle))
}

// validate checks a mapped header against the geometry the opener expects.
func (h *header) validate(d Descriptor, mapped uint64) (Layout, error) {
	if string(h.magic[:]) != BufferMagic {
		return Layout{}, fmt.Errorf("buffer magic mismatch: %w", audioerr.ErrInvalidParam)
	}
	if v := atomic.LoadUint32(&h.version); v != BufferVersion {
		return Layout{}, fmt.Errorf("buffer version %d, expected %d: %w", v, BufferVersion, audioerr.ErrInvalidParam)
	}
	total := atomic.LoadUint32(&h.totalFrames)
	span := atomic.LoadUint32(&h.spanFrames)
	bpf := atomic.LoadUint32(&h.bytesPerFrame)
	if total != d.TotalFrames || span != d.SpanSizeInFrames || bpf != d.BytesPerFrame {
		return Layout{}, fmt.Errorf("buffer geometry %d/%d/%d does not match descriptor %d/%d/%d: %w",
			total, span, bpf, d.TotalFrames, d.SpanSizeInFrames, d.BytesPerFrame, audioerr.ErrInvalidParam)
	}
	l, err := CalculateLayout(total, span, bpf)
	if err != nil {
		return Layout{}, err
	}
	if atomic.LoadUint64(&h.dataOff) != l.DataOff || atomic.LoadUint64(&h.totalSize) != l.TotalSize || l.TotalSize > mapped {
		return Layout{}, fmt.Errorf("buffer layout mismatch (mapped %d bytes): %w", mapped, audioerr.ErrInvalidParam)
	}
	return l, nil
}

func headerAt(mem []byte) *header {
	return (*header)(unsafe.Pointer(&mem[0]))
}

func spansAt(mem []byte, l Layout) []SpanInfo {
	return unsafe.Slice((*SpanInfo)(unsafe.Pointer(&mem[l.SpanOff])), l.SpanCount)
}
