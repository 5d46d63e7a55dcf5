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

// Package audiobuffer implements the span-indexed audio ring shared between
// the audio server and a client.
//
// A Buffer holds totalFrames frames split into fixed spans. The producer
// owns the write cursor and the consumer owns the read cursor; both cursors
// are monotonic 64-bit frame counters and the position inside the data
// region is computed modulo the capacity. A per-span table records the
// handoff status, timestamps, mute flag and volume ramp of every span.
//
// The data path takes no locks. Cursor stores publish with atomic
// (sequentially consistent) stores after the data copy, so a consumer that
// observes a new write cursor also observes the frames behind it, including
// across processes sharing the region.
package audiobuffer

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/transport/shm"
)

// Descriptor is everything the remote side needs to map a shared buffer.
type Descriptor struct {
	Path             string
	TotalFrames      uint32
	SpanSizeInFrames uint32
	BytesPerFrame    uint32
}

// Buffer is a SharedRingBuffer instance. The holder is fixed at creation.
type Buffer struct {
	holder Holder
	region *shm.Region // nil for HolderServerOnly
	mem    []byte

	hdr    *header
	spans  []SpanInfo
	data   []byte
	layout Layout

	totalFrames   uint32
	spanFrames    uint32
	bytesPerFrame uint32

	mu       sync.Mutex
	refs     int
	released bool
}

// Create allocates a process-local buffer.
func Create(totalFrames, spanFrames, bytesPerFrame uint32) (*Buffer, error) {
	l, err := CalculateLayout(totalFrames, spanFrames, bytesPerFrame)
	if err != nil {
		return nil, err
	}
	// Back the bytes with uint64 words so header atomics are aligned.
	words := make([]uint64, l.TotalSize/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), l.TotalSize)

	b := newBuffer(HolderServerOnly, nil, mem, l, totalFrames, spanFrames, bytesPerFrame)
	b.hdr.init(HolderServerOnly, totalFrames, spanFrames, bytesPerFrame, l)
	b.initSpans()
	atomic.StoreUint32(&b.hdr.refCount, 1)
	return b, nil
}

// CreateShared allocates a buffer in a new shared region under dir. An empty
// dir selects shm.DefaultDir.
func CreateShared(dir string, totalFrames, spanFrames, bytesPerFrame uint32) (*Buffer, error) {
	l, err := CalculateLayout(totalFrames, spanFrames, bytesPerFrame)
	if err != nil {
		return nil, err
	}
	region, err := shm.CreateRegion(dir, "buf_"+uuid.NewString(), l.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("create shared buffer: %v: %w", err, audioerr.ErrOperationFailed)
	}

	b := newBuffer(HolderServerShared, region, region.Mem, l, totalFrames, spanFrames, bytesPerFrame)
	b.hdr.init(HolderServerShared, totalFrames, spanFrames, bytesPerFrame, l)
	b.initSpans()
	atomic.StoreUint32(&b.hdr.refCount, 1)
	return b, nil
}

// Open maps a server-shared buffer from its descriptor.
func Open(d Descriptor) (*Buffer, error) {
	if d.Path == "" {
		return nil, fmt.Errorf("open buffer: empty path: %w", audioerr.ErrNullObject)
	}
	region, err := shm.OpenRegion(d.Path, HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("open buffer: %v: %w", err, audioerr.ErrOperationFailed)
	}
	l, err := headerAt(region.Mem).validate(d, uint64(len(region.Mem)))
	if err != nil {
		region.Close()
		return nil, err
	}
	return newBuffer(HolderClient, region, region.Mem, l, d.TotalFrames, d.SpanSizeInFrames, d.BytesPerFrame), nil
}

// ReadDescriptor recovers the descriptor of the shared buffer at path from
// its header, for tools that only know the file.
func ReadDescriptor(path string) (Descriptor, error) {
	region, err := shm.OpenRegion(path, HeaderSize)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %v: %w", err, audioerr.ErrOperationFailed)
	}
	defer region.Close()
	h := headerAt(region.Mem)
	if string(h.magic[:]) != BufferMagic {
		return Descriptor{}, fmt.Errorf("read descriptor %s: not an audio buffer: %w", path, audioerr.ErrInvalidParam)
	}
	return Descriptor{
		Path:             path,
		TotalFrames:      atomic.LoadUint32(&h.totalFrames),
		SpanSizeInFrames: atomic.LoadUint32(&h.spanFrames),
		BytesPerFrame:    atomic.LoadUint32(&h.bytesPerFrame),
	}, nil
}

func newBuffer(holder Holder, region *shm.Region, mem []byte, l Layout, total, span, bpf uint32) *Buffer {
	return &Buffer{
		holder:        holder,
		region:        region,
		mem:           mem,
		hdr:           headerAt(mem),
		spans:         spansAt(mem, l),
		data:          mem[l.DataOff : l.DataOff+l.DataSize],
		layout:        l,
		totalFrames:   total,
		spanFrames:    span,
		bytesPerFrame: bpf,
		refs:          1,
	}
}

func (b *Buffer) initSpans() {
	for i := range b.spans {
		b.spans[i].reset()
	}
}

// Holder returns the role tag fixed at creation.
func (b *Buffer) Holder() Holder { return b.holder }

// Descriptor returns what a remote side passes to Open. Process-local
// buffers have an empty path and cannot be opened remotely.
func (b *Buffer) Descriptor() Descriptor {
	d := Descriptor{
		TotalFrames:      b.totalFrames,
		SpanSizeInFrames: b.spanFrames,
		BytesPerFrame:    b.bytesPerFrame,
	}
	if b.region != nil {
		d.Path = b.region.Path
	}
	return d
}

func (b *Buffer) TotalFrames() uint32      { return b.totalFrames }
func (b *Buffer) SpanSizeInFrames() uint32 { return b.spanFrames }
func (b *Buffer) BytesPerFrame() uint32    { return b.bytesPerFrame }

// GetSpanCount returns totalFrames / spanSizeInFrames.
func (b *Buffer) GetSpanCount() uint32 { return b.layout.SpanCount }

// DataSize returns the size of the data region in bytes.
func (b *Buffer) DataSize() uint64 { return b.layout.DataSize }

// GetCurWriteFrame returns the producer cursor.
func (b *Buffer) GetCurWriteFrame() uint64 { return atomic.LoadUint64(&b.hdr.curWriteFrame) }

// GetCurReadFrame returns the consumer cursor.
func (b *Buffer) GetCurReadFrame() uint64 { return atomic.LoadUint64(&b.hdr.curReadFrame) }

// GetAvailableDataFrames returns curWriteFrame - curReadFrame.
func (b *Buffer) GetAvailableDataFrames() uint64 {
	read := b.GetCurReadFrame()
	write := b.GetCurWriteFrame()
	if write < read {
		return 0
	}
	return write - read
}

// GetFreeFrames returns how many frames the producer may still write.
func (b *Buffer) GetFreeFrames() uint64 {
	return uint64(b.totalFrames) - b.GetAvailableDataFrames()
}

// SetCurWriteFrame advances the producer cursor. Moving it backwards or past
// curReadFrame + totalFrames is rejected.
func (b *Buffer) SetCurWriteFrame(frame uint64) error {
	write := b.GetCurWriteFrame()
	if frame < write {
		return fmt.Errorf("write frame %d behind cursor %d: %w", frame, write, audioerr.ErrInvalidParam)
	}
	if read := b.GetCurReadFrame(); frame > read+uint64(b.totalFrames) {
		return fmt.Errorf("write frame %d overflows read %d + total %d: %w",
			frame, read, b.totalFrames, audioerr.ErrOutOfRange)
	}
	atomic.StoreUint64(&b.hdr.curWriteFrame, frame)
	b.signal(&b.hdr.dataSeq)
	return nil
}

// SetCurReadFrame advances the consumer cursor. Moving it backwards or past
// curWriteFrame is rejected.
func (b *Buffer) SetCurReadFrame(frame uint64) error {
	read := b.GetCurReadFrame()
	if frame < read {
		return fmt.Errorf("read frame %d behind cursor %d: %w", frame, read, audioerr.ErrInvalidParam)
	}
	if write := b.GetCurWriteFrame(); frame > write {
		return fmt.Errorf("read frame %d beyond write %d: %w", frame, write, audioerr.ErrOutOfRange)
	}
	atomic.StoreUint64(&b.hdr.curReadFrame, frame)
	b.signal(&b.hdr.spaceSeq)
	return nil
}

// spanIndex maps an absolute frame to its span, bounds-checked.
func (b *Buffer) spanIndex(frame uint64) (uint32, error) {
	idx := uint32((frame % uint64(b.totalFrames)) / uint64(b.spanFrames))
	if idx >= b.layout.SpanCount {
		return 0, fmt.Errorf("span index %d of %d: %w", idx, b.layout.SpanCount, audioerr.ErrOutOfRange)
	}
	return idx, nil
}

// spanBytes returns the bytes from frame to the end of its span.
func (b *Buffer) spanBytes(frame uint64) ([]byte, error) {
	idx, err := b.spanIndex(frame)
	if err != nil {
		return nil, err
	}
	start := (frame % uint64(b.totalFrames)) * uint64(b.bytesPerFrame)
	end := (uint64(idx) + 1) * uint64(b.spanFrames) * uint64(b.bytesPerFrame)
	if end > uint64(len(b.data)) || start >= end {
		return nil, fmt.Errorf("frame %d outside data region: %w", frame, audioerr.ErrOutOfRange)
	}
	return b.data[start:end:end], nil
}

// GetWriteBuffer returns the writable bytes from writeFrame to the end of
// its span. writeFrame must lie in [curReadFrame, curReadFrame+totalFrames).
func (b *Buffer) GetWriteBuffer(writeFrame uint64) ([]byte, error) {
	read := b.GetCurReadFrame()
	if writeFrame < read || writeFrame >= read+uint64(b.totalFrames) {
		return nil, fmt.Errorf("write frame %d outside [%d, %d): %w",
			writeFrame, read, read+uint64(b.totalFrames), audioerr.ErrOutOfRange)
	}
	return b.spanBytes(writeFrame)
}

// GetReadBuffer returns the readable bytes from readFrame to the end of its
// span. readFrame must lie in [curWriteFrame-totalFrames, curWriteFrame).
func (b *Buffer) GetReadBuffer(readFrame uint64) ([]byte, error) {
	write := b.GetCurWriteFrame()
	var low uint64
	if write > uint64(b.totalFrames) {
		low = write - uint64(b.totalFrames)
	}
	if readFrame < low || readFrame >= write {
		return nil, fmt.Errorf("read frame %d outside [%d, %d): %w", readFrame, low, write, audioerr.ErrOutOfRange)
	}
	return b.spanBytes(readFrame)
}

// GetSpanInfoByIndex returns the span table entry at i.
func (b *Buffer) GetSpanInfoByIndex(i uint32) (*SpanInfo, error) {
	if i >= b.layout.SpanCount {
		return nil, fmt.Errorf("span index %d of %d: %w", i, b.layout.SpanCount, audioerr.ErrOutOfRange)
	}
	return &b.spans[i], nil
}

// GetSpanInfo returns the span table entry covering frame.
func (b *Buffer) GetSpanInfo(frame uint64) (*SpanInfo, error) {
	idx, err := b.spanIndex(frame)
	if err != nil {
		return nil, err
	}
	return &b.spans[idx], nil
}

// Reset zeroes the data region and returns every span to READ_DONE with
// unity volume. Cursors are left alone.
func (b *Buffer) Reset() {
	clear(b.data)
	b.initSpans()
}

// StreamStatus returns the published stream status.
func (b *Buffer) StreamStatus() StreamStatus {
	return StreamStatus(atomic.LoadUint32(&b.hdr.streamStatus))
}

// SetStreamStatus publishes the stream status.
func (b *Buffer) SetStreamStatus(s StreamStatus) {
	atomic.StoreUint32(&b.hdr.streamStatus, uint32(s))
}

// SetHandleInfo records the last position the device handled and when.
// There is a single writer.
func (b *Buffer) SetHandleInfo(posInFrame uint64, t time.Time) {
	atomic.AddUint32(&b.hdr.handleSeq, 1)
	atomic.StoreUint64(&b.hdr.handlePos, posInFrame)
	atomic.StoreInt64(&b.hdr.handleTime, t.UnixNano())
	atomic.AddUint32(&b.hdr.handleSeq, 1)
}

// GetHandleInfo returns a consistent snapshot of the handle info.
func (b *Buffer) GetHandleInfo() (posInFrame uint64, t time.Time) {
	for {
		seq := atomic.LoadUint32(&b.hdr.handleSeq)
		if seq&1 == 0 {
			pos := atomic.LoadUint64(&b.hdr.handlePos)
			nanos := atomic.LoadInt64(&b.hdr.handleTime)
			if atomic.LoadUint32(&b.hdr.handleSeq) == seq {
				if nanos == 0 {
					return pos, time.Time{}
				}
				return pos, time.Unix(0, nanos)
			}
		}
		// The writer may be another process that got descheduled mid-update.
		runtime.Gosched()
	}
}

// Attach takes another reference on the buffer, for example on behalf of a
// remote session that resolved it.
func (b *Buffer) Attach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("attach released buffer: %w", audioerr.ErrIllegalState)
	}
	b.refs++
	atomic.AddUint32(&b.hdr.refCount, 1)
	return nil
}

// Detach drops a reference. The last reference unmaps the memory; if this
// process created a shared region, its backing file is removed too.
func (b *Buffer) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("detach released buffer: %w", audioerr.ErrIllegalState)
	}
	b.refs--
	if b.holder != HolderClient {
		atomic.AddUint32(&b.hdr.refCount, ^uint32(0))
	}
	if b.refs > 0 {
		return nil
	}

	b.released = true
	if b.region == nil {
		b.mem, b.data, b.spans = nil, nil, nil
		return nil
	}
	owner := b.region.Owner()
	err := b.region.Close()
	if owner {
		if uerr := b.region.Unlink(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}

// RefCount returns the references held by the creating process.
func (b *Buffer) RefCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return 0
	}
	return atomic.LoadUint32(&b.hdr.refCount)
}

// Released reports whether the last reference has been dropped.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Path returns the backing file path of a shared buffer.
func (b *Buffer) Path() string {
	if b.region == nil {
		return ""
	}
	return b.region.Path
}

// Exists reports whether the shared backing file is still present.
func (b *Buffer) Exists() bool {
	if b.region == nil {
		return false
	}
	_, err := os.Stat(b.region.Path)
	return err == nil
}
