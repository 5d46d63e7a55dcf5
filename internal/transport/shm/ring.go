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
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrRingClosed indicates that the ring has been closed for writing
var ErrRingClosed = errors.New("ring closed")

// ErrTooLarge is returned when a single write exceeds the ring capacity.
var ErrTooLarge = errors.New("data larger than ring capacity")

// waitSlice bounds every futex sleep so cancellation is observed promptly.
const waitSlice = 50 * time.Millisecond

// RingState represents a snapshot of ring buffer state for debugging and diagnostics
type RingState struct {
	Capacity uint64 // Total ring capacity in bytes
	Widx     uint64 // Current write index (monotonic)
	Ridx     uint64 // Current read index (monotonic)
	Used     uint64 // Bytes currently in ring (Widx - Ridx)
	DataSeq  uint32 // Data availability sequence number
	SpaceSeq uint32 // Space availability sequence number
	Closed   bool
}

// ShmRing is a single-producer single-consumer byte ring living in shared
// memory, with futex-based blocking on both ends.
type ShmRing struct {
	capMask  uint64 // capacity-1 (capacity is a power of 2)
	capacity uint64
	hdrOff   uintptr // offset of the RingHeader in mem
	dataOff  uintptr // offset of the data area in mem
	mem      []byte
}

func newShmRing(mem []byte, off uint64) *ShmRing {
	r := &ShmRing{
		hdrOff:  uintptr(off),
		dataOff: uintptr(off + RingHeaderSize),
		mem:     mem,
	}
	r.capacity = r.header().Capacity()
	r.capMask = r.capacity - 1
	return r
}

func (h *RingHeader) init(capacity uint64) {
	atomic.StoreUint64(&h.capacity, capacity)
	atomic.StoreUint64(&h.widx, 0)
	atomic.StoreUint64(&h.ridx, 0)
	atomic.StoreUint32(&h.closed, 0)
}

// header returns a pointer to the RingHeader in shared memory
func (r *ShmRing) header() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(&r.mem[r.hdrOff]))
}

// data returns the ring's data area
func (r *ShmRing) data() []byte {
	return r.mem[r.dataOff : r.dataOff+uintptr(r.capacity)]
}

// Capacity returns the ring capacity
func (r *ShmRing) Capacity() uint64 {
	return r.capacity
}

// DebugState returns a snapshot of the current ring state.
func (r *ShmRing) DebugState() RingState {
	hdr := r.header()
	widx := hdr.WriteIndex()
	ridx := hdr.ReadIndex()
	return RingState{
		Capacity: r.capacity,
		Widx:     widx,
		Ridx:     ridx,
		Used:     widx - ridx,
		DataSeq:  atomic.LoadUint32(&hdr.dataSeq),
		SpaceSeq: atomic.LoadUint32(&hdr.spaceSeq),
		Closed:   hdr.Closed(),
	}
}

// WriteBlocking writes all of data, blocking until space is available or the
// ring is closed.
func (r *ShmRing) WriteBlocking(data []byte) error {
	return r.WriteBlockingContext(context.Background(), data)
}

// ReadBlocking reads at least one byte, blocking until data is available.
// It returns io.EOF once the ring is closed and drained.
func (r *ShmRing) ReadBlocking(buf []byte) (int, error) {
	return r.ReadBlockingContext(context.Background(), buf)
}

// WriteBlockingContext writes all of data as one unit. Readers never observe
// a partial write because the write index is published after the copy.
func (r *ShmRing) WriteBlockingContext(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if uint64(len(data)) > r.capacity {
		return ErrTooLarge
	}

	hdr := r.header()
	for {
		if hdr.Closed() {
			return ErrRingClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		writeIdx := hdr.WriteIndex()
		usedBefore := writeIdx - hdr.ReadIndex()

		if uint64(len(data)) <= r.capacity-usedBefore {
			pos := writeIdx & r.capMask
			buf := r.data()
			n := copy(buf[pos:], data)
			copy(buf, data[n:])

			hdr.SetWriteIndex(writeIdx + uint64(len(data)))

			// Wake the reader only on the empty -> non-empty edge.
			if usedBefore == 0 {
				atomic.AddUint32(&hdr.dataSeq, 1)
				FutexWake(&hdr.dataSeq, 1)
			}
			return nil
		}

		seq := atomic.LoadUint32(&hdr.spaceSeq)
		if hdr.WriteIndex()-hdr.ReadIndex() != usedBefore {
			continue
		}
		if err := r.wait(ctx, &hdr.spaceSeq, seq); err != nil {
			return err
		}
	}
}

// ReadBlockingContext reads up to len(buf) bytes, blocking until at least one
// byte is available, the ring is closed and empty, or ctx is done.
func (r *ShmRing) ReadBlockingContext(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	hdr := r.header()
	for {
		readIdx := hdr.ReadIndex()
		available := hdr.WriteIndex() - readIdx

		if available > 0 {
			toRead := min(uint64(len(buf)), available)
			pos := readIdx & r.capMask
			src := r.data()
			n := copy(buf[:toRead], src[pos:])
			n += copy(buf[n:toRead], src)

			hdr.SetReadIndex(readIdx + uint64(n))

			// A writer may be waiting for more room than a single edge
			// frees, so every read bumps the space sequence.
			atomic.AddUint32(&hdr.spaceSeq, 1)
			FutexWake(&hdr.spaceSeq, 1)
			return n, nil
		}

		if hdr.Closed() {
			return 0, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		seq := atomic.LoadUint32(&hdr.dataSeq)
		if hdr.WriteIndex() != readIdx || hdr.Closed() {
			continue
		}
		if err := r.wait(ctx, &hdr.dataSeq, seq); err != nil {
			return 0, err
		}
	}
}

// wait sleeps on seq until it moves away from val, in bounded slices.
func (r *ShmRing) wait(ctx context.Context, seq *uint32, val uint32) error {
	timeout := waitSlice
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		timeout = min(timeout, remaining)
	}

	err := FutexWait(seq, val, timeout)
	switch {
	case err == nil, errors.Is(err, ErrFutexTimeout):
		return nil
	case errors.Is(err, ErrUnsupported):
		time.Sleep(time.Millisecond)
		return nil
	default:
		return err
	}
}

// Close closes the ring for writing and wakes both ends. Readers can still
// drain what is left.
func (r *ShmRing) Close() {
	hdr := r.header()
	hdr.SetClosed()
	atomic.AddUint32(&hdr.dataSeq, 1)
	atomic.AddUint32(&hdr.spaceSeq, 1)
	FutexWake(&hdr.dataSeq, 1)
	FutexWake(&hdr.spaceSeq, 1)
}

// Used returns the number of bytes currently used in the ring
func (r *ShmRing) Used() uint64 {
	return r.header().Used()
}

// Available returns the number of bytes available for writing
func (r *ShmRing) Available() uint64 {
	return r.header().Available()
}

// IsClosed returns true if the ring is closed for writing
func (r *ShmRing) IsClosed() bool {
	return r.header().Closed()
}
