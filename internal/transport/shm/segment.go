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
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"
)

// Control segment layout constants
const (
	// Magic bytes for control segment identification
	SegmentMagic = "OHAUDCTL"

	// Current control protocol version
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 128 bytes)
	SegmentHeaderSize = 128

	// Ring header size (aligned to 64 bytes)
	RingHeaderSize = 64

	// Minimum ring capacity (4KB)
	MinRingCapacity = 4096

	// Default ring capacity for control traffic (64KB). Control frames are
	// small; audio never crosses these rings.
	DefaultRingCapacity = 65536
)

// SegmentHeader is the control segment header shared by server and client.
type SegmentHeader struct {
	magic       [8]byte  // 0x00: "OHAUDCTL"
	version     uint32   // 0x08: protocol version
	flags       uint32   // 0x0C: reserved flags
	totalSize   uint64   // 0x10: total segment size
	reqOff      uint64   // 0x18: offset to request ring header
	reqCap      uint64   // 0x20: request ring capacity (power of 2)
	replyOff    uint64   // 0x28: offset to reply ring header
	replyCap    uint64   // 0x30: reply ring capacity (power of 2)
	serverPID   uint32   // 0x38: server process ID
	clientPID   uint32   // 0x3C: client process ID
	serverReady uint32   // 0x40: server ready flag (0->1)
	clientReady uint32   // 0x44: client mapped flag (0->1)
	closed      uint32   // 0x48: closed flag (0 open, 1 closed)
	pad         uint32   // 0x4C: padding
	reserved    [48]byte // 0x50-0x7F: reserved/padding to 128B
}

func (h *SegmentHeader) Version() uint32        { return atomic.LoadUint32(&h.version) }
func (h *SegmentHeader) TotalSize() uint64      { return atomic.LoadUint64(&h.totalSize) }
func (h *SegmentHeader) RequestOffset() uint64  { return atomic.LoadUint64(&h.reqOff) }
func (h *SegmentHeader) RequestCapacity() uint64 { return atomic.LoadUint64(&h.reqCap) }
func (h *SegmentHeader) ReplyOffset() uint64    { return atomic.LoadUint64(&h.replyOff) }
func (h *SegmentHeader) ReplyCapacity() uint64  { return atomic.LoadUint64(&h.replyCap) }
func (h *SegmentHeader) ServerPID() uint32      { return atomic.LoadUint32(&h.serverPID) }
func (h *SegmentHeader) ClientPID() uint32      { return atomic.LoadUint32(&h.clientPID) }

// ServerReady returns the server ready flag
func (h *SegmentHeader) ServerReady() bool {
	return atomic.LoadUint32(&h.serverReady) != 0
}

// ClientReady returns the client ready flag
func (h *SegmentHeader) ClientReady() bool {
	return atomic.LoadUint32(&h.clientReady) != 0
}

// Closed returns the closed flag
func (h *SegmentHeader) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

func (h *SegmentHeader) setReady(flag *uint32) {
	atomic.StoreUint32(flag, 1)
	FutexWake(flag, 1)
}

// SetClosed marks the segment closed for both sides.
func (h *SegmentHeader) SetClosed() {
	atomic.StoreUint32(&h.closed, 1)
}

// RingHeader is a control ring header with atomic access fields.
type RingHeader struct {
	capacity uint64   // 0x00: power-of-two capacity in bytes
	widx     uint64   // 0x08: monotonic write index (producer)
	ridx     uint64   // 0x10: monotonic read index (consumer)
	dataSeq  uint32   // 0x18: data sequence for futex (producer increments)
	spaceSeq uint32   // 0x1C: space sequence for futex (consumer increments)
	closed   uint32   // 0x20: closed flag
	pad      uint32   // 0x24: padding
	reserved [24]byte // 0x28-0x3F: reserved/padding to 64B
	// data area starts at offset 0x40
}

// Capacity returns the ring capacity
func (r *RingHeader) Capacity() uint64 { return atomic.LoadUint64(&r.capacity) }

// WriteIndex returns the monotonic write index (producer)
func (r *RingHeader) WriteIndex() uint64 { return atomic.LoadUint64(&r.widx) }

// SetWriteIndex publishes a new write index (producer)
func (r *RingHeader) SetWriteIndex(idx uint64) { atomic.StoreUint64(&r.widx, idx) }

// ReadIndex returns the monotonic read index (consumer)
func (r *RingHeader) ReadIndex() uint64 { return atomic.LoadUint64(&r.ridx) }

// SetReadIndex publishes a new read index (consumer)
func (r *RingHeader) SetReadIndex(idx uint64) { atomic.StoreUint64(&r.ridx, idx) }

// Closed returns the closed flag
func (r *RingHeader) Closed() bool { return atomic.LoadUint32(&r.closed) != 0 }

// SetClosed sets the closed flag
func (r *RingHeader) SetClosed() { atomic.StoreUint32(&r.closed, 1) }

// Used returns the number of bytes currently used in the ring
func (r *RingHeader) Used() uint64 {
	w := atomic.LoadUint64(&r.widx)
	rd := atomic.LoadUint64(&r.ridx)
	return w - rd
}

// Available returns the number of bytes available for writing
func (r *RingHeader) Available() uint64 {
	return r.Capacity() - r.Used()
}

// IsPowerOfTwo returns true if n is a power of two
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// CalculateSegmentLayout calculates the memory layout for a control segment
// with the given ring capacities.
func CalculateSegmentLayout(reqCap, replyCap uint64) (totalSize, reqOff, replyOff uint64, err error) {
	for _, c := range []struct {
		name string
		cap  uint64
	}{{"request", reqCap}, {"reply", replyCap}} {
		if !IsPowerOfTwo(c.cap) {
			return 0, 0, 0, fmt.Errorf("%s ring capacity %d is not a power of two", c.name, c.cap)
		}
		if c.cap < MinRingCapacity {
			return 0, 0, 0, fmt.Errorf("%s ring capacity %d is below minimum %d", c.name, c.cap, MinRingCapacity)
		}
	}

	reqOff = alignTo64(SegmentHeaderSize)
	replyOff = alignTo64(reqOff + RingHeaderSize + reqCap)
	totalSize = alignTo64(replyOff + RingHeaderSize + replyCap)
	return totalSize, reqOff, replyOff, nil
}

// ValidateSegmentHeader validates a segment header for consistency
func ValidateSegmentHeader(h *SegmentHeader, mappedSize uint64) error {
	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}

	total, reqOff, replyOff, err := CalculateSegmentLayout(h.RequestCapacity(), h.ReplyCapacity())
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if h.TotalSize() != total || total > mappedSize {
		return fmt.Errorf("total size mismatch: header %d, expected %d, mapped %d", h.TotalSize(), total, mappedSize)
	}
	if h.RequestOffset() != reqOff || h.ReplyOffset() != replyOff {
		return fmt.Errorf("ring offset mismatch: got %d/%d, expected %d/%d",
			h.RequestOffset(), h.ReplyOffset(), reqOff, replyOff)
	}
	return nil
}

var (
	// ErrSegmentBusy is returned when another client already attached.
	ErrSegmentBusy = errors.New("shm: segment already has a client")
	// ErrSegmentClosed is returned when opening a segment being torn down.
	ErrSegmentClosed = errors.New("shm: segment closed")
)

// Segment is a mapped control segment: a header plus a request ring
// (client->server) and a reply ring (server->client).
type Segment struct {
	*Region
	H     *SegmentHeader
	Req   *ShmRing
	Reply *ShmRing
}

func newSegment(region *Region, reqOff, replyOff uint64) *Segment {
	return &Segment{
		Region: region,
		H:      (*SegmentHeader)(unsafe.Pointer(&region.Mem[0])),
		Req:    newShmRing(region.Mem, reqOff),
		Reply:  newShmRing(region.Mem, replyOff),
	}
}

// CreateSegment creates a new control segment. The server calls this and
// then waits for the client with WaitForClient.
func CreateSegment(dir, name string, reqCap, replyCap uint64) (*Segment, error) {
	totalSize, reqOff, replyOff, err := CalculateSegmentLayout(reqCap, replyCap)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	region, err := CreateRegion(dir, name, totalSize)
	if err != nil {
		return nil, err
	}

	h := (*SegmentHeader)(unsafe.Pointer(&region.Mem[0]))
	copy(h.magic[:], SegmentMagic)
	atomic.StoreUint32(&h.version, SegmentVersion)
	atomic.StoreUint64(&h.totalSize, totalSize)
	atomic.StoreUint64(&h.reqOff, reqOff)
	atomic.StoreUint64(&h.reqCap, reqCap)
	atomic.StoreUint64(&h.replyOff, replyOff)
	atomic.StoreUint64(&h.replyCap, replyCap)
	atomic.StoreUint32(&h.serverPID, uint32(os.Getpid()))

	seg := newSegment(region, reqOff, replyOff)
	seg.Req.header().init(reqCap)
	seg.Reply.header().init(replyCap)
	seg.H.setReady(&seg.H.serverReady)

	return seg, nil
}

// OpenSegment maps an existing control segment for the client and marks the
// client ready.
func OpenSegment(path string) (*Segment, error) {
	region, err := OpenRegion(path, SegmentHeaderSize)
	if err != nil {
		return nil, err
	}

	h := (*SegmentHeader)(unsafe.Pointer(&region.Mem[0]))
	if err := ValidateSegmentHeader(h, uint64(len(region.Mem))); err != nil {
		region.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	if h.Closed() {
		region.Close()
		return nil, ErrSegmentClosed
	}
	atomic.StoreUint32(&h.clientPID, uint32(os.Getpid()))
	if !atomic.CompareAndSwapUint32(&h.clientReady, 0, 1) {
		region.Close()
		return nil, ErrSegmentBusy
	}
	FutexWake(&h.clientReady, 1<<30)
	return newSegment(region, h.RequestOffset(), h.ReplyOffset()), nil
}

// WaitForClient waits for the client to mark itself as ready.
func (s *Segment) WaitForClient(ctx context.Context) error {
	return s.waitFlag(ctx, &s.H.clientReady)
}

// WaitForServer waits for the server to mark itself as ready.
func (s *Segment) WaitForServer(ctx context.Context) error {
	return s.waitFlag(ctx, &s.H.serverReady)
}

// waitFlag blocks until *flag becomes non-zero or the segment is closed. It
// sleeps on the futex in short slices so cancellation is noticed, and polls
// where futexes are unavailable.
func (s *Segment) waitFlag(ctx context.Context, flag *uint32) error {
	for atomic.LoadUint32(flag) == 0 {
		if s.H.Closed() {
			return ErrSegmentClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := FutexWait(flag, 0, 10*time.Millisecond); err == ErrUnsupported {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
	return nil
}

// Shutdown marks the segment closed and wakes blocked readers and writers
// on both rings. The mapping stays valid so those goroutines can return.
func (s *Segment) Shutdown() {
	if s.Region == nil || s.Region.Mem == nil {
		return
	}
	s.H.SetClosed()
	s.Req.Close()
	s.Reply.Close()
}

// Close shuts the segment down and unmaps it. The creator also unlinks the
// backing file. No goroutine may still be using the rings.
func (s *Segment) Close() error {
	if s.Region == nil || s.Region.Mem == nil {
		return nil
	}
	s.Shutdown()
	owner := s.Region.Owner()
	err := s.Region.Close()
	if owner {
		if uerr := s.Region.Unlink(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
