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
	"testing"
	"unsafe"
)

func TestSegmentHeaderSize(t *testing.T) {
	size := unsafe.Sizeof(SegmentHeader{})
	if size != SegmentHeaderSize {
		t.Errorf("SegmentHeader size = %d, want %d", size, SegmentHeaderSize)
	}
}

func TestRingHeaderSize(t *testing.T) {
	size := unsafe.Sizeof(RingHeader{})
	if size != RingHeaderSize {
		t.Errorf("RingHeader size = %d, want %d", size, RingHeaderSize)
	}
}

func TestSegmentHeaderFieldOffsets(t *testing.T) {
	h := &SegmentHeader{}

	tests := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"magic", unsafe.Offsetof(h.magic), 0x00},
		{"version", unsafe.Offsetof(h.version), 0x08},
		{"flags", unsafe.Offsetof(h.flags), 0x0C},
		{"totalSize", unsafe.Offsetof(h.totalSize), 0x10},
		{"reqOff", unsafe.Offsetof(h.reqOff), 0x18},
		{"reqCap", unsafe.Offsetof(h.reqCap), 0x20},
		{"replyOff", unsafe.Offsetof(h.replyOff), 0x28},
		{"replyCap", unsafe.Offsetof(h.replyCap), 0x30},
		{"serverPID", unsafe.Offsetof(h.serverPID), 0x38},
		{"clientPID", unsafe.Offsetof(h.clientPID), 0x3C},
		{"serverReady", unsafe.Offsetof(h.serverReady), 0x40},
		{"clientReady", unsafe.Offsetof(h.clientReady), 0x44},
		{"closed", unsafe.Offsetof(h.closed), 0x48},
		{"pad", unsafe.Offsetof(h.pad), 0x4C},
		{"reserved", unsafe.Offsetof(h.reserved), 0x50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.offset != tt.want {
				t.Errorf("offset of %s = 0x%02X, want 0x%02X", tt.name, uint64(tt.offset), uint64(tt.want))
			}
		})
	}
}

func TestRingHeaderFieldOffsets(t *testing.T) {
	r := &RingHeader{}

	tests := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"capacity", unsafe.Offsetof(r.capacity), 0x00},
		{"widx", unsafe.Offsetof(r.widx), 0x08},
		{"ridx", unsafe.Offsetof(r.ridx), 0x10},
		{"dataSeq", unsafe.Offsetof(r.dataSeq), 0x18},
		{"spaceSeq", unsafe.Offsetof(r.spaceSeq), 0x1C},
		{"closed", unsafe.Offsetof(r.closed), 0x20},
		{"pad", unsafe.Offsetof(r.pad), 0x24},
		{"reserved", unsafe.Offsetof(r.reserved), 0x28},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.offset != tt.want {
				t.Errorf("offset of %s = 0x%02X, want 0x%02X", tt.name, uint64(tt.offset), uint64(tt.want))
			}
		})
	}
}

func TestCalculateSegmentLayout(t *testing.T) {
	total, reqOff, replyOff, err := CalculateSegmentLayout(4096, 8192)
	if err != nil {
		t.Fatalf("CalculateSegmentLayout: %v", err)
	}
	if reqOff != SegmentHeaderSize {
		t.Errorf("reqOff = %d, want %d", reqOff, SegmentHeaderSize)
	}
	if want := uint64(SegmentHeaderSize + RingHeaderSize + 4096); replyOff != want {
		t.Errorf("replyOff = %d, want %d", replyOff, want)
	}
	if want := replyOff + RingHeaderSize + 8192; total != want {
		t.Errorf("total = %d, want %d", total, want)
	}
	if reqOff%64 != 0 || replyOff%64 != 0 || total%64 != 0 {
		t.Errorf("layout not 64B aligned: %d/%d/%d", reqOff, replyOff, total)
	}
}

func TestCalculateSegmentLayoutRejectsBadCapacity(t *testing.T) {
	tests := []struct {
		name       string
		req, reply uint64
	}{
		{"not power of two", 5000, 4096},
		{"below minimum", 1024, 4096},
		{"zero reply", 4096, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := CalculateSegmentLayout(tt.req, tt.reply); err == nil {
				t.Errorf("CalculateSegmentLayout(%d, %d) succeeded, want error", tt.req, tt.reply)
			}
		})
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uint64{1, 2, 4096, 1 << 20} {
		if !IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = false", n)
		}
	}
	for _, n := range []uint64{0, 3, 4095, 6000} {
		if IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = true", n)
		}
	}
}
