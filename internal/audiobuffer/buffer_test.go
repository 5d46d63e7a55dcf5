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
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/audioerr"
)

func TestLayoutSizes(t *testing.T) {
	assert.EqualValues(t, HeaderSize, unsafe.Sizeof(header{}))
	assert.EqualValues(t, SpanInfoSize, unsafe.Sizeof(SpanInfo{}))

	var h header
	assert.EqualValues(t, 0x20, unsafe.Offsetof(h.curWriteFrame))
	assert.EqualValues(t, 0x28, unsafe.Offsetof(h.curReadFrame))
	assert.EqualValues(t, 0x40, unsafe.Offsetof(h.streamStatus))
	assert.EqualValues(t, 0x60, unsafe.Offsetof(h.handleSeq))
}

func TestCreateValidGeometry(t *testing.T) {
	tests := []struct {
		total, span uint32
		spans       uint32
	}{
		{1920, 480, 4},
		{480, 480, 1},
		{4096, 256, 16},
		{960, 1, 960},
	}
	for _, tt := range tests {
		b, err := Create(tt.total, tt.span, 4)
		require.NoError(t, err)
		assert.Equal(t, tt.spans, b.GetSpanCount())
		assert.Equal(t, HolderServerOnly, b.Holder())
		assert.EqualValues(t, uint64(tt.total)*4, b.DataSize())
	}
}

func TestCreateInvalidGeometry(t *testing.T) {
	tests := []struct {
		name               string
		total, span, bytes uint32
	}{
		{"zero total", 0, 480, 4},
		{"zero span", 1920, 0, 4},
		{"zero bytes per frame", 1920, 480, 0},
		{"not a multiple", 1000, 480, 4},
		{"too large", 1 << 30, 1 << 10, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Create(tt.total, tt.span, tt.bytes)
			assert.ErrorIs(t, err, audioerr.ErrInvalidParam)
			assert.Nil(t, b)
		})
	}
}

func TestSpansStartEmpty(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	for i := uint32(0); i < b.GetSpanCount(); i++ {
		span, err := b.GetSpanInfoByIndex(i)
		require.NoError(t, err)
		assert.Equal(t, SpanReadDone, span.Status())
		start, end := span.Volume()
		assert.EqualValues(t, UnityVolume, start)
		assert.EqualValues(t, UnityVolume, end)
		assert.False(t, span.IsMute())
		assert.Zero(t, span.OffsetInFrame())
	}

	_, err = b.GetSpanInfoByIndex(4)
	assert.ErrorIs(t, err, audioerr.ErrOutOfRange)
}

func TestSpanRoundTrip(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	dst, err := b.GetWriteBuffer(0)
	require.NoError(t, err)
	require.Len(t, dst, 1920)
	for i := range dst {
		dst[i] = 0xAB
	}
	require.NoError(t, b.SetCurWriteFrame(480))
	assert.EqualValues(t, 480, b.GetAvailableDataFrames())

	src, err := b.GetReadBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 1920), src)

	require.NoError(t, b.SetCurReadFrame(480))
	assert.EqualValues(t, 0, b.GetAvailableDataFrames())
}

func TestGetWriteBufferMidSpan(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	// Frame 500 sits 20 frames into span 1, so 460 frames remain.
	buf, err := b.GetWriteBuffer(500)
	require.NoError(t, err)
	assert.Len(t, buf, 460*4)
}

func TestBufferWindows(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	_, err = b.GetWriteBuffer(1920)
	assert.ErrorIs(t, err, audioerr.ErrOutOfRange, "writer may not lap the reader")
	_, err = b.GetReadBuffer(0)
	assert.ErrorIs(t, err, audioerr.ErrOutOfRange, "nothing written yet")

	require.NoError(t, b.SetCurWriteFrame(1920))
	_, err = b.GetReadBuffer(1919)
	assert.NoError(t, err)
	_, err = b.GetReadBuffer(1920)
	assert.ErrorIs(t, err, audioerr.ErrOutOfRange)

	require.NoError(t, b.SetCurReadFrame(960))
	_, err = b.GetWriteBuffer(959)
	assert.ErrorIs(t, err, audioerr.ErrOutOfRange)
	_, err = b.GetWriteBuffer(1920 + 959)
	assert.NoError(t, err)
}

func TestCursorInvariants(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, b.SetCurWriteFrame(1921), audioerr.ErrOutOfRange, "overflow")
	require.NoError(t, b.SetCurWriteFrame(1920))
	assert.ErrorIs(t, b.SetCurWriteFrame(480), audioerr.ErrInvalidParam, "backwards write")

	assert.ErrorIs(t, b.SetCurReadFrame(1921), audioerr.ErrOutOfRange, "read past write")
	require.NoError(t, b.SetCurReadFrame(960))
	assert.ErrorIs(t, b.SetCurReadFrame(480), audioerr.ErrInvalidParam, "backwards read")

	assert.EqualValues(t, 960, b.GetAvailableDataFrames())
	assert.EqualValues(t, 960, b.GetFreeFrames())
	assert.ErrorIs(t, b.SetCurWriteFrame(1920+961), audioerr.ErrOutOfRange)
	assert.NoError(t, b.SetCurWriteFrame(1920+960))
}

func TestWriteSpanReadSpan(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.WriteSpan(bytes.Repeat([]byte{byte(i + 1)}, 1920)))
	}
	assert.ErrorIs(t, b.WriteSpan(make([]byte, 1920)), audioerr.ErrOutOfRange, "ring is full")
	assert.ErrorIs(t, b.WriteSpan(make([]byte, 10)), audioerr.ErrInvalidParam)

	span, err := b.GetSpanInfoByIndex(2)
	require.NoError(t, err)
	assert.Equal(t, SpanWriteDone, span.Status())
	assert.EqualValues(t, 960, span.OffsetInFrame())

	out := make([]byte, 1920)
	for i := 0; i < 4; i++ {
		n, err := b.ReadSpan(out)
		require.NoError(t, err)
		require.Equal(t, 1920, n)
		assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 1920), out)
	}
	n, err := b.ReadSpan(out)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, SpanReadDone, span.Status())
	ws, wd, rs, rd := span.Times()
	assert.False(t, ws.IsZero())
	assert.False(t, wd.IsZero())
	assert.False(t, rs.IsZero())
	assert.False(t, rd.IsZero())
}

func TestSpanTransitions(t *testing.T) {
	b, err := Create(960, 480, 2)
	require.NoError(t, err)
	span, err := b.GetSpanInfoByIndex(0)
	require.NoError(t, err)

	assert.ErrorIs(t, span.BeginRead(), audioerr.ErrIllegalState, "empty span cannot be read")
	require.NoError(t, span.BeginWrite())
	assert.ErrorIs(t, span.BeginWrite(), audioerr.ErrIllegalState)
	require.NoError(t, span.EndWrite())
	require.NoError(t, span.BeginRead())
	require.NoError(t, span.EndRead())
	assert.Equal(t, SpanReadDone, span.Status())

	assert.ErrorIs(t, span.SetVolume(-1, UnityVolume), audioerr.ErrInvalidParam)
	require.NoError(t, span.SetVolume(0, UnityVolume/2))
	span.SetMute(true)
	b.Reset()
	start, end := span.Volume()
	assert.EqualValues(t, UnityVolume, start)
	assert.EqualValues(t, UnityVolume, end)
	assert.False(t, span.IsMute())
}

func TestResetZeroesData(t *testing.T) {
	b, err := Create(960, 480, 2)
	require.NoError(t, err)
	require.NoError(t, b.WriteSpan(bytes.Repeat([]byte{7}, 960)))

	b.Reset()
	src, err := b.GetReadBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 960), src)
}

func TestStreamStatusAndHandleInfo(t *testing.T) {
	b, err := Create(960, 480, 2)
	require.NoError(t, err)

	assert.Equal(t, StreamIdle, b.StreamStatus())
	b.SetStreamStatus(StreamStarted)
	assert.Equal(t, StreamStarted, b.StreamStatus())
	assert.Equal(t, "STARTED", b.StreamStatus().String())

	pos, ts := b.GetHandleInfo()
	assert.Zero(t, pos)
	assert.True(t, ts.IsZero())

	now := time.Now()
	b.SetHandleInfo(4800, now)
	pos, ts = b.GetHandleInfo()
	assert.EqualValues(t, 4800, pos)
	assert.Equal(t, now.UnixNano(), ts.UnixNano())
}

func TestWaitForData(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitForData(ctx, 480), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.WriteSpan(make([]byte, 1920))
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, b.WaitForData(ctx2, 480))

	assert.ErrorIs(t, b.WaitForData(ctx2, 1921), audioerr.ErrInvalidParam)
}

func TestWaitForSpace(t *testing.T) {
	b, err := Create(960, 480, 2)
	require.NoError(t, err)
	require.NoError(t, b.WriteSpan(make([]byte, 960)))
	require.NoError(t, b.WriteSpan(make([]byte, 960)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = b.ReadSpan(make([]byte, 960))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.WaitForSpace(ctx, 480))
	assert.EqualValues(t, 480, b.GetFreeFrames())
}

func TestLocalDetach(t *testing.T) {
	b, err := Create(960, 480, 2)
	require.NoError(t, err)
	require.NoError(t, b.Attach())
	assert.EqualValues(t, 2, b.RefCount())

	require.NoError(t, b.Detach())
	assert.False(t, b.Released())
	require.NoError(t, b.Detach())
	assert.True(t, b.Released())
	assert.ErrorIs(t, b.Detach(), audioerr.ErrIllegalState)
	assert.ErrorIs(t, b.Attach(), audioerr.ErrIllegalState)
}

func TestReadFramesFromMidSpan(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)

	// A flush after a partial publish leaves both cursors inside span 0.
	require.NoError(t, b.SetCurWriteFrame(100))
	require.NoError(t, b.SetCurReadFrame(100))
	dst, err := b.GetWriteBuffer(100)
	require.NoError(t, err)
	require.Len(t, dst, 380*4)
	copy(dst, bytes.Repeat([]byte{0xAA}, len(dst)))
	require.NoError(t, b.SetCurWriteFrame(1060))

	out := make([]byte, 1920)
	_, err = b.ReadSpan(out)
	assert.ErrorIs(t, err, audioerr.ErrIllegalState, "whole-span reads need an aligned cursor")

	for _, want := range []uint64{380, 480, 100, 0} {
		n, err := b.ReadFrames(out)
		require.NoError(t, err)
		require.Equal(t, want, n)
		if want == 380 {
			assert.Equal(t, bytes.Repeat([]byte{0xAA}, 380*4), out[:380*4])
		}
	}
	assert.EqualValues(t, 1060, b.GetCurReadFrame())
	assert.Zero(t, b.GetAvailableDataFrames())

	_, err = b.ReadFrames(make([]byte, 10))
	assert.ErrorIs(t, err, audioerr.ErrInvalidParam)
}

func TestReadFramesRecyclesWrittenSpan(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.WriteSpan(bytes.Repeat([]byte{byte(i + 1)}, 1920)))
	}

	out := make([]byte, 1920)
	n, err := b.ReadFrames(out)
	require.NoError(t, err)
	require.EqualValues(t, 480, n)
	assert.Equal(t, bytes.Repeat([]byte{1}, 1920), out)

	span, err := b.GetSpanInfoByIndex(0)
	require.NoError(t, err)
	assert.Equal(t, SpanReadDone, span.Status())
	require.NoError(t, b.WriteSpan(make([]byte, 1920)), "recycled span takes the next write")
}

func TestWaitForDataFuncFollowsThreshold(t *testing.T) {
	b, err := Create(1920, 480, 4)
	require.NoError(t, err)
	require.NoError(t, b.SetCurWriteFrame(100))

	var want atomic.Uint64
	want.Store(480)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.WaitForDataFunc(ctx, want.Load), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		want.Store(1)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, b.WaitForDataFunc(ctx2, want.Load), "a lowered threshold is seen without new data")
}

func TestHandleInfoWaitsForWriter(t *testing.T) {
	b, err := Create(960, 480, 2)
	require.NoError(t, err)

	// Simulate a writer stalled between its two sequence bumps.
	atomic.AddUint32(&b.hdr.handleSeq, 1)
	atomic.StoreUint64(&b.hdr.handlePos, 960)
	go func() {
		time.Sleep(10 * time.Millisecond)
		atomic.AddUint32(&b.hdr.handleSeq, 1)
	}()

	done := make(chan uint64)
	go func() {
		pos, _ := b.GetHandleInfo()
		done <- pos
	}()
	select {
	case pos := <-done:
		assert.EqualValues(t, 960, pos)
	case <-time.After(time.Second):
		t.Fatal("GetHandleInfo did not finish after the writer completed")
	}
}
