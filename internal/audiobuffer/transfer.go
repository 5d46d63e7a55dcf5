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
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/transport/shm"
)

// waitSlice bounds a single futex sleep so ctx cancellation is noticed.
const waitSlice = 20 * time.Millisecond

func (b *Buffer) signal(seq *uint32) {
	atomic.AddUint32(seq, 1)
	shm.FutexWake(seq, 1<<30)
}

// WaitForData blocks until at least frames frames are readable.
func (b *Buffer) WaitForData(ctx context.Context, frames uint64) error {
	if frames > uint64(b.totalFrames) {
		return fmt.Errorf("wait for %d frames of %d: %w", frames, b.totalFrames, audioerr.ErrInvalidParam)
	}
	return b.waitUntil(ctx, &b.hdr.dataSeq, func() bool { return b.GetAvailableDataFrames() >= frames })
}

// WaitForSpace blocks until at least frames frames can be written.
func (b *Buffer) WaitForSpace(ctx context.Context, frames uint64) error {
	if frames > uint64(b.totalFrames) {
		return fmt.Errorf("wait for %d free frames of %d: %w", frames, b.totalFrames, audioerr.ErrInvalidParam)
	}
	return b.waitUntil(ctx, &b.hdr.spaceSeq, func() bool { return b.GetFreeFrames() >= frames })
}

// WaitForDataFunc is WaitForData with a threshold that is evaluated again
// on every wake, for consumers whose target changes while they wait. A
// threshold below one frame counts as one.
func (b *Buffer) WaitForDataFunc(ctx context.Context, frames func() uint64) error {
	return b.waitUntil(ctx, &b.hdr.dataSeq, func() bool {
		return b.GetAvailableDataFrames() >= max(frames(), 1)
	})
}

func (b *Buffer) waitUntil(ctx context.Context, seq *uint32, ready func() bool) error {
	for {
		val := atomic.LoadUint32(seq)
		if ready() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := waitSlice
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
			if timeout <= 0 {
				return context.DeadlineExceeded
			}
		}
		err := shm.FutexWait(seq, val, timeout)
		switch {
		case err == nil, errors.Is(err, shm.ErrFutexTimeout):
		case errors.Is(err, shm.ErrUnsupported):
			time.Sleep(time.Millisecond)
		default:
			return err
		}
	}
}

// WriteSpan copies one span of audio into the span at curWriteFrame and
// publishes it. The write cursor must be span aligned and p must be exactly
// one span long. It fails with ErrOutOfRange when the ring is full.
func (b *Buffer) WriteSpan(p []byte) error {
	spanBytes := int(b.spanFrames) * int(b.bytesPerFrame)
	if len(p) != spanBytes {
		return fmt.Errorf("write %d bytes, span is %d: %w", len(p), spanBytes, audioerr.ErrInvalidParam)
	}
	frame := b.GetCurWriteFrame()
	if frame%uint64(b.spanFrames) != 0 {
		return fmt.Errorf("write cursor %d not span aligned: %w", frame, audioerr.ErrIllegalState)
	}
	if b.GetFreeFrames() < uint64(b.spanFrames) {
		return fmt.Errorf("ring full at write frame %d: %w", frame, audioerr.ErrOutOfRange)
	}

	dst, err := b.GetWriteBuffer(frame)
	if err != nil {
		return err
	}
	span, err := b.GetSpanInfo(frame)
	if err != nil {
		return err
	}
	if err := span.BeginWrite(); err != nil {
		return err
	}
	copy(dst, p)
	span.SetOffsetInFrame(frame)
	if err := span.EndWrite(); err != nil {
		return err
	}
	return b.SetCurWriteFrame(frame + uint64(b.spanFrames))
}

// ReadSpan copies the span at curReadFrame into p and recycles it. It
// returns 0 when less than a full span is available. Mute and volume are
// left for the consumer to apply.
func (b *Buffer) ReadSpan(p []byte) (int, error) {
	spanBytes := int(b.spanFrames) * int(b.bytesPerFrame)
	if len(p) < spanBytes {
		return 0, fmt.Errorf("read into %d bytes, span is %d: %w", len(p), spanBytes, audioerr.ErrInvalidParam)
	}
	frame := b.GetCurReadFrame()
	if frame%uint64(b.spanFrames) != 0 {
		return 0, fmt.Errorf("read cursor %d not span aligned: %w", frame, audioerr.ErrIllegalState)
	}
	if b.GetAvailableDataFrames() < uint64(b.spanFrames) {
		return 0, nil
	}

	src, err := b.GetReadBuffer(frame)
	if err != nil {
		return 0, err
	}
	span, err := b.GetSpanInfo(frame)
	if err != nil {
		return 0, err
	}
	if err := span.BeginRead(); err != nil {
		return 0, err
	}
	n := copy(p, src)
	if err := span.EndRead(); err != nil {
		return 0, err
	}
	return n, b.SetCurReadFrame(frame + uint64(b.spanFrames))
}

// ReadFrames copies the frames from curReadFrame to the end of their span,
// or to curWriteFrame if that comes first, and advances the read cursor past
// them. Unlike ReadSpan it accepts a read cursor left inside a span by a
// flush or by a producer that publishes partial spans. A span read to its
// end is recycled. It returns the number of frames copied, 0 when nothing is
// queued, and ErrIllegalState when the cursor moved during the copy.
func (b *Buffer) ReadFrames(p []byte) (uint64, error) {
	span := uint64(b.spanFrames)
	bpf := uint64(b.bytesPerFrame)
	if uint64(len(p)) < span*bpf {
		return 0, fmt.Errorf("read into %d bytes, span is %d: %w", len(p), span*bpf, audioerr.ErrInvalidParam)
	}
	read := b.GetCurReadFrame()
	write := b.GetCurWriteFrame()
	if read >= write {
		return 0, nil
	}
	next := min(read-read%span+span, write)

	src, err := b.GetReadBuffer(read)
	if err != nil {
		return 0, err
	}
	copy(p, src[:(next-read)*bpf])
	if next%span == 0 {
		info, err := b.GetSpanInfo(read)
		if err != nil {
			return 0, err
		}
		if info.Status() == SpanWriteDone && info.BeginRead() == nil {
			_ = info.EndRead()
		}
	}
	if !atomic.CompareAndSwapUint64(&b.hdr.curReadFrame, read, next) {
		return 0, fmt.Errorf("read cursor moved from %d: %w", read, audioerr.ErrIllegalState)
	}
	b.signal(&b.hdr.spaceSeq)
	return next - read, nil
}
