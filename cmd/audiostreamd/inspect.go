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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/transport/shm"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect shared audio buffers and control rings",
}

var inspectBufferCmd = &cobra.Command{
	Use:   "buffer <path>",
	Short: "Print the header and span table of a live shared buffer",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectBuffer,
}

var inspectRingCmd = &cobra.Command{
	Use:   "ring",
	Short: "Measure the usable capacity of a control ring",
	Long: `ring creates a scratch control segment, writes increasing message
sizes through its request ring and then fills it in fixed chunks until the
writer blocks, showing where backpressure starts.`,
	RunE: runInspectRing,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectBufferCmd, inspectRingCmd)
	inspectRingCmd.Flags().Uint64("capacity", shm.DefaultRingCapacity, "ring capacity in bytes (power of two)")
	inspectRingCmd.Flags().Int("chunk", 1000, "chunk size for the backpressure test")
}

func runInspectBuffer(cmd *cobra.Command, args []string) error {
	d, err := audiobuffer.ReadDescriptor(args[0])
	if err != nil {
		return err
	}
	buf, err := audiobuffer.Open(d)
	if err != nil {
		return err
	}
	defer buf.Detach()

	out := cmd.OutOrStdout()
	pos, at := buf.GetHandleInfo()
	fmt.Fprintf(out, "=== Buffer %s ===\n", d.Path)
	fmt.Fprintf(out, "Geometry: %d frames, %d spans of %d frames, %d bytes per frame (%d data bytes)\n",
		buf.TotalFrames(), buf.GetSpanCount(), buf.SpanSizeInFrames(), buf.BytesPerFrame(), buf.DataSize())
	fmt.Fprintf(out, "Status: %s, server refs %d\n", buf.StreamStatus(), buf.RefCount())
	fmt.Fprintf(out, "Cursors: write %d, read %d (%d queued, %d free)\n",
		buf.GetCurWriteFrame(), buf.GetCurReadFrame(), buf.GetAvailableDataFrames(), buf.GetFreeFrames())
	if at.IsZero() {
		fmt.Fprintf(out, "Handle: %d frames\n", pos)
	} else {
		fmt.Fprintf(out, "Handle: %d frames at %s\n", pos, at.Format(time.RFC3339Nano))
	}

	fmt.Fprintf(out, "\n=== Spans ===\n")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDX\tSTATUS\tOFFSET\tMUTE\tVOLUME\tLAST READ")
	for i, n := uint32(0), buf.GetSpanCount(); i < n; i++ {
		s, err := buf.GetSpanInfoByIndex(i)
		if err != nil {
			return err
		}
		vs, ve := s.Volume()
		_, _, _, readDone := s.Times()
		last := "-"
		if !readDone.IsZero() {
			last = readDone.Format("15:04:05.000")
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%d..%d\t%s\n", i, s.Status(), s.OffsetInFrame(), s.IsMute(), vs, ve, last)
	}
	return tw.Flush()
}

func runInspectRing(cmd *cobra.Command, args []string) error {
	capacity, err := cmd.Flags().GetUint64("capacity")
	if err != nil {
		return err
	}
	chunkSize, err := cmd.Flags().GetInt("chunk")
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "audiostream-inspect")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	seg, err := shm.CreateSegment(dir, "ring-"+uuid.NewString(), capacity, capacity)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	defer seg.Close()
	ring := seg.Req

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "=== Ring Capacity ===\n")
	fmt.Fprintf(out, "Configured capacity: %d bytes\n", capacity)
	fmt.Fprintf(out, "Request ring: %d bytes, reply ring: %d bytes\n", seg.Req.Capacity(), seg.Reply.Capacity())
	fmt.Fprintf(out, "Segment size: %d bytes\n", len(seg.Mem))

	fmt.Fprintf(out, "\n=== Single Writes ===\n")
	for _, size := range []uint64{16, 100, 1000, 5000, capacity / 2, capacity - 1, capacity, capacity + 1} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		if err := writeWithin(ring, data, 50*time.Millisecond); err != nil {
			fmt.Fprintf(out, "%d bytes: FAIL (%v)\n", size, err)
			continue
		}
		fmt.Fprintf(out, "%d bytes: OK\n", size)
		if err := drain(ring, int(size)); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\n=== Backpressure ===\n")
	chunk := make([]byte, chunkSize)
	written := 0
	for {
		if err := writeWithin(ring, chunk, 50*time.Millisecond); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintf(out, "writer blocked after %d bytes (%d chunks), %d bytes free\n",
					written, written/chunkSize, ring.Available())
				return nil
			}
			return err
		}
		written += chunkSize
	}
}

func drain(r *shm.ShmRing, n int) error {
	buf := make([]byte, n)
	for n > 0 {
		got, err := r.ReadBlocking(buf[:n])
		if err != nil {
			return err
		}
		n -= got
	}
	return nil
}

func writeWithin(r *shm.ShmRing, data []byte, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return r.WriteBlockingContext(ctx, data)
}
