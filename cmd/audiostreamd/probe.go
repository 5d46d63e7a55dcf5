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
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ohaudio/audiostream/internal/audiobuffer"
	"github.com/ohaudio/audiostream/internal/endpoint"
	"github.com/ohaudio/audiostream/internal/ipc"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Create a stream on a running server and move a few spans",
	Long: `probe connects as a client, creates a stream sized by the buffer section
of the config, resolves the shared buffer and runs it through
start, transfer, stop and release. In playback mode it writes spans of a
counting pattern; in record mode it reads spans and reports their peak.`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().String("mode", "playback", "stream mode: playback or record")
	probeCmd.Flags().Int("spans", 8, "number of spans to transfer")
}

func runProbe(cmd *cobra.Command, args []string) error {
	modeName, err := cmd.Flags().GetString("mode")
	if err != nil {
		return err
	}
	spans, err := cmd.Flags().GetInt("spans")
	if err != nil {
		return err
	}
	mode := endpoint.ModePlayback
	switch modeName {
	case "playback":
	case "record":
		mode = endpoint.ModeRecord
	default:
		return fmt.Errorf("mode %q: want playback or record", modeName)
	}

	ctx := cmd.Context()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Transport.ConnectTimeout)
	defer cancel()
	conn, err := ipc.Dial(dialCtx, cfg.Transport.Kind, cfg.Transport.Address, cfg.Transport.SegmentDir, logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Transport.Address, err)
	}

	pc := endpoint.ProcessConfig{
		App: endpoint.AppInfo{UID: int32(os.Getuid()), PID: int32(os.Getpid())},
		Stream: endpoint.StreamInfo{
			SampleRate: cfg.Buffer.SampleRate,
			Channels:   cfg.Buffer.Channels,
			Format:     cfg.SampleFormat(),
		},
		Mode: mode,
	}
	proxy, err := ipc.CreateStream(ctx, conn, pc, cfg.Buffer.TotalFrames, cfg.Buffer.SpanFrames)
	if err != nil {
		conn.Close()
		return err
	}
	defer proxy.Close()

	err = proxy.RegisterStreamListener(ctx, ipc.StreamListenerFunc(func(ev ipc.Event) {
		logger.Info().Stringer("event", ev.Code).Stringer("status", ev.Status).Uint32("session", ev.SessionID).Msg("stream event")
	}))
	if err != nil {
		return err
	}
	buf, err := proxy.ResolveBuffer(ctx)
	if err != nil {
		return err
	}
	if err := proxy.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %d: %d spans of %d frames, %d bytes per frame\n",
		proxy.SessionID(), buf.GetSpanCount(), buf.SpanSizeInFrames(), buf.BytesPerFrame())

	if mode == endpoint.ModePlayback {
		err = pushSpans(ctx, buf, spans)
	} else {
		err = pullSpans(ctx, buf, spans, out)
	}
	if err != nil {
		return err
	}

	if mode == endpoint.ModePlayback {
		if err := proxy.Drain(ctx); err != nil {
			return err
		}
	}
	pos, at, latency, err := proxy.GetAudioPosition(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "position %d frames at %s, latency %d frames\n", pos, at.Format("15:04:05.000"), latency)

	if err := proxy.Stop(ctx); err != nil {
		return err
	}
	return proxy.Release(ctx)
}

func pushSpans(ctx context.Context, buf *audiobuffer.Buffer, spans int) error {
	span := uint64(buf.SpanSizeInFrames())
	p := make([]byte, span*uint64(buf.BytesPerFrame()))
	for i := 0; i < spans; i++ {
		for j := range p {
			p[j] = byte(i + j)
		}
		if err := buf.WaitForSpace(ctx, span); err != nil {
			return err
		}
		if err := buf.WriteSpan(p); err != nil {
			return err
		}
	}
	return nil
}

func pullSpans(ctx context.Context, buf *audiobuffer.Buffer, spans int, out io.Writer) error {
	span := uint64(buf.SpanSizeInFrames())
	p := make([]byte, span*uint64(buf.BytesPerFrame()))
	for i := 0; i < spans; {
		if err := buf.WaitForData(ctx, span); err != nil {
			return err
		}
		n, err := buf.ReadSpan(p)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		var peak byte
		for _, b := range p[:n] {
			peak = max(peak, b)
		}
		fmt.Fprintf(out, "span %d: %d bytes, peak byte 0x%02x\n", i, n, peak)
		i++
	}
	return nil
}
