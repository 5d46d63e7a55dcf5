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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ohaudio/audiostream/internal/device"
	"github.com/ohaudio/audiostream/internal/ipc"
	"github.com/ohaudio/audiostream/internal/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stream server until interrupted",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("stats-interval", 0, "log live stream count at this interval (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	statsInterval, err := cmd.Flags().GetDuration("stats-interval")
	if err != nil {
		return err
	}

	factory, err := device.NewFactory(device.Options{
		Kind:          cfg.Device.Kind,
		OutputDir:     cfg.Device.OutputDir,
		ToneHz:        cfg.Device.ToneHz,
		LatencyFrames: cfg.Device.LatencyFrames,
		Realtime:      cfg.Device.Realtime,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	mgr := manager.New(manager.Options{
		Shared:     true,
		SharedDir:  cfg.Transport.SegmentDir,
		Driver:     factory,
		MaxStreams: cfg.Transport.MaxStreams,
	}, logger)

	acceptor, err := ipc.Listen(cfg.Transport.Kind, cfg.Transport.Address, cfg.Transport.SegmentDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("transport", cfg.Transport.Kind).
		Str("address", cfg.Transport.Address).
		Str("device", cfg.Device.Kind).
		Msg("serving")

	srv := ipc.NewServer(mgr, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, acceptor) })
	if statsInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(statsInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					logger.Info().Int("streams", mgr.Len()).Msg("stats")
					if ev := logger.Debug(); ev.Enabled() {
						var sb strings.Builder
						if err := mgr.Dump(&sb); err != nil {
							ev.Discard()
							return err
						}
						ev.Str("dump", sb.String()).Msg("streams")
					}
				}
			}
		})
	}
	err = g.Wait()

	// Streams whose connections are gone have been released already.
	mgr.ReleaseAll()
	logger.Info().Msg("server stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
