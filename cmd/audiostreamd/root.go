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
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ohaudio/audiostream/internal/config"
	"github.com/ohaudio/audiostream/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "audiostreamd",
	Short: "Shared-memory audio stream server and tools",
	Long: `audiostreamd hosts audio streams whose PCM data moves through a
span-indexed ring buffer shared with the client process. Control calls
(start, pause, stop, release, position queries) travel over a unix socket
or a shared-memory control segment.

Commands:
  - serve:   run the stream server
  - probe:   create a stream as a client and push or pull a few spans
  - inspect: print a live buffer or measure control ring capacity
  - config:  write the default configuration file`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging, os.Stderr)
		return err
	},
}

var configCmd = &cobra.Command{
	Use:   "config <path>",
	Short: "Write the default configuration to path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Default().WriteFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (env AUDIOSTREAM_* overrides)")
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
