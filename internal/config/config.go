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

// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ohaudio/audiostream/internal/endpoint"
)

// EnvPrefix prefixes environment overrides, e.g. AUDIOSTREAM_LOGGING_LEVEL.
const EnvPrefix = "AUDIOSTREAM"

// Config holds the complete daemon configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Buffer    BufferConfig    `mapstructure:"buffer" yaml:"buffer"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// TransportConfig describes the control connection.
type TransportConfig struct {
	Kind           string        `mapstructure:"kind" yaml:"kind"` // unix or shm
	Address        string        `mapstructure:"address" yaml:"address"`
	SegmentDir     string        `mapstructure:"segment_dir" yaml:"segment_dir"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MaxStreams     int           `mapstructure:"max_streams" yaml:"max_streams"`
}

// BufferConfig holds the stream geometry and format used by clients.
type BufferConfig struct {
	TotalFrames uint32 `mapstructure:"total_frames" yaml:"total_frames"`
	SpanFrames  uint32 `mapstructure:"span_frames" yaml:"span_frames"`
	SampleRate  uint32 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels    uint32 `mapstructure:"channels" yaml:"channels"`
	Format      string `mapstructure:"format" yaml:"format"`
}

// DeviceConfig selects the driver the server opens per stream.
type DeviceConfig struct {
	Kind          string  `mapstructure:"kind" yaml:"kind"` // null, wav or tone
	OutputDir     string  `mapstructure:"output_dir" yaml:"output_dir"`
	ToneHz        float64 `mapstructure:"tone_hz" yaml:"tone_hz"`
	LatencyFrames uint64  `mapstructure:"latency_frames" yaml:"latency_frames"`
	Realtime      bool    `mapstructure:"realtime" yaml:"realtime"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Transport: TransportConfig{
			Kind:           "unix",
			Address:        filepath.Join(os.TempDir(), "audiostream.sock"),
			ConnectTimeout: 5 * time.Second,
		},
		Buffer: BufferConfig{
			TotalFrames: 1920,
			SpanFrames:  480,
			SampleRate:  48000,
			Channels:    2,
			Format:      endpoint.FormatS16LE.String(),
		},
		Device: DeviceConfig{
			Kind:          "null",
			OutputDir:     ".",
			ToneHz:        440,
			LatencyFrames: 480,
			Realtime:      true,
		},
	}
}

// Load reads path, if not empty, over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.address", d.Transport.Address)
	v.SetDefault("transport.segment_dir", d.Transport.SegmentDir)
	v.SetDefault("transport.connect_timeout", d.Transport.ConnectTimeout)
	v.SetDefault("transport.max_streams", d.Transport.MaxStreams)
	v.SetDefault("buffer.total_frames", d.Buffer.TotalFrames)
	v.SetDefault("buffer.span_frames", d.Buffer.SpanFrames)
	v.SetDefault("buffer.sample_rate", d.Buffer.SampleRate)
	v.SetDefault("buffer.channels", d.Buffer.Channels)
	v.SetDefault("buffer.format", d.Buffer.Format)
	v.SetDefault("device.kind", d.Device.Kind)
	v.SetDefault("device.output_dir", d.Device.OutputDir)
	v.SetDefault("device.tone_hz", d.Device.ToneHz)
	v.SetDefault("device.latency_frames", d.Device.LatencyFrames)
	v.SetDefault("device.realtime", d.Device.Realtime)
}

// Validate checks the enumerated fields. Buffer geometry is checked when a
// stream is configured.
func (c *Config) Validate() error {
	var errs []error
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want console or json", c.Logging.Format))
	}
	switch c.Transport.Kind {
	case "unix", "shm":
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q: want unix or shm", c.Transport.Kind))
	}
	if c.Transport.Address == "" {
		errs = append(errs, errors.New("transport.address is required"))
	}
	switch c.Device.Kind {
	case "null", "wav", "tone":
	default:
		errs = append(errs, fmt.Errorf("device.kind %q: want null, wav or tone", c.Device.Kind))
	}
	if _, err := endpoint.ParseSampleFormat(c.Buffer.Format); err != nil {
		errs = append(errs, fmt.Errorf("buffer.format: %w", err))
	}
	return errors.Join(errs...)
}

// SampleFormat returns the parsed buffer.format.
func (c *Config) SampleFormat() endpoint.SampleFormat {
	f, err := endpoint.ParseSampleFormat(c.Buffer.Format)
	if err != nil {
		return endpoint.FormatS16LE
	}
	return f
}

// WriteFile writes c as YAML, creating parent directories.
func (c *Config) WriteFile(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
