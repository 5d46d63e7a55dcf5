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

package device

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/ohaudio/audiostream/internal/audioerr"
	"github.com/ohaudio/audiostream/internal/endpoint"
)

// wavSink records a rendered stream to a WAV file.
type wavSink struct {
	path   string
	file   *os.File
	enc    *wav.Encoder
	format endpoint.SampleFormat
	buf    *audio.IntBuffer
}

func newWavSink(dir string, cfg endpoint.ProcessConfig) (*wavSink, error) {
	depth, err := bitDepth(cfg.Stream.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("stream-%d-%s.wav", cfg.App.PID, uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	rate, channels := int(cfg.Stream.SampleRate), int(cfg.Stream.Channels)
	return &wavSink{
		path:   path,
		file:   f,
		enc:    wav.NewEncoder(f, rate, depth, channels, 1),
		format: cfg.Stream.Format,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
			SourceBitDepth: depth,
		},
	}, nil
}

func (s *wavSink) write(p []byte) error {
	s.buf.Data = decodeSamples(s.format, p, s.buf.Data[:0])
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("write wav %s: %w", s.path, err)
	}
	return nil
}

// close finalizes the header sizes and closes the file.
func (s *wavSink) close() error {
	err := s.enc.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// toneSource generates a sine wave for capture streams.
type toneSource struct {
	format    endpoint.SampleFormat
	channels  int
	width     int
	fullScale int
	step      float64 // phase advance per frame
	phase     float64
	buf       *audio.IntBuffer
}

func newToneSource(cfg endpoint.ProcessConfig, hz float64) (*toneSource, error) {
	if hz <= 0 || hz >= float64(cfg.Stream.SampleRate)/2 {
		return nil, fmt.Errorf("tone %.1f Hz at %d Hz: %w", hz, cfg.Stream.SampleRate, audioerr.ErrInvalidParam)
	}
	depth := 24 // float output is generated at 24-bit resolution
	if cfg.Stream.Format != endpoint.FormatF32LE {
		var err error
		if depth, err = bitDepth(cfg.Stream.Format); err != nil {
			return nil, err
		}
	}
	return &toneSource{
		format:    cfg.Stream.Format,
		channels:  int(cfg.Stream.Channels),
		width:     int(endpoint.BytesPerSample(cfg.Stream.Format)),
		fullScale: 1<<(depth-1) - 1,
		step:      2 * math.Pi * hz / float64(cfg.Stream.SampleRate),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: int(cfg.Stream.SampleRate), NumChannels: int(cfg.Stream.Channels)},
			SourceBitDepth: depth,
		},
	}, nil
}

// readSpan fills p with the next frames of the tone at half scale.
func (t *toneSource) readSpan(p []byte) error {
	frames := len(p) / (t.width * t.channels)
	t.buf.Data = t.buf.Data[:0]
	for f := 0; f < frames; f++ {
		v := int(math.Sin(t.phase) * float64(t.fullScale) / 2)
		if t.format == endpoint.FormatU8 {
			v += 128
		}
		for c := 0; c < t.channels; c++ {
			t.buf.Data = append(t.buf.Data, v)
		}
		t.phase = math.Mod(t.phase+t.step, 2*math.Pi)
	}
	for i, v := range t.buf.Data {
		encodeSample(t.format, p[i*t.width:], v, t.fullScale)
	}
	return nil
}

func (t *toneSource) close() error { return nil }
