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

package endpoint

import (
	"fmt"

	"github.com/ohaudio/audiostream/internal/audioerr"
)

// Rate is the render speed of a stream.
type Rate int32

const (
	RateNormal Rate = iota
	RateDouble
	RateHalf
)

// EffectMode selects the effect chain applied to a stream.
type EffectMode int32

const (
	EffectNone EffectMode = iota
	EffectDefault
)

// PrivacyType controls whether a stream may be captured by others.
type PrivacyType int32

const (
	PrivacyPublic PrivacyType = iota
	PrivacyPrivate
)

// Each setter validates and stores one field. There is no atomicity across
// fields.

func (e *Endpoint) SetRate(r Rate) error {
	if r < RateNormal || r > RateHalf {
		return fmt.Errorf("rate %d: %w", r, audioerr.ErrInvalidParam)
	}
	e.settingsMu.Lock()
	e.rate = r
	e.settingsMu.Unlock()
	return nil
}

func (e *Endpoint) GetRate() Rate {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.rate
}

// SetLowPowerVolume sets a volume in [0, 1] applied while the system is in
// low power mode.
func (e *Endpoint) SetLowPowerVolume(v float32) error {
	if v < 0 || v > 1 || v != v {
		return fmt.Errorf("low power volume %v: %w", v, audioerr.ErrInvalidParam)
	}
	e.settingsMu.Lock()
	e.lowPowerVolume = v
	e.settingsMu.Unlock()
	return nil
}

func (e *Endpoint) GetLowPowerVolume() float32 {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.lowPowerVolume
}

func (e *Endpoint) SetAudioEffectMode(m EffectMode) error {
	if m != EffectNone && m != EffectDefault {
		return fmt.Errorf("effect mode %d: %w", m, audioerr.ErrInvalidParam)
	}
	e.settingsMu.Lock()
	e.effectMode = m
	e.settingsMu.Unlock()
	return nil
}

func (e *Endpoint) GetAudioEffectMode() EffectMode {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.effectMode
}

func (e *Endpoint) SetPrivacyType(p PrivacyType) error {
	if p != PrivacyPublic && p != PrivacyPrivate {
		return fmt.Errorf("privacy type %d: %w", p, audioerr.ErrInvalidParam)
	}
	e.settingsMu.Lock()
	e.privacyType = p
	e.settingsMu.Unlock()
	return nil
}

func (e *Endpoint) GetPrivacyType() PrivacyType {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.privacyType
}
