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

package ipc

import "fmt"

// Interface tokens written at the head of every request parcel.
const (
	StreamToken  = "ohaudio.IpcStream"
	ServiceToken = "ohaudio.AudioService"
)

// MessageCode selects the stream operation carried by a REQUEST frame. The
// numbering is part of the wire contract; append only.
type MessageCode uint16

const (
	CodeRegisterStreamListener MessageCode = iota
	CodeResolveBuffer
	CodeUpdatePosition
	CodeGetAudioSessionID
	CodeStart
	CodePause
	CodeStop
	CodeRelease
	CodeFlush
	CodeDrain
	CodeUpdatePlaybackCaptureConfig
	CodeGetAudioTime
	CodeGetAudioPosition
	CodeGetLatency
	CodeSetRate
	CodeGetRate
	CodeSetLowPowerVolume
	CodeGetLowPowerVolume
	CodeSetAudioEffectMode
	CodeGetAudioEffectMode
	CodeSetPrivacyType
	CodeGetPrivacyType
	codeStreamMax
)

// CodeCreateStream is the service-level request that must open every
// connection.
const CodeCreateStream MessageCode = 0x100

var codeNames = [...]string{
	CodeRegisterStreamListener:      "RegisterStreamListener",
	CodeResolveBuffer:               "ResolveBuffer",
	CodeUpdatePosition:              "UpdatePosition",
	CodeGetAudioSessionID:           "GetAudioSessionID",
	CodeStart:                       "Start",
	CodePause:                       "Pause",
	CodeStop:                        "Stop",
	CodeRelease:                     "Release",
	CodeFlush:                       "Flush",
	CodeDrain:                       "Drain",
	CodeUpdatePlaybackCaptureConfig: "UpdatePlaybackCaptureConfig",
	CodeGetAudioTime:                "GetAudioTime",
	CodeGetAudioPosition:            "GetAudioPosition",
	CodeGetLatency:                  "GetLatency",
	CodeSetRate:                     "SetRate",
	CodeGetRate:                     "GetRate",
	CodeSetLowPowerVolume:           "SetLowPowerVolume",
	CodeGetLowPowerVolume:           "GetLowPowerVolume",
	CodeSetAudioEffectMode:          "SetAudioEffectMode",
	CodeGetAudioEffectMode:          "GetAudioEffectMode",
	CodeSetPrivacyType:              "SetPrivacyType",
	CodeGetPrivacyType:              "GetPrivacyType",
}

func (c MessageCode) String() string {
	if c == CodeCreateStream {
		return "CreateStream"
	}
	if c < codeStreamMax {
		return codeNames[c]
	}
	return fmt.Sprintf("MessageCode(%d)", uint16(c))
}

// EventCode identifies a listener callback pushed from server to client in
// an EVENT frame.
type EventCode uint16

const (
	EventStart EventCode = iota + 1
	EventPause
	EventStop
	EventRelease
	EventUpdateHandleInfo
)

func (c EventCode) String() string {
	switch c {
	case EventStart:
		return "start"
	case EventPause:
		return "pause"
	case EventStop:
		return "stop"
	case EventRelease:
		return "release"
	case EventUpdateHandleInfo:
		return "update-handle-info"
	default:
		return fmt.Sprintf("EventCode(%d)", uint16(c))
	}
}
