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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohaudio/audiostream/internal/audioerr"
)

func TestParcelPreservesFieldOrder(t *testing.T) {
	p := NewParcel()
	p.WriteInterfaceToken(StreamToken)
	p.WriteUint64(1 << 40)
	p.WriteInt64(-7)
	p.WriteInt32(-1)
	p.WriteFloat(0.25)
	p.WriteBool(true)
	p.WriteString("")
	p.WriteString("span")

	r := NewReader(p.Bytes())
	require.NoError(t, r.CheckInterfaceToken(StreamToken))
	assert.Equal(t, uint64(1<<40), r.ReadUint64())
	assert.Equal(t, int64(-7), r.ReadInt64())
	assert.Equal(t, int32(-1), r.ReadInt32())
	assert.Equal(t, float32(0.25), r.ReadFloat())
	assert.True(t, r.ReadBool())
	assert.Equal(t, "", r.ReadString())
	assert.Equal(t, "span", r.ReadString())
	assert.NoError(t, r.Err())
}

func TestReaderErrorSticks(t *testing.T) {
	p := NewParcel()
	p.WriteUint32(7)

	r := NewReader(p.Bytes())
	assert.Equal(t, uint32(7), r.ReadUint32())
	assert.Zero(t, r.ReadUint64())
	assert.ErrorIs(t, r.Err(), ErrShortParcel)
	// Later reads keep failing even if they would fit.
	assert.Zero(t, r.ReadUint32())
	assert.ErrorIs(t, r.Err(), ErrShortParcel)
}

func TestReaderRejectsOversizedString(t *testing.T) {
	p := NewParcel()
	p.WriteUint32(1 << 30)
	p.WriteUint32(0)

	r := NewReader(p.Bytes())
	assert.Equal(t, "", r.ReadString())
	assert.ErrorIs(t, r.Err(), ErrShortParcel)
}

func TestCheckInterfaceToken(t *testing.T) {
	p := NewParcel()
	p.WriteInterfaceToken(ServiceToken)
	err := NewReader(p.Bytes()).CheckInterfaceToken(StreamToken)
	assert.ErrorIs(t, err, audioerr.ErrInvalidParam)

	err = NewReader(nil).CheckInterfaceToken(StreamToken)
	assert.ErrorIs(t, err, audioerr.ErrInvalidParam)
	assert.ErrorIs(t, err, ErrShortParcel)
}

func TestMessageCodeNames(t *testing.T) {
	assert.Equal(t, "RegisterStreamListener", CodeRegisterStreamListener.String())
	assert.Equal(t, "GetPrivacyType", CodeGetPrivacyType.String())
	assert.Equal(t, "CreateStream", CodeCreateStream.String())
	assert.Equal(t, "MessageCode(99)", MessageCode(99).String())
	assert.Equal(t, "update-handle-info", EventUpdateHandleInfo.String())
}
