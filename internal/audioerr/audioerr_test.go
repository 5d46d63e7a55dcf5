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

package audioerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNullObjectIsInvalidParam(t *testing.T) {
	assert.ErrorIs(t, ErrNullObject, ErrInvalidParam)
	assert.NotErrorIs(t, ErrInvalidParam, ErrNullObject)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{ErrInvalidParam, codes.InvalidArgument},
		{fmt.Errorf("register: %w", ErrNullObject), codes.InvalidArgument},
		{fmt.Errorf("start: %w", ErrIllegalState), codes.FailedPrecondition},
		{ErrOperationFailed, codes.Internal},
		{ErrOutOfRange, codes.OutOfRange},
		{ErrDeadObject, codes.Unavailable},
		{ErrUnsupported, codes.Unimplemented},
		{status.Error(codes.Canceled, "gone"), codes.Canceled},
		{errors.New("plain"), codes.Unknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "Code(%v)", tt.err)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	sentinels := []error{
		ErrInvalidParam,
		ErrNullObject,
		ErrIllegalState,
		ErrOperationFailed,
		ErrOutOfRange,
		ErrDeadObject,
		ErrUnsupported,
	}
	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			local := fmt.Errorf("endpoint 7: %w", sentinel)
			st := ToStatus(local)

			remote := FromStatus(st.Code(), st.Message())
			require.Error(t, remote)
			assert.ErrorIs(t, remote, sentinel)
			assert.Equal(t, local.Error(), remote.Error())

			back, ok := status.FromError(remote)
			require.True(t, ok)
			assert.Equal(t, st.Code(), back.Code())
		})
	}
}

func TestFromStatusOK(t *testing.T) {
	assert.NoError(t, FromStatus(codes.OK, ""))
	assert.Equal(t, codes.OK, ToStatus(nil).Code())
}

func TestFromStatusUnknownCode(t *testing.T) {
	err := FromStatus(codes.Aborted, "aborted")
	require.Error(t, err)
	assert.Equal(t, codes.Aborted, status.Code(err))
}
