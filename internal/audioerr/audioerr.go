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

// Package audioerr defines the error taxonomy shared by the audio buffer,
// the stream endpoint and the IPC layer, and its mapping onto the status
// codes carried across the control connection.
package audioerr

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidParam reports malformed arguments such as bad buffer
	// geometry.
	ErrInvalidParam = errors.New("invalid param")
	// ErrNullObject reports a missing required object. It is an
	// ErrInvalidParam.
	ErrNullObject = fmt.Errorf("%w: null object", ErrInvalidParam)
	// ErrIllegalState reports an operation the current state does not
	// permit.
	ErrIllegalState = errors.New("illegal state")
	// ErrOperationFailed reports a device or driver failure.
	ErrOperationFailed = errors.New("operation failed")
	// ErrOutOfRange reports a span index or frame position outside the
	// buffer.
	ErrOutOfRange = errors.New("out of range")
	// ErrDeadObject reports that the remote end of a stream is gone.
	ErrDeadObject = errors.New("dead object")
	// ErrUnsupported reports a request the server does not implement.
	ErrUnsupported = errors.New("not supported")
)

// Code returns the wire code for err. nil maps to codes.OK and errors outside
// the taxonomy map to codes.Unknown.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrInvalidParam):
		return codes.InvalidArgument
	case errors.Is(err, ErrIllegalState):
		return codes.FailedPrecondition
	case errors.Is(err, ErrOperationFailed):
		return codes.Internal
	case errors.Is(err, ErrOutOfRange):
		return codes.OutOfRange
	case errors.Is(err, ErrDeadObject):
		return codes.Unavailable
	case errors.Is(err, ErrUnsupported):
		return codes.Unimplemented
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// ToStatus converts err into a status for the wire.
func ToStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(Code(err), err.Error())
}

// FromStatus rebuilds an error from a wire code and message so that
// errors.Is matches the sentinel the server returned.
func FromStatus(code codes.Code, msg string) error {
	var sentinel error
	switch code {
	case codes.OK:
		return nil
	case codes.InvalidArgument:
		sentinel = ErrInvalidParam
		if strings.Contains(msg, ErrNullObject.Error()) {
			sentinel = ErrNullObject
		}
	case codes.FailedPrecondition:
		sentinel = ErrIllegalState
	case codes.Internal:
		sentinel = ErrOperationFailed
	case codes.OutOfRange:
		sentinel = ErrOutOfRange
	case codes.Unavailable:
		sentinel = ErrDeadObject
	case codes.Unimplemented:
		sentinel = ErrUnsupported
	default:
		return status.Error(code, msg)
	}
	return &remoteError{sentinel: sentinel, msg: msg}
}

// remoteError carries the server's message while matching the sentinel.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string {
	if e.msg == "" {
		return e.sentinel.Error()
	}
	return e.msg
}

func (e *remoteError) Unwrap() error { return e.sentinel }

// GRPCStatus lets status.FromError recover the wire status.
func (e *remoteError) GRPCStatus() *status.Status {
	return status.New(Code(e.sentinel), e.Error())
}
