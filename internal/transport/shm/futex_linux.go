//go:build linux && (amd64 || arm64)

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

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operations. The shared (non-private) variants are used because
// the waiter and the waker usually live in different processes that map the
// same file.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// FutexWait blocks while *addr == val, until woken, interrupted or the
// timeout elapses. A timeout <= 0 waits forever. Spurious returns are
// possible; callers re-check their condition. ErrFutexTimeout is returned
// when the timeout elapsed.
func FutexWait(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check before entering the kernel so a wake between the caller's
	// snapshot and the syscall is not lost.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsPtr uintptr
	var ts unix.Timespec
	if timeout > 0 {
		ts = unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = uintptr(unsafe.Pointer(&ts))
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		tsPtr,
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many were
// woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
