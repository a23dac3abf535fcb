// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import "sync"

// LockedBuffer holds sensitive bytes in memory that is pinned against
// swapping where the platform allows it. Destroy zeroes and unpins it.
type LockedBuffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// NewLockedBuffer copies b into a new pinned buffer and zeroes b.
func NewLockedBuffer(b []byte) *LockedBuffer {
	data := make([]byte, len(b))
	copy(data, b)
	ZeroBytes(b)

	lb := &LockedBuffer{data: data}
	if len(data) > 0 {
		// Pinning is best effort: RLIMIT_MEMLOCK may be too small.
		lb.locked = mlock(data) == nil
	}
	return lb
}

// Bytes returns the protected bytes. The slice is only valid until Destroy.
func (lb *LockedBuffer) Bytes() []byte {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.data
}

// Locked reports whether the buffer is pinned in memory.
func (lb *LockedBuffer) Locked() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.locked
}

// Destroy zeroes the buffer and releases its pin. It is safe to call more
// than once.
func (lb *LockedBuffer) Destroy() {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.data == nil {
		return
	}
	ZeroBytes(lb.data)
	if lb.locked {
		munlock(lb.data) //nolint:errcheck,gosec
	}
	lb.data = nil
	lb.locked = false
}
