// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"github.com/carabiner-dev/avp/internal/common"
	"github.com/carabiner-dev/avp/secrets"
)

// Secret is a retrieved plaintext value. It lives in memory pinned against
// swapping where the platform allows it and must be released as soon as
// the caller is done with it.
type Secret struct {
	ref secrets.Ref
	buf *common.LockedBuffer
}

func newSecret(ref secrets.Ref, plaintext []byte) *Secret {
	return &Secret{ref: ref, buf: common.NewLockedBuffer(plaintext)}
}

// Ref returns the workspace and name the secret was retrieved from.
func (s *Secret) Ref() secrets.Ref { return s.ref }

// Bytes returns the plaintext. The slice is zeroed by Release.
func (s *Secret) Bytes() []byte { return s.buf.Bytes() }

// Value returns a copy of the plaintext as a string. Strings cannot be
// wiped, prefer Bytes where the consumer accepts a byte slice.
func (s *Secret) Value() string { return string(s.buf.Bytes()) }

// Release zeroes the plaintext. It is safe to call more than once.
func (s *Secret) Release() { s.buf.Destroy() }

// String identifies the secret without its value.
func (s *Secret) String() string { return "avp.Secret(" + s.ref.ID() + ", redacted)" }

// GoString keeps %#v from printing the buffer.
func (s *Secret) GoString() string { return s.String() }
