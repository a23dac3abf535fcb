// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"

	"github.com/carabiner-dev/avp/internal/common"
	"github.com/carabiner-dev/avp/secrets"
)

// KeySealer seals with AES-256-GCM under a key held in host memory.
type KeySealer struct {
	key *common.LockedBuffer
}

// NewKeySealer takes ownership of key. The caller's slice is zeroed.
func NewKeySealer(key []byte) *KeySealer {
	return &KeySealer{key: common.NewLockedBuffer(key)}
}

func (s *KeySealer) Seal(_ context.Context, ref secrets.Ref, version uint64, plaintext []byte) ([]byte, []byte, error) {
	key := s.key.Bytes()
	if key == nil {
		return nil, nil, fmt.Errorf("%w: backend is closed", secrets.ErrBackendUnavailable)
	}
	return common.Seal(key, plaintext, AdditionalData(ref, version))
}

func (s *KeySealer) Open(_ context.Context, env *secrets.Envelope) ([]byte, error) {
	key := s.key.Bytes()
	if key == nil {
		return nil, fmt.Errorf("%w: backend is closed", secrets.ErrBackendUnavailable)
	}
	pt, err := common.Open(key, env.Ciphertext, env.Nonce, AdditionalData(env.Ref(), env.Version))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", secrets.ErrAuthenticationFailure, err)
	}
	return pt, nil
}

// Close zeroes the key.
func (s *KeySealer) Close() error {
	s.key.Destroy()
	return nil
}
