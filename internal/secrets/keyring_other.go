// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package secrets

import (
	"fmt"

	"github.com/carabiner-dev/avp/secrets"
)

// NewKeyringStorage always returns an error on platforms without a
// supported protected store.
func NewKeyringStorage(_, _ string) (secrets.Storage, error) {
	return nil, fmt.Errorf("%w: no OS keyring support on this platform", secrets.ErrBackendUnavailable)
}
