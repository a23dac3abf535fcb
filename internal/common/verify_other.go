// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package common

import "errors"

func getBinaryPath(int32) (string, error) {
	return "", errors.New("resolving process binaries is not supported on this platform")
}
