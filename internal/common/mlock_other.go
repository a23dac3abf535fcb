// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package common

import "errors"

func mlock([]byte) error {
	return errors.New("memory locking is not supported on this platform")
}

func munlock([]byte) error {
	return nil
}
