// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package common

import "golang.org/x/sys/unix"

func mlock(b []byte) error {
	return unix.Mlock(b)
}

func munlock(b []byte) error {
	return unix.Munlock(b)
}
