// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package device

import (
	"errors"
	"net"
)

func readPeerCredentials(*net.UnixConn) (*PeerAuthInfo, error) {
	return nil, errors.New("peer credentials are not supported on this platform")
}
