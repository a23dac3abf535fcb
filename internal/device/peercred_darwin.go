// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package device

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// readPeerCredentials returns the LOCAL_PEERCRED identity of the process
// connected to conn. The macOS API does not report the peer's PID.
func readPeerCredentials(conn *net.UnixConn) (*PeerAuthInfo, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("getting raw connection: %w", err)
	}

	var xucred *unix.Xucred
	var credErr error
	if err := rawConn.Control(func(fd uintptr) {
		xucred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("trying to control raw connection: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("failed to get peer credentials: %w", credErr)
	}

	return &PeerAuthInfo{Known: true, UID: xucred.Uid, GID: xucred.Groups[0]}, nil
}
