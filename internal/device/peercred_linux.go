// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package device

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// readPeerCredentials returns the SO_PEERCRED identity of the process
// connected to conn.
func readPeerCredentials(conn *net.UnixConn) (*PeerAuthInfo, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("getting raw connection: %w", err)
	}

	var ucred *unix.Ucred
	var credErr error
	if err := rawConn.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("trying to control raw connection: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("failed to get peer credentials: %w", credErr)
	}

	return &PeerAuthInfo{Known: true, PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
