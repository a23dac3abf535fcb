// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// peerCredentials implements GRPC's credentials.TransportCredentials
// for Unix sockets. The server side records the kernel reported identity
// of the connecting process.
type peerCredentials struct{}

// NewPeerCredentials creates transport credentials that extract peer info
func NewPeerCredentials() credentials.TransportCredentials {
	return &peerCredentials{}
}

func (c *peerCredentials) ClientHandshake(ctx context.Context, authority string, rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return rawConn, &PeerAuthInfo{}, nil
}

// ServerHandshake extracts the peer credentials of the socket. Connections
// that are not unix sockets, or whose credentials cannot be read, get an
// empty PeerAuthInfo and are turned away by the authorization interceptor.
func (c *peerCredentials) ServerHandshake(rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	unixConn, ok := rawConn.(*net.UnixConn)
	if !ok {
		return rawConn, &PeerAuthInfo{}, nil
	}

	info, err := readPeerCredentials(unixConn)
	if err != nil {
		return rawConn, &PeerAuthInfo{}, nil
	}

	return rawConn, info, nil
}

func (c *peerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{
		SecurityProtocol: "unix",
		SecurityVersion:  "1.0",
	}
}

func (c *peerCredentials) Clone() credentials.TransportCredentials {
	return &peerCredentials{}
}

func (c *peerCredentials) OverrideServerName(string) error {
	return nil
}

// PeerAuthInfo contains the identity of the process on the other end of
// the socket.
type PeerAuthInfo struct {
	Known bool
	PID   int32
	UID   uint32
	GID   uint32
}

func (a *PeerAuthInfo) AuthType() string {
	return "unix-peercred"
}

// GetPeerAuthInfo extracts PeerAuthInfo from context
func GetPeerAuthInfo(ctx context.Context) (*PeerAuthInfo, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no peer in context")
	}

	authInfo, ok := p.AuthInfo.(*PeerAuthInfo)
	if !ok {
		return nil, fmt.Errorf("auth info is not PeerAuthInfo, got %T", p.AuthInfo)
	}

	return authInfo, nil
}
