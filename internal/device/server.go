// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/chainguard-dev/clog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/carabiner-dev/avp/internal/common"
)

// ServerOptions configures the device daemon.
type ServerOptions struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string

	// AllowedClients lists SHA256 digests of client executables allowed to
	// talk to the device. Empty allows any process of the same user.
	AllowedClients []string
}

// Server exposes an Element on a unix socket.
type Server struct {
	options    ServerOptions
	element    *Element
	grpcServer *grpc.Server
}

// NewServer creates a daemon for el.
func NewServer(el *Element, opts ServerOptions) *Server {
	return &Server{options: opts, element: el}
}

// Run serves the element until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	path := SocketPath(s.options.SocketPath)

	// Remove existing socket file if it already exists
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	defer listener.Close() //nolint:errcheck

	// Set socket permissions to be restrictive (owner only)
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	// Create gRPC server with custom credentials to extract peer info
	s.grpcServer = grpc.NewServer(
		grpc.Creds(NewPeerCredentials()),
		grpc.UnaryInterceptor(s.authorize),
	)
	Register(s.grpcServer, s.element)

	info := s.element.Info()
	clog.FromContext(ctx).Infof("secure element %s listening on %s", info.DeviceID, path)

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	if err := s.grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// authorize only admits processes of the daemon's own user and, when an
// allow list is configured, running one of the allowed binaries.
func (s *Server) authorize(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	peer, err := GetPeerAuthInfo(ctx)
	if err != nil || !peer.Known {
		return nil, status.Error(codes.PermissionDenied, "unable to identify client")
	}

	if int(peer.UID) != os.Getuid() {
		clog.FromContext(ctx).Warnf("rejected %s from uid %d", info.FullMethod, peer.UID)
		return nil, status.Error(codes.PermissionDenied, "client belongs to another user")
	}

	if len(s.options.AllowedClients) > 0 {
		path, err := common.VerifyClientBinary(peer.PID, s.options.AllowedClients)
		if err != nil {
			clog.FromContext(ctx).Warnf("rejected %s: %v", info.FullMethod, err)
			return nil, status.Error(codes.PermissionDenied, "client binary is not allowed")
		}
		clog.FromContext(ctx).Debugf("%s from %s (pid %d)", info.FullMethod, path, peer.PID)
	}

	return handler(ctx, req)
}
