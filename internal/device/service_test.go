// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startBufconn(t *testing.T, el *Element) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, el)
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck,gosec
	return NewClient(conn)
}

func TestServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	el, err := NewElement(Config{PIN: "4321", AutoConfirm: true})
	require.NoError(t, err)
	client := startBufconn(t, el)

	info, err := client.Info(ctx)
	require.NoError(t, err)
	require.True(t, info.Locked)
	require.Equal(t, DefaultSlots, info.SlotsTotal)
	require.Equal(t, el.Info().DeviceID, info.DeviceID)

	_, _, err = client.Seal(ctx, "dev/key", 1, []byte("v"))
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	err = client.Unlock(ctx, "0000")
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.NoError(t, client.Unlock(ctx, "4321"))

	ct, nonce, err := client.Seal(ctx, "dev/key", 7, []byte("sk-ant-test"))
	require.NoError(t, err)

	token, err := client.AwaitPresence(ctx, time.Second)
	require.NoError(t, err)
	pt, err := client.Open(ctx, "dev/key", 7, ct, nonce, token)
	require.NoError(t, err)
	require.Equal(t, "sk-ant-test", string(pt))

	ct[0] ^= 0xff
	token, err = client.AwaitPresence(ctx, time.Second)
	require.NoError(t, err)
	_, err = client.Open(ctx, "dev/key", 7, ct, nonce, token)
	require.Equal(t, codes.DataLoss, status.Code(err))

	require.NoError(t, client.Release(ctx, "dev/key"))
	require.NoError(t, client.Claim(ctx, "dev/key"))
}

func TestServicePresenceTouch(t *testing.T) {
	ctx := context.Background()
	el, err := NewElement(Config{})
	require.NoError(t, err)
	client := startBufconn(t, el)

	_, err = client.AwaitPresence(ctx, 10*time.Millisecond)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	done := make(chan error, 1)
	go func() {
		_, err := client.AwaitPresence(ctx, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return el.Pending() == 1 }, 2*time.Second, time.Millisecond)
	n, err := client.Touch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, <-done)
}

func TestServerUnixSocket(t *testing.T) {
	el, err := NewElement(Config{AutoConfirm: true})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "se.sock")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- NewServer(el, ServerOptions{SocketPath: socket}).Run(ctx) }()

	conn, err := Dial("unix://" + socket)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck
	client := NewClient(conn)

	require.Eventually(t, func() bool {
		_, err := client.Info(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
}

func TestServerRejectsUnknownBinary(t *testing.T) {
	el, err := NewElement(Config{AutoConfirm: true})
	require.NoError(t, err)

	socket := filepath.Join(t.TempDir(), "se.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewServer(el, ServerOptions{SocketPath: socket, AllowedClients: []string{"0000"}}).Run(ctx) //nolint:errcheck

	conn, err := Dial(socket)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck
	client := NewClient(conn)

	require.Eventually(t, func() bool {
		_, err := client.Info(context.Background())
		return status.Code(err) == codes.PermissionDenied
	}, 5*time.Second, 20*time.Millisecond)
}
