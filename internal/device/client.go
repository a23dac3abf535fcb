// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the secure element service. Errors are returned as gRPC
// status errors.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// SocketPath extracts the socket path of a unix address, accepting both
// plain paths and unix:// URLs.
func SocketPath(address string) string {
	return strings.TrimPrefix(address, "unix://")
}

// Dial connects to the element listening on the unix socket at address.
func Dial(address string) (*grpc.ClientConn, error) {
	path := SocketPath(address)

	// Custom dialer for Unix domain sockets
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}

	// Use "passthrough" as the scheme, the actual connection is made by
	// the custom dialer
	conn, err := grpc.NewClient(
		"passthrough:///unix",
		grpc.WithTransportCredentials(NewPeerCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial device: %w", err)
	}
	return conn, nil
}

// Info fetches the device description.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method("Info"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return &Info{
		DeviceID:        stringField(out, "device_id"),
		Firmware:        stringField(out, "firmware"),
		SecureElement:   stringField(out, "secure_element"),
		SlotsUsed:       int(uint64Field(out, "slots_used")),  //nolint:gosec
		SlotsTotal:      int(uint64Field(out, "slots_total")), //nolint:gosec
		Locked:          out.GetFields()["locked"].GetBoolValue(),
		Tamper:          out.GetFields()["tamper"].GetBoolValue(),
		PINAttemptsLeft: int(uint64Field(out, "pin_attempts_left")), //nolint:gosec
	}, nil
}

// Unlock submits the device PIN.
func (c *Client) Unlock(ctx context.Context, pin string) error {
	in, err := structpb.NewStruct(map[string]any{"pin": pin})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, method("Unlock"), in, &emptypb.Empty{})
}

// Seal encrypts plaintext in slot on the device.
func (c *Client) Seal(ctx context.Context, slot string, version uint64, plaintext []byte) (ciphertext, nonce []byte, err error) {
	in, err := structpb.NewStruct(map[string]any{
		"slot":      slot,
		"version":   float64(version),
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, nil, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method("Seal"), in, out); err != nil {
		return nil, nil, err
	}
	if ciphertext, err = bytesField(out, "ciphertext"); err != nil {
		return nil, nil, err
	}
	if nonce, err = bytesField(out, "nonce"); err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

// AwaitPresence asks the device to wait for a touch of its button.
func (c *Client) AwaitPresence(ctx context.Context, timeout time.Duration) ([]byte, error) {
	in, err := structpb.NewStruct(map[string]any{"timeout_ms": float64(timeout.Milliseconds())})
	if err != nil {
		return nil, err
	}
	out := &wrapperspb.BytesValue{}
	if err := c.conn.Invoke(ctx, method("AwaitPresence"), in, out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Open decrypts a sealed value, spending a presence token.
func (c *Client) Open(ctx context.Context, slot string, version uint64, ciphertext, nonce, token []byte) ([]byte, error) {
	in, err := structpb.NewStruct(map[string]any{
		"slot":       slot,
		"version":    float64(version),
		"ciphertext": base64.StdEncoding.EncodeToString(ciphertext),
		"nonce":      base64.StdEncoding.EncodeToString(nonce),
		"token":      base64.StdEncoding.EncodeToString(token),
	})
	if err != nil {
		return nil, err
	}
	out := &wrapperspb.BytesValue{}
	if err := c.conn.Invoke(ctx, method("Open"), in, out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Release frees a slot on the device.
func (c *Client) Release(ctx context.Context, slot string) error {
	return c.conn.Invoke(ctx, method("Release"), wrapperspb.String(slot), &emptypb.Empty{})
}

// Claim reserves a slot on the device.
func (c *Client) Claim(ctx context.Context, slot string) error {
	return c.conn.Invoke(ctx, method("Claim"), wrapperspb.String(slot), &emptypb.Empty{})
}

// Touch presses the emulated presence button and returns the number of
// requests it confirmed.
func (c *Client) Touch(ctx context.Context) (int, error) {
	out := &wrapperspb.Int32Value{}
	if err := c.conn.Invoke(ctx, method("Touch"), &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}
