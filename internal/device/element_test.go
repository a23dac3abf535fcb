// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestElementSealOpen(t *testing.T) {
	el, err := NewElement(Config{AutoConfirm: true})
	require.NoError(t, err)

	ct, nonce, err := el.Seal("dev/key", 1, []byte("sk-ant-test"))
	require.NoError(t, err)
	require.Equal(t, 1, el.Info().SlotsUsed)

	token, err := el.AwaitPresence(context.Background(), time.Second)
	require.NoError(t, err)

	pt, err := el.Open("dev/key", 1, ct, nonce, token)
	require.NoError(t, err)
	require.Equal(t, "sk-ant-test", string(pt))

	// Tokens are single use
	_, err = el.Open("dev/key", 1, ct, nonce, token)
	require.ErrorIs(t, err, ErrInvalidToken)

	// Wrong version or slot fails authentication
	token, err = el.AwaitPresence(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = el.Open("dev/key", 2, ct, nonce, token)
	require.ErrorIs(t, err, ErrOpen)
}

func TestElementPresence(t *testing.T) {
	el, err := NewElement(Config{})
	require.NoError(t, err)

	_, err = el.AwaitPresence(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrPresenceTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = el.AwaitPresence(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	done := make(chan error, 1)
	go func() {
		_, err := el.AwaitPresence(context.Background(), time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return el.Pending() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, el.Touch())
	require.NoError(t, <-done)
	require.Equal(t, 0, el.Pending())
}

func TestElementTokenExpiry(t *testing.T) {
	el, err := NewElement(Config{AutoConfirm: true, TokenTTL: time.Second})
	require.NoError(t, err)
	now := time.Now()
	el.now = func() time.Time { return now }

	ct, nonce, err := el.Seal("dev/key", 1, []byte("v"))
	require.NoError(t, err)
	token, err := el.AwaitPresence(context.Background(), time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = el.Open("dev/key", 1, ct, nonce, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestElementPINWipe(t *testing.T) {
	el, err := NewElement(Config{PIN: "1234", AutoConfirm: true})
	require.NoError(t, err)
	require.True(t, el.Info().Locked)

	_, _, err = el.Seal("dev/key", 1, []byte("v"))
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, el.Unlock("1234"))
	ct, nonce, err := el.Seal("dev/key", 1, []byte("v"))
	require.NoError(t, err)

	require.ErrorIs(t, el.Unlock("0000"), ErrWrongPIN)
	require.ErrorIs(t, el.Unlock("1111"), ErrWrongPIN)
	require.ErrorIs(t, el.Unlock("2222"), ErrWiped)

	info := el.Info()
	require.True(t, info.Tamper)
	require.True(t, info.Locked)
	require.Zero(t, info.SlotsUsed)

	// The new master key cannot open what the old one sealed
	require.NoError(t, el.Unlock("1234"))
	token, err := el.AwaitPresence(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = el.Open("dev/key", 1, ct, nonce, token)
	require.ErrorIs(t, err, ErrOpen)
}

func TestElementLock(t *testing.T) {
	el, err := NewElement(Config{PIN: "1234", AutoConfirm: true})
	require.NoError(t, err)
	require.NoError(t, el.Unlock("1234"))
	ct, nonce, err := el.Seal("dev/key", 1, []byte("v"))
	require.NoError(t, err)
	token, err := el.AwaitPresence(context.Background(), time.Second)
	require.NoError(t, err)

	el.Lock()
	require.True(t, el.Info().Locked)
	_, err = el.Open("dev/key", 1, ct, nonce, token)
	require.ErrorIs(t, err, ErrLocked)

	// The token survives the refusal.
	require.NoError(t, el.Unlock("1234"))
	pt, err := el.Open("dev/key", 1, ct, nonce, token)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), pt)

	// Without a PIN there is nothing to lock.
	open, err := NewElement(Config{})
	require.NoError(t, err)
	open.Lock()
	require.False(t, open.Info().Locked)
}

func TestElementSlots(t *testing.T) {
	el, err := NewElement(Config{Slots: 2})
	require.NoError(t, err)

	_, _, err = el.Seal("a", 1, []byte("v"))
	require.NoError(t, err)
	_, _, err = el.Seal("b", 1, []byte("v"))
	require.NoError(t, err)
	_, _, err = el.Seal("a", 2, []byte("v"))
	require.NoError(t, err, "resealing an occupied slot")
	_, _, err = el.Seal("c", 1, []byte("v"))
	require.ErrorIs(t, err, ErrSlotsExhausted)

	require.NoError(t, el.Release("a"))
	require.NoError(t, el.Claim("c"))
	require.Equal(t, 2, el.Info().SlotsUsed)
}

func TestNewElementRejectsShortPIN(t *testing.T) {
	_, err := NewElement(Config{PIN: "12"})
	require.Error(t, err)
	_, err = NewElement(Config{PIN: "abcd"})
	require.Error(t, err)
}

func TestToStatus(t *testing.T) {
	for err, code := range map[error]codes.Code{
		ErrLocked:                          codes.PermissionDenied,
		ErrWiped:                           codes.Unauthenticated,
		ErrOpen:                            codes.DataLoss,
		ErrPresenceTimeout:                 codes.FailedPrecondition,
		ErrSlotsExhausted:                  codes.ResourceExhausted,
		context.Canceled:                   codes.Canceled,
		fmt.Errorf("wrapped: %w", ErrOpen): codes.DataLoss,
		errors.New("boom"):                 codes.Internal,
	} {
		require.Equal(t, code, status.Code(toStatus(err)), "%v", err)
	}
}
