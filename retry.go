// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/carabiner-dev/avp/secrets"
)

// retry runs fn until it succeeds or fails with an error that is not a
// transient transport failure. Attempts are spaced with exponential
// backoff and jitter as configured.
func retry[T any](ctx context.Context, v *Vault, fn func(context.Context) (T, error)) (T, error) {
	cfg := v.options.Retry
	attempts := max(cfg.Attempts, 1)
	delay := cfg.BaseDelay

	var (
		res T
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = fn(ctx)
		if err == nil || !secrets.IsTransient(err) {
			return res, err
		}
		if attempt == attempts {
			break
		}

		wait := delay
		if cfg.Jitter > 0 {
			wait += time.Duration(rand.Float64() * cfg.Jitter * float64(delay)) //nolint:gosec
		}
		clog.FromContext(ctx).Debugf("attempt %d/%d failed, retrying in %s: %v", attempt, attempts, wait, err)
		v.metrics.Retry(v.backend.Kind().String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, fmt.Errorf("%w: %w", secrets.ErrCancelled, ctx.Err())
		case <-timer.C:
		}

		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
	return res, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

// retryErr is retry for functions without a result.
func retryErr(ctx context.Context, v *Vault, fn func(context.Context) error) error {
	_, err := retry(ctx, v, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
