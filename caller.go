// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import "context"

type callerKey struct{}

// WithCaller returns a context acting on behalf of caller. Operations on
// contexts without a caller use the configured default.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller set with WithCaller.
func CallerFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(callerKey{}).(string)
	return c, ok
}

func (v *Vault) caller(ctx context.Context) string {
	if c, ok := CallerFromContext(ctx); ok {
		return c
	}
	return v.options.Caller
}
