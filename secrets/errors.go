// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"errors"
	"strings"
)

// Kind classifies a vault failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindCorruptEnvelope
	KindAuthenticationFailure
	KindAccessDenied
	KindPresenceRequired
	KindDeviceNotPresent
	KindBackendUnavailable
	KindAlreadyExists
	KindCancelled
	KindNotFound
	KindInvalidArgument
)

// Sentinel errors for each failure kind. Backends and the vault wrap these,
// callers test them with errors.Is.
var (
	ErrCorruptEnvelope       = errors.New("corrupt envelope")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrAccessDenied          = errors.New("access denied")
	ErrPresenceRequired      = errors.New("physical presence required")
	ErrDeviceNotPresent      = errors.New("device not present")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrAlreadyExists         = errors.New("secret already exists")
	ErrCancelled             = errors.New("operation cancelled")
	ErrNotFound              = errors.New("secret not found")
	ErrInvalidArgument       = errors.New("invalid argument")

	// ErrTransport marks a failure of the channel to a backend (a socket
	// that refused the connection, a device that dropped off the bus).
	// Errors carrying it may be retried.
	ErrTransport = errors.New("transport failure")
)

var kinds = []struct {
	kind Kind
	err  error
	name string
}{
	{KindCorruptEnvelope, ErrCorruptEnvelope, "CorruptEnvelope"},
	{KindAuthenticationFailure, ErrAuthenticationFailure, "AuthenticationFailure"},
	{KindAccessDenied, ErrAccessDenied, "AccessDenied"},
	{KindPresenceRequired, ErrPresenceRequired, "PresenceRequired"},
	{KindDeviceNotPresent, ErrDeviceNotPresent, "DeviceNotPresent"},
	{KindBackendUnavailable, ErrBackendUnavailable, "BackendUnavailable"},
	{KindAlreadyExists, ErrAlreadyExists, "AlreadyExists"},
	{KindCancelled, ErrCancelled, "Cancelled"},
	{KindNotFound, ErrNotFound, "NotFound"},
	{KindInvalidArgument, ErrInvalidArgument, "InvalidArgument"},
}

func (k Kind) String() string {
	for _, e := range kinds {
		if e.kind == k {
			return e.name
		}
	}
	return "Unknown"
}

// KindOf returns the kind of the first sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, e := range kinds {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// IsTransient reports whether err is a transport failure worth retrying.
// Cryptographic and authorization failures are never transient.
func IsTransient(err error) bool {
	if !errors.Is(err, ErrTransport) {
		return false
	}
	switch KindOf(err) {
	case KindAuthenticationFailure, KindCorruptEnvelope, KindAccessDenied, KindCancelled:
		return false
	}
	return true
}

// Error carries the context of a failed vault operation. The wrapped error
// holds the kind sentinel. Messages never contain secret material.
type Error struct {
	Op        string
	Workspace string
	Name      string
	Backend   BackendKind
	Err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Workspace != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Workspace)
		if e.Name != "" {
			sb.WriteString("/")
			sb.WriteString(e.Name)
		}
	}
	if e.Backend != BackendUnknown {
		sb.WriteString(" (")
		sb.WriteString(e.Backend.String())
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the failure kind of the wrapped error.
func (e *Error) Kind() Kind { return KindOf(e.Err) }
