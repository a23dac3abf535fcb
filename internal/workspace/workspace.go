// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages the isolated namespaces secrets live in and
// decides which callers may reach them.
package workspace

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/carabiner-dev/avp/secrets"
)

// State is the lifecycle state of a workspace. Deleted is terminal.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "uninitialized":
		return StateUninitialized, nil
	case "active":
		return StateActive, nil
	case "deleted":
		return StateDeleted, nil
	}
	return StateUninitialized, fmt.Errorf("unknown workspace state %q", s)
}

// Action is an operation subject to authorization.
type Action string

const (
	ActionRetrieve        Action = "retrieve"
	ActionStore           Action = "store"
	ActionRotate          Action = "rotate"
	ActionDelete          Action = "delete"
	ActionList            Action = "list"
	ActionDeleteWorkspace Action = "workspace:delete"
)

// Workspace is an isolated namespace of secrets.
type Workspace struct {
	ID        string     `json:"id" yaml:"id"`
	Owner     string     `json:"owner" yaml:"owner"`
	State     State      `json:"state" yaml:"state"`
	Grants    []string   `json:"grants" yaml:"grants"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Granted reports whether caller was granted access to the workspace.
func (w *Workspace) Granted(caller string) bool {
	_, found := slices.BinarySearch(w.Grants, caller)
	return found
}

func (w *Workspace) clone() *Workspace {
	c := *w
	c.Grants = slices.Clone(w.Grants)
	if w.DeletedAt != nil {
		t := *w.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Store persists workspaces.
type Store interface {
	// Get returns secrets.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Workspace, error)
	Put(ctx context.Context, ws *Workspace) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Workspace, error)
}

func notFound(id string) error {
	return fmt.Errorf("%w: workspace %q", secrets.ErrNotFound, id)
}
