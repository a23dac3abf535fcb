// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/avp/internal/store"
	"github.com/carabiner-dev/avp/secrets"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), store.DefaultFilename))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck,gosec
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLiteStore(db),
	}
}

func newTestManager(t *testing.T, s Store, grants map[string][]string) *Manager {
	t.Helper()
	authz, err := NewAuthorizer(nil)
	require.NoError(t, err)
	return NewManager(s, authz, grants)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, s, map[string][]string{"ci": {"dev"}})

			ws, created, err := m.Create(ctx, "dev", "agent")
			require.NoError(t, err)
			require.True(t, created)
			require.Equal(t, StateActive, ws.State)
			require.Equal(t, []string{"agent", "ci"}, ws.Grants)

			// Idempotent by id, the first owner wins.
			again, created, err := m.Create(ctx, "dev", "someone-else")
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, "agent", again.Owner)

			_, err = m.Delete(ctx, "ci", "dev")
			require.ErrorIs(t, err, secrets.ErrAccessDenied)

			deleted, err := m.Delete(ctx, "agent", "dev")
			require.NoError(t, err)
			require.Equal(t, StateDeleted, deleted.State)
			require.NotNil(t, deleted.DeletedAt)

			_, _, err = m.Create(ctx, "dev", "agent")
			require.ErrorIs(t, err, secrets.ErrAccessDenied)

			_, _, err = m.Authorize(ctx, "agent", "dev", ActionRetrieve)
			require.ErrorIs(t, err, secrets.ErrAccessDenied)

			require.ErrorIs(t, m.Forget(ctx, "dev"), secrets.ErrAccessDenied)

			all, err := m.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			require.Equal(t, StateDeleted, all[0].State)
		})
	}
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, s, map[string][]string{
				"agent": {"dev", "staging"},
				"ci":    {"dev"},
			})
			_, _, err := m.Create(ctx, "dev", "agent")
			require.NoError(t, err)
			_, _, err = m.Create(ctx, "prod", "ops")
			require.NoError(t, err)

			for _, tc := range []struct {
				caller, ws string
				action     Action
				allowed    bool
			}{
				{"agent", "dev", ActionRetrieve, true},
				{"agent", "dev", ActionStore, true},
				{"ci", "dev", ActionRotate, true},
				{"ci", "dev", ActionDeleteWorkspace, false},
				{"agent", "prod", ActionRetrieve, false},
				{"agent", "prod", ActionStore, false},
				{"ops", "prod", ActionList, true},
				{"ops", "dev", ActionRetrieve, false},
				{"", "dev", ActionRetrieve, false},
				{"mallory", "nowhere", ActionStore, false},
			} {
				_, _, err := m.Authorize(ctx, tc.caller, tc.ws, tc.action)
				if tc.allowed {
					require.NoError(t, err, "%s %s %s", tc.caller, tc.action, tc.ws)
				} else {
					require.ErrorIs(t, err, secrets.ErrAccessDenied, "%s %s %s", tc.caller, tc.action, tc.ws)
				}
			}
		})
	}
}

func TestCreateOnFirstWrite(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, s, map[string][]string{"agent": {"staging"}, "ci": {"staging"}})

			// Reads do not create.
			_, _, err := m.Authorize(ctx, "agent", "staging", ActionRetrieve)
			require.ErrorIs(t, err, secrets.ErrNotFound)

			ws, created, err := m.Authorize(ctx, "agent", "staging", ActionStore)
			require.NoError(t, err)
			require.True(t, created)
			require.Equal(t, "agent", ws.Owner)
			require.True(t, ws.Granted("ci"))

			_, created, err = m.Authorize(ctx, "ci", "staging", ActionStore)
			require.NoError(t, err)
			require.False(t, created)

			require.NoError(t, m.Forget(ctx, "staging"))
			_, err = m.Get(ctx, "staging")
			require.ErrorIs(t, err, secrets.ErrNotFound)
		})
	}
}

func TestGrantsFixedAtCreation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := newTestManager(t, s, nil)
	_, _, err := m.Create(ctx, "dev", "agent")
	require.NoError(t, err)

	// A later configuration granting ci does not widen an existing workspace.
	m = newTestManager(t, s, map[string][]string{"ci": {"dev"}})
	_, _, err = m.Authorize(ctx, "ci", "dev", ActionRetrieve)
	require.ErrorIs(t, err, secrets.ErrAccessDenied)
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t, NewMemoryStore(), nil)
	m.SetClock(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) })

	_, _, err := m.Create(context.Background(), "../etc", "agent")
	require.ErrorIs(t, err, secrets.ErrInvalidArgument)
	_, _, err = m.Create(context.Background(), "dev", "")
	require.ErrorIs(t, err, secrets.ErrInvalidArgument)

	ws, _, err := m.Create(context.Background(), "dev", "agent")
	require.NoError(t, err)
	require.Equal(t, 2025, ws.CreatedAt.Year())
}

func TestAuthorizerRejectsBadPolicies(t *testing.T) {
	_, err := NewAuthorizer([]byte(`permit(principal, action, resource) when { context.foo == };`))
	require.Error(t, err)
}

func TestCreateFor(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore(), map[string][]string{"ci": {"shared"}})

	ws, created, err := m.CreateFor(ctx, "ops", "tools")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "ops", ws.Owner)
	require.Equal(t, []string{"ops"}, ws.Grants)

	_, _, err = m.CreateFor(ctx, "agent", "shared")
	require.ErrorIs(t, err, secrets.ErrAccessDenied)
	_, _, err = m.CreateFor(ctx, "", "anything")
	require.ErrorIs(t, err, secrets.ErrAccessDenied)

	ws, _, err = m.CreateFor(ctx, "ci", "shared")
	require.NoError(t, err)
	require.Equal(t, "ci", ws.Owner)
}
