// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", DefaultFilename)
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck,gosec
	return db, path
}

func TestOpenPermissions(t *testing.T) {
	_, path := openTest(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWorkspaces(t *testing.T) {
	ctx := context.Background()
	db, path := openTest(t)

	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.PutWorkspace(ctx, &WorkspaceRecord{
		ID: "dev", Owner: "agent", State: "active", Grants: []string{"ci", "agent"}, CreatedAt: created,
	}))
	require.NoError(t, db.PutWorkspace(ctx, &WorkspaceRecord{
		ID: "alpha", Owner: "ops", State: "active", Grants: []string{"ops"}, CreatedAt: created,
	}))

	rec, err := db.GetWorkspace(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "agent", rec.Owner)
	require.Equal(t, []string{"agent", "ci"}, rec.Grants)
	require.True(t, created.Equal(rec.CreatedAt))
	require.Nil(t, rec.DeletedAt)

	deleted := created.Add(time.Hour)
	rec.State = "deleted"
	rec.DeletedAt = &deleted
	rec.Grants = []string{"agent"}
	require.NoError(t, db.PutWorkspace(ctx, rec))

	// Survives reopening.
	require.NoError(t, db.Close())
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	rec, err = db.GetWorkspace(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "deleted", rec.State)
	require.Equal(t, []string{"agent"}, rec.Grants)
	require.NotNil(t, rec.DeletedAt)
	require.True(t, deleted.Equal(*rec.DeletedAt))

	all, err := db.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].ID)

	require.NoError(t, db.DeleteWorkspace(ctx, "alpha"))
	_, err = db.GetWorkspace(ctx, "alpha")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, db.DeleteWorkspace(ctx, "alpha"), ErrNotFound)
}

func TestAuditPaging(t *testing.T) {
	ctx := context.Background()
	db, _ := openTest(t)

	last, err := db.LastAuditTimestamp(ctx)
	require.NoError(t, err)
	require.True(t, last.IsZero())

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := range 10 {
		ws := "dev"
		if i%2 == 1 {
			ws = "prod"
		}
		seq, err := db.AppendAudit(ctx, &AuditRecord{
			ID: fmt.Sprintf("id-%d", i), Timestamp: base.Add(time.Duration(i) * time.Second),
			WorkspaceID: ws, SecretName: "key", Action: "store", Result: "ok", Caller: "agent", Version: uint64(i),
		})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), seq)
	}

	last, err = db.LastAuditTimestamp(ctx)
	require.NoError(t, err)
	require.True(t, base.Add(9*time.Second).Equal(last))

	page, err := db.AuditPage(ctx, "dev", time.Time{}, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, []int64{1, 3, 5}, []int64{page[0].Seq, page[1].Seq, page[2].Seq})

	page, err = db.AuditPage(ctx, "dev", time.Time{}, page[2].Seq, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)

	page, err = db.AuditPage(ctx, "", base.Add(8*time.Second), 0, 100)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "id-8", page[0].ID)
	require.Equal(t, uint64(9), page[1].Version)
}

func TestAuditAppendOnly(t *testing.T) {
	ctx := context.Background()
	db, _ := openTest(t)

	_, err := db.AppendAudit(ctx, &AuditRecord{
		ID: "only", Timestamp: time.Now(), WorkspaceID: "dev", SecretName: "key",
		Action: "retrieve", Result: "ok", Caller: "agent",
	})
	require.NoError(t, err)

	_, err = db.db.ExecContext(ctx, `UPDATE audit_log SET result = 'denied'`)
	require.ErrorContains(t, err, "append-only")

	_, err = db.db.ExecContext(ctx, `DELETE FROM audit_log`)
	require.ErrorContains(t, err, "append-only")

	page, err := db.AuditPage(ctx, "dev", time.Time{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "ok", page[0].Result)
}
