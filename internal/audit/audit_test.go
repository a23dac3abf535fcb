// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carabiner-dev/avp/internal/store"
)

type clockedLog interface {
	Log
	SetClock(func() time.Time)
}

func testLogs(t *testing.T) map[string]clockedLog {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), store.DefaultFilename))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck,gosec

	sl, err := NewSQLiteLog(context.Background(), db)
	require.NoError(t, err)
	return map[string]clockedLog{
		"memory": NewMemoryLog(),
		"sqlite": sl,
	}
}

func collect(t *testing.T, l Log, ws string, since time.Time) []Entry {
	t.Helper()
	var out []Entry
	for e, err := range l.Query(context.Background(), ws, since) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestQuery(t *testing.T) {
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for name, l := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Spans several pages.
			n := pageSize*2 + 17
			for i := range n {
				ws := "dev"
				if i%3 == 0 {
					ws = "prod"
				}
				require.NoError(t, l.Record(ctx, Entry{
					Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
					WorkspaceID: ws, SecretName: fmt.Sprintf("k%d", i),
					Action: ActionStore, Result: ResultOK, Caller: "agent",
				}))
			}

			all := collect(t, l, "", time.Time{})
			require.Len(t, all, n)
			for i := 1; i < len(all); i++ {
				require.Greater(t, all[i].Seq, all[i-1].Seq)
				require.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
				require.NotEmpty(t, all[i].ID)
			}

			prod := collect(t, l, "prod", time.Time{})
			require.Len(t, prod, (n+2)/3)
			for _, e := range prod {
				require.Equal(t, "prod", e.WorkspaceID)
			}

			since := base.Add(time.Duration(n-5) * time.Millisecond)
			require.Len(t, collect(t, l, "", since), 5)

			// Restartable: a second range sees the same entries.
			require.Equal(t, prod, collect(t, l, "prod", time.Time{}))
		})
	}
}

func TestQueryIsLazy(t *testing.T) {
	ctx := context.Background()
	for name, l := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			seq := l.Query(ctx, "dev", time.Time{})
			require.NoError(t, l.Record(ctx, Entry{WorkspaceID: "dev", SecretName: "a", Action: ActionRetrieve, Result: ResultOK}))

			var got []Entry
			for e, err := range seq {
				require.NoError(t, err)
				got = append(got, e)
				// Appended while iterating, still on the current page's tail.
				if len(got) == 1 {
					require.NoError(t, l.Record(ctx, Entry{WorkspaceID: "dev", SecretName: "b", Action: ActionRetrieve, Result: ResultOK}))
				}
			}
			require.NotEmpty(t, got)
			require.Equal(t, "a", got[0].SecretName)

			// Early break stops the sequence.
			count := 0
			for range seq {
				count++
				break
			}
			require.Equal(t, 1, count)
		})
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	for name, l := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
			l.SetClock(func() time.Time { return now })
			require.NoError(t, l.Record(ctx, Entry{WorkspaceID: "dev", SecretName: "a", Action: ActionStore, Result: ResultOK}))

			// Wall clock steps back.
			now = now.Add(-time.Hour)
			require.NoError(t, l.Record(ctx, Entry{WorkspaceID: "dev", SecretName: "b", Action: ActionStore, Result: ResultOK}))

			got := collect(t, l, "dev", time.Time{})
			require.Len(t, got, 2)
			require.True(t, got[1].Timestamp.Equal(got[0].Timestamp))
		})
	}
}

func TestConcurrentRecordTotalOrder(t *testing.T) {
	ctx := context.Background()
	for name, l := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, l.Record(ctx, Entry{
						WorkspaceID: "dev", SecretName: fmt.Sprintf("k%d", i), Action: ActionRotate, Result: ResultOK,
					}))
				}()
			}
			wg.Wait()

			got := collect(t, l, "dev", time.Time{})
			require.Len(t, got, 20)
			for i, e := range got {
				require.Equal(t, int64(i+1), e.Seq)
				if i > 0 {
					require.False(t, e.Timestamp.Before(got[i-1].Timestamp))
				}
			}
		})
	}
}

func TestQueryCancelled(t *testing.T) {
	l := NewMemoryLog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range l.Query(ctx, "", time.Time{}) {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestSQLiteLogResumesClock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), store.DefaultFilename)
	db, err := store.Open(path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	future := time.Now().Add(24 * time.Hour).UTC()
	l, err := NewSQLiteLog(ctx, db)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, Entry{Timestamp: future, WorkspaceID: "dev", SecretName: "a", Action: ActionStore, Result: ResultOK}))

	l2, err := NewSQLiteLog(ctx, db)
	require.NoError(t, err)
	require.NoError(t, l2.Record(ctx, Entry{WorkspaceID: "dev", SecretName: "b", Action: ActionStore, Result: ResultOK}))

	got := collect(t, l2, "dev", time.Time{})
	require.Len(t, got, 2)
	require.False(t, got[1].Timestamp.Before(got[0].Timestamp))
}
