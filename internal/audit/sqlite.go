// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/carabiner-dev/avp/internal/store"
)

var _ Log = &SQLiteLog{}

// SQLiteLog persists the audit log in the catalog database.
type SQLiteLog struct {
	mu  sync.Mutex
	seq sequencer
	db  *store.DB
}

// NewSQLiteLog returns a log appending to db. The database is owned by the
// caller and is not closed by Close.
func NewSQLiteLog(ctx context.Context, db *store.DB) (*SQLiteLog, error) {
	last, err := db.LastAuditTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	return &SQLiteLog{
		db:  db,
		seq: sequencer{now: time.Now, last: last},
	}, nil
}

// SetClock replaces the log's time source.
func (l *SQLiteLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq.now = now
}

func (l *SQLiteLog) Record(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq.stamp(&e)
	if _, err := l.db.AppendAudit(ctx, &store.AuditRecord{
		ID:          e.ID,
		Timestamp:   e.Timestamp,
		WorkspaceID: e.WorkspaceID,
		SecretName:  e.SecretName,
		Action:      string(e.Action),
		Result:      string(e.Result),
		Caller:      e.Caller,
		Version:     e.Version,
	}); err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	l.seq.commit(e)
	return nil
}

func (l *SQLiteLog) Query(ctx context.Context, workspace string, since time.Time) iter.Seq2[Entry, error] {
	return query(ctx, workspace, since, l.page)
}

func (l *SQLiteLog) page(ctx context.Context, workspace string, since time.Time, after int64, limit int) ([]Entry, error) {
	recs, err := l.db.AuditPage(ctx, workspace, since, after, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, Entry{
			Seq:         r.Seq,
			ID:          r.ID,
			Timestamp:   r.Timestamp,
			WorkspaceID: r.WorkspaceID,
			SecretName:  r.SecretName,
			Action:      Action(r.Action),
			Result:      Result(r.Result),
			Caller:      r.Caller,
			Version:     r.Version,
		})
	}
	return entries, nil
}

func (l *SQLiteLog) Close() error { return nil }
