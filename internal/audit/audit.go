// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

// Package audit records every access to the vault in an append-only log.
//
// Appends are totally ordered: each log hands out strictly increasing
// sequence numbers and never lets a timestamp go backwards, so reading in
// sequence order is reading in time order.
package audit

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is the audited operation.
type Action string

const (
	ActionRetrieve Action = "retrieve"
	ActionStore    Action = "store"
	ActionRotate   Action = "rotate"
	ActionDelete   Action = "delete"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultOK     Result = "ok"
	ResultDenied Result = "denied"
	ResultError  Result = "error"
)

// Entry is one audit record.
type Entry struct {
	Seq         int64     `json:"seq" yaml:"seq"`
	ID          string    `json:"id" yaml:"id"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	WorkspaceID string    `json:"workspace_id" yaml:"workspace_id"`
	SecretName  string    `json:"secret_name" yaml:"secret_name"`
	Action      Action    `json:"action" yaml:"action"`
	Result      Result    `json:"result" yaml:"result"`
	Caller      string    `json:"caller,omitempty" yaml:"caller,omitempty"`
	Version     uint64    `json:"version,omitempty" yaml:"version,omitempty"`
}

// Log is an append-only audit log.
type Log interface {
	// Record appends an entry. An error means the entry was not persisted
	// and the audited operation must not be considered done.
	Record(ctx context.Context, e Entry) error

	// Query returns the entries of workspace at or after since, oldest
	// first. An empty workspace matches all of them. Entries are fetched
	// lazily and every range over the sequence starts from the beginning.
	Query(ctx context.Context, workspace string, since time.Time) iter.Seq2[Entry, error]

	Close() error
}

// pageSize is how many entries a query fetches at a time.
const pageSize = 128

// pageFunc returns up to limit entries with a sequence number above after.
type pageFunc func(ctx context.Context, workspace string, since time.Time, after int64, limit int) ([]Entry, error)

// query builds a lazy sequence on top of a keyset pager.
func query(ctx context.Context, workspace string, since time.Time, page pageFunc) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			entries, err := page(ctx, workspace, since, after, pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(entries) < pageSize {
				return
			}
		}
	}
}

// sequencer stamps entries with ids and non-decreasing timestamps. Callers
// hold the log's append lock.
type sequencer struct {
	now  func() time.Time
	last time.Time
}

func (s *sequencer) stamp(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Timestamp.Before(s.last) {
		e.Timestamp = s.last
	}
}

// commit is called once the entry is persisted.
func (s *sequencer) commit(e Entry) {
	s.last = e.Timestamp
}

var _ Log = &MemoryLog{}

// MemoryLog keeps the audit log in process memory.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     sequencer
	entries []Entry
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{seq: sequencer{now: time.Now}}
}

// SetClock replaces the log's time source.
func (l *MemoryLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq.now = now
}

func (l *MemoryLog) Record(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq.stamp(&e)
	e.Seq = int64(len(l.entries)) + 1
	l.entries = append(l.entries, e)
	l.seq.commit(e)
	return nil
}

func (l *MemoryLog) Query(ctx context.Context, workspace string, since time.Time) iter.Seq2[Entry, error] {
	return query(ctx, workspace, since, l.page)
}

func (l *MemoryLog) page(_ context.Context, workspace string, since time.Time, after int64, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	// Seq n lives at index n-1.
	for i := int(after); i < len(l.entries) && len(out) < limit; i++ {
		e := l.entries[i]
		if workspace != "" && e.WorkspaceID != workspace {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLog) Close() error { return nil }
