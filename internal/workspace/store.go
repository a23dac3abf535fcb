// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/carabiner-dev/avp/internal/store"
	"github.com/carabiner-dev/avp/secrets"
)

var (
	_ Store = &MemoryStore{}
	_ Store = &SQLiteStore{}
)

// MemoryStore keeps workspaces in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Workspace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]*Workspace{}}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.data[id]
	if !ok {
		return nil, notFound(id)
	}
	return ws.clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ws.ID] = ws.clone()
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return notFound(id)
	}
	delete(m.data, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workspace, 0, len(m.data))
	for _, id := range slices.Sorted(maps.Keys(m.data)) {
		out = append(out, m.data[id].clone())
	}
	return out, nil
}

// SQLiteStore keeps workspaces in the catalog database.
type SQLiteStore struct {
	db *store.DB
}

// NewSQLiteStore returns a Store over db. The database is owned by the
// caller.
func NewSQLiteStore(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Workspace, error) {
	rec, err := s.db.GetWorkspace(ctx, id)
	if err != nil {
		return nil, wrapStore(id, err)
	}
	return fromRecord(rec)
}

func (s *SQLiteStore) Put(ctx context.Context, ws *Workspace) error {
	return wrapStore(ws.ID, s.db.PutWorkspace(ctx, &store.WorkspaceRecord{
		ID:        ws.ID,
		Owner:     ws.Owner,
		State:     ws.State.String(),
		Grants:    ws.Grants,
		CreatedAt: ws.CreatedAt,
		DeletedAt: ws.DeletedAt,
	}))
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	return wrapStore(id, s.db.DeleteWorkspace(ctx, id))
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Workspace, error) {
	recs, err := s.db.ListWorkspaces(ctx)
	if err != nil {
		return nil, wrapStore("", err)
	}
	out := make([]*Workspace, 0, len(recs))
	for _, rec := range recs {
		ws, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, nil
}

func fromRecord(rec *store.WorkspaceRecord) (*Workspace, error) {
	state, err := ParseState(rec.State)
	if err != nil {
		return nil, fmt.Errorf("%w: workspace %q: %w", secrets.ErrBackendUnavailable, rec.ID, err)
	}
	grants := slices.Clone(rec.Grants)
	slices.Sort(grants)
	return &Workspace{
		ID:        rec.ID,
		Owner:     rec.Owner,
		State:     state,
		Grants:    grants,
		CreatedAt: rec.CreatedAt,
		DeletedAt: rec.DeletedAt,
	}, nil
}

func wrapStore(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(id)
	default:
		return fmt.Errorf("%w: %w", secrets.ErrBackendUnavailable, err)
	}
}
