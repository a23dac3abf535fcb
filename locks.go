// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package avp

import (
	"sync"

	"github.com/carabiner-dev/avp/secrets"
)

// lockTable hands out reader/writer locks by key. Entries are reference
// counted and dropped when the last holder unlocks.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*tableLock
}

type tableLock struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*tableLock{}}
}

func (t *lockTable) get(key string) *tableLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &tableLock{}
		t.locks[key] = l
	}
	l.refs++
	return l
}

func (t *lockTable) put(key string, l *tableLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

// lock takes key exclusively and returns the matching unlock.
func (t *lockTable) lock(key string) func() {
	l := t.get(key)
	l.Lock()
	return func() {
		l.Unlock()
		t.put(key, l)
	}
}

// rlock takes key shared and returns the matching unlock.
func (t *lockTable) rlock(key string) func() {
	l := t.get(key)
	l.RLock()
	return func() {
		l.RUnlock()
		t.put(key, l)
	}
}

// Workspace locks are always taken before secret locks.

func workspaceKey(id string) string { return "ws:" + id }

func secretKey(ref secrets.Ref) string { return "secret:" + ref.ID() }
