// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/carabiner-dev/avp/secrets"
)

var _ secrets.Storage = &MemoryStorage{}

// MemoryStorage is an in-memory implementation of the secrets.Storage interface.
// It stores sealed envelopes in a map protected by a mutex for thread safety.
type MemoryStorage struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string][]byte),
	}
}

// Store persists a blob in memory.
func (m *MemoryStorage) Store(ctx context.Context, id string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[id] = bytes.Clone(blob)
	return nil
}

// Get retrieves a blob from memory by its ID.
func (m *MemoryStorage) Get(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, exists := m.data[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	}

	return bytes.Clone(blob), nil
}

// Delete removes a blob from memory by its id.
func (m *MemoryStorage) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[id]; !exists {
		return fmt.Errorf("%w: %s", secrets.ErrNotFound, id)
	}
	delete(m.data, id)
	return nil
}

// List returns the stored ids starting with prefix.
func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := []string{}
	for id := range m.data {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
