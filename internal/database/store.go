// Package database persists engine state: bots, learning models, risk and
// autonomy configuration. Records are JSON documents addressed by key.
// Memory, Redis and PostgreSQL backends share the Store interface.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by DeleteRecord for unknown keys
var ErrNotFound = errors.New("record not found")

// Store is a JSON document store. LoadRecord decodes into v, which may be
// pre-filled with defaults: fields absent from the stored document keep
// their current value. It reports false when the key does not exist.
type Store interface {
	LoadRecord(ctx context.Context, key string, v interface{}) (bool, error)
	SaveRecord(ctx context.Context, key string, v interface{}) error
	DeleteRecord(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// BotKeyPrefix prefixes every bot record
const BotKeyPrefix = "bot:"

// BotKey is the record key of a bot
func BotKey(id string) string {
	return BotKeyPrefix + id
}

func encode(key string, v interface{}) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return data, nil
}

func decode(key string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// MemoryStore keeps encoded records in a map. Values round-trip through
// JSON so callers see the same merge semantics as the persistent stores.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// LoadRecord decodes the record at key into v
func (m *MemoryStore) LoadRecord(_ context.Context, key string, v interface{}) (bool, error) {
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decode(key, data, v)
}

// SaveRecord encodes v and stores it at key
func (m *MemoryStore) SaveRecord(_ context.Context, key string, v interface{}) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}
	m.put(key, data)
	return nil
}

func (m *MemoryStore) put(key string, data []byte) {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
}

func (m *MemoryStore) get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	return data, ok
}

// DeleteRecord removes key
func (m *MemoryStore) DeleteRecord(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	delete(m.data, key)
	return nil
}

// ListKeys returns the keys starting with prefix, sorted
func (m *MemoryStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
