package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps records in process memory. Update is serialised and
// writes are staged until the closure returns nil.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{base: m.records, staged: make(map[string][]byte), deleted: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	for key := range tx.deleted {
		delete(m.records, key)
	}
	for key, val := range tx.staged {
		m.records[key] = val
	}
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTx{base: m.records, readOnly: true})
}

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of committed records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

type memoryTx struct {
	base     map[string][]byte
	staged   map[string][]byte
	deleted  map[string]bool
	readOnly bool
}

func (t *memoryTx) lookup(key string) ([]byte, bool) {
	if v, ok := t.staged[key]; ok {
		return v, true
	}
	if t.deleted[key] {
		return nil, false
	}
	v, ok := t.base[key]
	return v, ok
}

func (t *memoryTx) Get(key string, out any) error {
	raw, ok := t.lookup(key)
	if !ok {
		return ErrNotFound
	}
	return Decode(raw, out)
}

func (t *memoryTx) Put(key string, v any) error {
	if t.readOnly {
		return errReadOnly
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	delete(t.deleted, key)
	t.staged[key] = data
	return nil
}

func (t *memoryTx) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	delete(t.staged, key)
	t.deleted[key] = true
	return nil
}

func (t *memoryTx) Scan(prefix string, fn func(key string, raw []byte) error) error {
	seen := make(map[string]bool)
	var keys []string
	for key := range t.base {
		if strings.HasPrefix(key, prefix) && !t.deleted[key] {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	for key := range t.staged {
		if strings.HasPrefix(key, prefix) && !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw, _ := t.lookup(key)
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	return nil
}
