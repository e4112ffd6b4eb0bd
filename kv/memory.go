package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used for tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]json.RawMessage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, p Path, out any) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	m.mu.RLock()
	raw, ok := m.nodes[p.String()]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode %s: %w", p, err)
	}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, p Path, v any) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	m.mu.Lock()
	m.nodes[p.String()] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Create(_ context.Context, p Path, v any) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", p, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[p.String()]; exists {
		return false, nil
	}
	m.nodes[p.String()] = raw
	return true, nil
}

func (m *MemoryStore) Update(_ context.Context, p Path, fields map[string]any) error {
	if err := p.Validate(); err != nil {
		return err
	}
	patch := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", p, k, err)
		}
		patch[k] = raw
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := map[string]json.RawMessage{}
	if cur, ok := m.nodes[p.String()]; ok {
		// a non-object document is replaced, matching the postgres merge
		if err := json.Unmarshal(cur, &doc); err != nil || doc == nil {
			doc = map[string]json.RawMessage{}
		}
	}
	for k, v := range patch {
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	m.nodes[p.String()] = raw
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, p Path) error {
	if err := p.Validate(); err != nil {
		return err
	}
	key := p.String()
	prefix := key + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.nodes {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(m.nodes, k)
		}
	}
	return nil
}

func (m *MemoryStore) FirstChild(ctx context.Context, p Path) (string, bool, error) {
	names, err := m.Children(ctx, p)
	if err != nil || len(names) == 0 {
		return "", false, err
	}
	return names[0], true, nil
}

func (m *MemoryStore) LastChild(ctx context.Context, p Path) (string, bool, error) {
	names, err := m.Children(ctx, p)
	if err != nil || len(names) == 0 {
		return "", false, err
	}
	return names[len(names)-1], true, nil
}

func (m *MemoryStore) Children(_ context.Context, p Path) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	prefix := p.String() + "/"
	m.mu.RLock()
	var names []string
	for k := range m.nodes {
		if rest, ok := strings.CutPrefix(k, prefix); ok && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	m.mu.RUnlock()
	sort.Slice(names, func(i, j int) bool { return lessKey(names[i], names[j]) })
	return names, nil
}

// Len reports the number of stored nodes.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}
