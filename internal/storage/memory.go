package storage

import (
	"context"
	"sync"

	"github.com/funnyzak/reqsnipe/pkg/request"
)

// MemoryStore keeps everything in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	values      map[string]string
	attempts    []*request.Attempt
	maxAttempts int
}

// NewMemoryStore creates a memory store retaining at most maxAttempts attempts (0 = unlimited).
func NewMemoryStore(maxAttempts int) *MemoryStore {
	return &MemoryStore{
		values:      make(map[string]string),
		maxAttempts: maxAttempts,
	}
}

func (m *MemoryStore) Get(_ context.Context, key, def string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, attempt *request.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, attempt)
	if m.maxAttempts > 0 && len(m.attempts) > m.maxAttempts {
		m.attempts = m.attempts[len(m.attempts)-m.maxAttempts:]
	}
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, limit int) ([]*request.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*request.Attempt, 0, len(m.attempts))
	for i := len(m.attempts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.attempts[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
