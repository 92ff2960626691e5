// Package feature provides FeatureClient implementations that resolve a user
// id to its embedding: an in-memory map, a BadgerDB-backed store and a
// caching wrapper for any client.
package feature

import (
	"context"
	"sync"

	"github.com/patrikhermansson/recall/core"
	"github.com/patrikhermansson/recall/recall"
)

// Memory is a map-backed feature store.
type Memory struct {
	mu   sync.RWMutex
	vecs map[int64][]float32
}

// NewMemory returns an empty in-memory feature store.
func NewMemory() *Memory {
	return &Memory{vecs: make(map[int64][]float32)}
}

// Put stores a copy of the embedding of userID.
func (m *Memory) Put(userID int64, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vecs[userID] = core.CopyVector(vec)
}

// Lookup returns a copy of the embedding of userID.
func (m *Memory) Lookup(ctx context.Context, userID int64) ([]float32, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	vec, ok := m.vecs[userID]
	if !ok {
		return nil, false, nil
	}
	return core.CopyVector(vec), true, nil
}

// Len returns the number of stored users.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vecs)
}

var _ recall.FeatureClient = (*Memory)(nil)
