package store

import (
	"context"
	"fmt"
	"sync"
)

// Set routes shard ids to their backing stores. Shards without an explicit
// backend share a process-local in-memory store.
type Set struct {
	mu       sync.RWMutex
	byShard  map[string]ShardStore
	fallback ShardStore
}

// NewSet creates a store set over the given shard stores.
func NewSet(byShard map[string]ShardStore) *Set {
	if byShard == nil {
		byShard = make(map[string]ShardStore)
	}
	return &Set{
		byShard:  byShard,
		fallback: NewMemoryShardStore(),
	}
}

// ForShard returns the store backing the shard id. Resolution is total:
// undeclared shards land on the in-memory fallback.
func (s *Set) ForShard(shardID string) ShardStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.byShard[shardID]; ok {
		return st
	}
	return s.fallback
}

// Ping checks every configured backend.
func (s *Set) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, st := range s.byShard {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("shard %s: %w", id, err)
		}
	}
	return nil
}

// Close closes every configured backend.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, st := range s.byShard {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
