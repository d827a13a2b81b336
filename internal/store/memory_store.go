package store

import (
	"context"
	"sync"
)

// MemoryShardStore implements ShardStore in memory. It backs shards with no
// configured external store and keeps tests free of infrastructure.
type MemoryShardStore struct {
	mu          sync.RWMutex
	assignments map[string]string
	history     map[string][]*HistoryRecord
}

// NewMemoryShardStore creates an in-memory shard store.
func NewMemoryShardStore() *MemoryShardStore {
	return &MemoryShardStore{
		assignments: make(map[string]string),
		history:     make(map[string][]*HistoryRecord),
	}
}

// SaveRealmAssignment records the user's realm.
func (s *MemoryShardStore) SaveRealmAssignment(_ context.Context, userKey, realm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[userKey] = realm
	return nil
}

// RealmAssignment returns the user's recorded realm.
func (s *MemoryShardStore) RealmAssignment(_ context.Context, userKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	realm, ok := s.assignments[userKey]
	if !ok {
		return "", ErrNotFound
	}
	return realm, nil
}

// AppendHistory appends a terminal query outcome, newest first.
func (s *MemoryShardStore) AppendHistory(_ context.Context, rec *HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append([]*HistoryRecord{rec}, s.history[rec.UserKey]...)
	if len(recs) > historyMaxLen {
		recs = recs[:historyMaxLen]
	}
	s.history[rec.UserKey] = recs
	return nil
}

// History returns the most recent records for a user, newest first.
func (s *MemoryShardStore) History(_ context.Context, userKey string, limit int) ([]*HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[userKey]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]*HistoryRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryShardStore) Ping(context.Context) error { return nil }

// Close releases nothing.
func (s *MemoryShardStore) Close() error { return nil }
