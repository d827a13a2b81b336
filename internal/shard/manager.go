package shard

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager maps a stable user identifier to a persistence shard by longest
// matching key prefix, falling back to a default shard. The mapping is
// total: ShardFor never fails, since persistence must always have
// somewhere to write.
type Manager struct {
	mu           sync.RWMutex
	prefixes     map[string]string
	sorted       []string // prefixes longest-first for deterministic lookup
	defaultShard string
	logger       *zap.Logger
}

// NewManager creates a shard manager from a prefix table and default shard.
func NewManager(prefixes map[string]string, defaultShard string, logger *zap.Logger) *Manager {
	m := &Manager{
		defaultShard: defaultShard,
		logger:       logger,
	}
	m.install(prefixes)
	return m
}

// ShardFor resolves a user key to a shard id. Unmapped keys resolve to the
// default shard.
func (m *Manager) ShardFor(userKey string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, prefix := range m.sorted {
		if len(userKey) >= len(prefix) && userKey[:len(prefix)] == prefix {
			return m.prefixes[prefix]
		}
	}
	return m.defaultShard
}

// DefaultShard returns the fallback shard id.
func (m *Manager) DefaultShard() string {
	return m.defaultShard
}

// Mapping returns a copy of the current prefix table.
func (m *Manager) Mapping() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.prefixes))
	for k, v := range m.prefixes {
		out[k] = v
	}
	return out
}

// mapFile is the on-disk shard map format for admin reloads.
type mapFile struct {
	Prefixes map[string]string `yaml:"prefixes"`
}

// Reload replaces the prefix table from a YAML map file. Resolution keeps
// serving the old table until the new one is fully installed.
func (m *Manager) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read shard map: %w", err)
	}
	var mf mapFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("failed to parse shard map: %w", err)
	}
	m.install(mf.Prefixes)
	m.logger.Info("Shard map reloaded",
		zap.String("path", path),
		zap.Int("prefixes", len(mf.Prefixes)))
	return nil
}

func (m *Manager) install(prefixes map[string]string) {
	copied := make(map[string]string, len(prefixes))
	sorted := make([]string, 0, len(prefixes))
	for p, s := range prefixes {
		copied[p] = s
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	m.mu.Lock()
	m.prefixes = copied
	m.sorted = sorted
	m.mu.Unlock()
}
