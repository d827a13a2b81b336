package shard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestShardForLongestPrefixWins(t *testing.T) {
	m := NewManager(map[string]string{
		"user-":    "shard-a",
		"user-eu-": "shard-eu",
		"bot-":     "shard-b",
	}, "shard-default", zap.NewNop())

	assert.Equal(t, "shard-eu", m.ShardFor("user-eu-42"))
	assert.Equal(t, "shard-a", m.ShardFor("user-us-42"))
	assert.Equal(t, "shard-b", m.ShardFor("bot-7"))
}

func TestShardForIsTotal(t *testing.T) {
	m := NewManager(map[string]string{"user-": "shard-a"}, "shard-default", zap.NewNop())

	// Every key resolves somewhere, including ones shorter than any prefix.
	assert.Equal(t, "shard-default", m.ShardFor("unmapped-key"))
	assert.Equal(t, "shard-default", m.ShardFor(""))
	assert.Equal(t, "shard-default", m.ShardFor("u"))
}

func TestShardForNoPrefixes(t *testing.T) {
	m := NewManager(nil, "only", zap.NewNop())
	assert.Equal(t, "only", m.ShardFor("anything"))
	assert.Equal(t, "only", m.DefaultShard())
}

func TestReloadReplacesMapping(t *testing.T) {
	m := NewManager(map[string]string{"user-": "old"}, "shard-default", zap.NewNop())

	path := filepath.Join(t.TempDir(), "shards.yaml")
	content := "prefixes:\n  user-: \"new\"\n  admin-: \"ops\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, m.Reload(path))
	assert.Equal(t, "new", m.ShardFor("user-1"))
	assert.Equal(t, "ops", m.ShardFor("admin-1"))
	assert.Equal(t, map[string]string{"user-": "new", "admin-": "ops"}, m.Mapping())
}

func TestReloadMissingFile(t *testing.T) {
	m := NewManager(map[string]string{"user-": "shard-a"}, "shard-default", zap.NewNop())

	require.Error(t, m.Reload(filepath.Join(t.TempDir(), "absent.yaml")))

	// The old table keeps serving.
	assert.Equal(t, "shard-a", m.ShardFor("user-1"))
}
