package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

func newRedisStore(t *testing.T, historyTTL time.Duration) (*RedisShardStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisShardStoreFromClient(client, historyTTL, zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisRealmAssignmentRoundTrip(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	ctx := context.Background()

	_, err := s.RealmAssignment(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveRealmAssignment(ctx, "alice", "chat-main"))
	realm, err := s.RealmAssignment(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "chat-main", realm)

	// Reassignment overwrites.
	require.NoError(t, s.SaveRealmAssignment(ctx, "alice", "chat-b"))
	realm, err = s.RealmAssignment(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "chat-b", realm)
}

func TestRedisHistoryNewestFirst(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendHistory(ctx, &HistoryRecord{
			QueryID:     fmt.Sprintf("q-%d", i),
			UserKey:     "alice",
			QueryType:   "chat",
			Realm:       "chat-main",
			Status:      model.ResultStatusOK,
			CompletedAt: time.Now(),
		}))
	}

	recs, err := s.History(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "q-2", recs[0].QueryID)
	assert.Equal(t, "q-0", recs[2].QueryID)

	// Limit caps the slice.
	recs, err = s.History(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Unknown user has an empty history, not an error.
	recs, err = s.History(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisHistoryTrimsToRetentionBound(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	ctx := context.Background()

	for i := 0; i < historyMaxLen+20; i++ {
		require.NoError(t, s.AppendHistory(ctx, &HistoryRecord{
			QueryID: fmt.Sprintf("q-%d", i),
			UserKey: "alice",
			Status:  model.ResultStatusOK,
		}))
	}

	recs, err := s.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, recs, historyMaxLen)
	assert.Equal(t, fmt.Sprintf("q-%d", historyMaxLen+19), recs[0].QueryID)
}

func TestRedisHistoryTTLRefreshed(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.AppendHistory(ctx, &HistoryRecord{QueryID: "q-1", UserKey: "alice"}))

	// The key expires once the TTL elapses.
	mr.FastForward(2 * time.Minute)
	recs, err := s.History(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisPing(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
