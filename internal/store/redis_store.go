package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// historyMaxLen bounds the per-user history list to keep shards from
// growing without limit.
const historyMaxLen = 200

// RedisShardStore implements ShardStore on Redis.
type RedisShardStore struct {
	client     *redis.Client
	historyTTL time.Duration
	logger     *zap.Logger
}

// NewRedisShardStore creates a Redis-backed shard store and verifies
// connectivity.
func NewRedisShardStore(host string, port int, password string, db, poolSize int, historyTTL time.Duration, logger *zap.Logger) (*RedisShardStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisShardStore{
		client:     client,
		historyTTL: historyTTL,
		logger:     logger,
	}, nil
}

// NewRedisShardStoreFromClient wraps an existing client. Used by tests.
func NewRedisShardStoreFromClient(client *redis.Client, historyTTL time.Duration, logger *zap.Logger) *RedisShardStore {
	return &RedisShardStore{client: client, historyTTL: historyTTL, logger: logger}
}

func assignmentKey(userKey string) string { return "assignment:" + userKey }
func historyKey(userKey string) string    { return "history:" + userKey }

// SaveRealmAssignment records the user's realm.
func (s *RedisShardStore) SaveRealmAssignment(ctx context.Context, userKey, realm string) error {
	return s.client.Set(ctx, assignmentKey(userKey), realm, 0).Err()
}

// RealmAssignment returns the user's recorded realm.
func (s *RedisShardStore) RealmAssignment(ctx context.Context, userKey string) (string, error) {
	realm, err := s.client.Get(ctx, assignmentKey(userKey)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return realm, nil
}

// AppendHistory pushes a record onto the user's history list, trimming it
// to the retention bound and refreshing its TTL.
func (s *RedisShardStore) AppendHistory(ctx context.Context, rec *HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	key := historyKey(rec.UserKey)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, historyMaxLen-1)
	if s.historyTTL > 0 {
		pipe.Expire(ctx, key, s.historyTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// History returns the most recent records, newest first.
func (s *RedisShardStore) History(ctx context.Context, userKey string, limit int) ([]*HistoryRecord, error) {
	if limit <= 0 || limit > historyMaxLen {
		limit = historyMaxLen
	}
	rows, err := s.client.LRange(ctx, historyKey(userKey), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*HistoryRecord, 0, len(rows))
	for _, row := range rows {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			s.logger.Warn("Skipping undecodable history record", zap.Error(err))
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (s *RedisShardStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisShardStore) Close() error {
	return s.client.Close()
}
