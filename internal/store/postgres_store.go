package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// PostgresShardStore implements ShardStore on PostgreSQL.
type PostgresShardStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresShardStore creates a PostgreSQL-backed shard store, verifies
// connectivity, and ensures its schema exists.
func NewPostgresShardStore(host string, port int, database, user, password string, maxConns int, connLifetime time.Duration, logger *zap.Logger) (*PostgresShardStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_max_conn_lifetime=%s",
		host, port, database, user, password, maxConns, connLifetime,
	)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresShardStore{pool: pool, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresShardStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS realm_assignments (
			user_key   TEXT PRIMARY KEY,
			realm      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS query_history (
			query_id     TEXT NOT NULL,
			user_key     TEXT NOT NULL,
			query_type   TEXT NOT NULL,
			realm        TEXT NOT NULL,
			status       TEXT NOT NULL,
			elapsed_ms   BIGINT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS query_history_user_idx
			ON query_history (user_key, completed_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// SaveRealmAssignment records the user's realm.
func (s *PostgresShardStore) SaveRealmAssignment(ctx context.Context, userKey, realm string) error {
	query := `
		INSERT INTO realm_assignments (user_key, realm, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_key) DO UPDATE SET realm = $2, updated_at = now()
	`
	_, err := s.pool.Exec(ctx, query, userKey, realm)
	if err != nil {
		return fmt.Errorf("failed to save realm assignment: %w", err)
	}
	return nil
}

// RealmAssignment returns the user's recorded realm.
func (s *PostgresShardStore) RealmAssignment(ctx context.Context, userKey string) (string, error) {
	var realm string
	err := s.pool.QueryRow(ctx,
		`SELECT realm FROM realm_assignments WHERE user_key = $1`, userKey,
	).Scan(&realm)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get realm assignment: %w", err)
	}
	return realm, nil
}

// AppendHistory appends a terminal query outcome.
func (s *PostgresShardStore) AppendHistory(ctx context.Context, rec *HistoryRecord) error {
	query := `
		INSERT INTO query_history (query_id, user_key, query_type, realm, status, elapsed_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.QueryID,
		rec.UserKey,
		rec.QueryType,
		rec.Realm,
		string(rec.Status),
		rec.Elapsed.Milliseconds(),
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns the most recent records for a user, newest first.
func (s *PostgresShardStore) History(ctx context.Context, userKey string, limit int) ([]*HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT query_id, user_key, query_type, realm, status, elapsed_ms, completed_at
		FROM query_history
		WHERE user_key = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`, userKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var status string
		var elapsedMS int64
		if err := rows.Scan(&rec.QueryID, &rec.UserKey, &rec.QueryType, &rec.Realm, &status, &elapsedMS, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Status = model.ResultStatus(status)
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (s *PostgresShardStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresShardStore) Close() error {
	s.pool.Close()
	return nil
}
