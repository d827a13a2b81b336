package store

import (
	"context"
	"errors"
	"time"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// HistoryRecord is one persisted terminal query outcome.
type HistoryRecord struct {
	QueryID     string             `json:"query_id"`
	UserKey     string             `json:"user_key"`
	QueryType   string             `json:"query_type"`
	Realm       string             `json:"realm"`
	Status      model.ResultStatus `json:"status"`
	Elapsed     time.Duration      `json:"elapsed"`
	CompletedAt time.Time          `json:"completed_at"`
}

// ShardStore persists per-user broker state for one shard: the user's realm
// assignment and their query history.
type ShardStore interface {
	// SaveRealmAssignment records which realm a user was assigned to.
	SaveRealmAssignment(ctx context.Context, userKey, realm string) error
	// RealmAssignment returns the user's recorded realm, or ErrNotFound.
	RealmAssignment(ctx context.Context, userKey string) (string, error)
	// AppendHistory appends a terminal query outcome to the user's history.
	AppendHistory(ctx context.Context, rec *HistoryRecord) error
	// History returns the most recent records for a user, newest first.
	History(ctx context.Context, userKey string, limit int) ([]*HistoryRecord, error)
	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
