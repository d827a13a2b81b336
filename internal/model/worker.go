package model

import "time"

// WorkerStatus represents the selection eligibility of a worker.
type WorkerStatus string

const (
	// WorkerStatusHealthy indicates the worker is fully eligible.
	WorkerStatusHealthy WorkerStatus = "healthy"
	// WorkerStatusDegraded indicates recent failures lowered the health
	// score; the worker is still selectable.
	WorkerStatusDegraded WorkerStatus = "degraded"
	// WorkerStatusBlacklisted indicates the health score crossed the
	// blacklist threshold; the worker is excluded from selection until its
	// probabilistic recovery window admits it again.
	WorkerStatusBlacklisted WorkerStatus = "blacklisted"
)

// Health score bounds. Scores are always clamped to this range.
const (
	HealthScoreMin = 0.0
	HealthScoreMax = 1.0
)

// Worker describes one remote compute endpoint and its live state.
type Worker struct {
	Address           string       `json:"address"`
	Capabilities      []string     `json:"capabilities"`
	HealthScore       float64      `json:"health_score"`
	ActiveConnections int32        `json:"active_connections"`
	Status            WorkerStatus `json:"status"`
	RegisteredAt      time.Time    `json:"registered_at"`
	LastOutcomeAt     time.Time    `json:"last_outcome_at,omitempty"`
	BlacklistedAt     time.Time    `json:"blacklisted_at,omitempty"`
}

// Supports reports whether the worker advertises the given query type.
func (w *Worker) Supports(queryType string) bool {
	for _, c := range w.Capabilities {
		if c == queryType {
			return true
		}
	}
	return false
}
