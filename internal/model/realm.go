package model

import "time"

// RealmStats are the aggregate counters a realm exposes on the admin surface.
// Connections tracks in-flight queries; PeakConnections is its high-water mark.
type RealmStats struct {
	Connections       int           `json:"connections"`
	PeakConnections   int           `json:"peak_connections"`
	ProcessedQueries  uint64        `json:"processed_queries"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	ErrorCount        uint64        `json:"error_count"`
}

// RealmInfo is the admin-surface view of a realm.
type RealmInfo struct {
	Name             string     `json:"name"`
	PrimaryQueryType string     `json:"primary_query_type"`
	MinWorkers       int        `json:"min_workers"`
	MaxWorkers       int        `json:"max_workers"`
	WorkerCount      int        `json:"worker_count"`
	QueueDepth       int        `json:"queue_depth"`
	Stats            RealmStats `json:"stats"`
}
