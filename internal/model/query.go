package model

import (
	"encoding/json"
	"time"
)

// Query is one immutable unit of work submitted to the broker.
// Fields are fixed at submission time; the broker never mutates a query,
// it only wraps it with routing metadata when forwarding.
type Query struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	UserKey     string          `json:"user_key,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`

	// Federation metadata. OriginPeer names the broker that first accepted
	// the query; VisitedPeers accumulates every broker that has held it so
	// a forwarding loop can be refused.
	OriginPeer   string   `json:"origin_peer,omitempty"`
	VisitedPeers []string `json:"visited_peers,omitempty"`
}

// Visited reports whether the query has already passed through the named peer.
func (q *Query) Visited(peer string) bool {
	for _, p := range q.VisitedPeers {
		if p == peer {
			return true
		}
	}
	return false
}

// WithVisit returns a copy of the query with the peer added to its visited
// set. Idempotent; the original query is left untouched.
func (q *Query) WithVisit(peer string) *Query {
	cp := *q
	cp.VisitedPeers = append([]string(nil), q.VisitedPeers...)
	if !q.Visited(peer) {
		cp.VisitedPeers = append(cp.VisitedPeers, peer)
	}
	return &cp
}

// ResultStatus is the terminal disposition of a query.
type ResultStatus string

const (
	// ResultStatusOK indicates the worker produced a payload.
	ResultStatusOK ResultStatus = "ok"
	// ResultStatusFailed indicates the query failed terminally after all
	// retry and federation fallbacks were exhausted.
	ResultStatusFailed ResultStatus = "failed"
	// ResultStatusCanceled indicates the caller canceled the query.
	ResultStatusCanceled ResultStatus = "canceled"
)

// Result is the single terminal outcome delivered for a submitted query.
type Result struct {
	QueryID     string          `json:"query_id"`
	Status      ResultStatus    `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	Realm       string          `json:"realm,omitempty"`
	WorkerAddr  string          `json:"worker_addr,omitempty"`
	ServedBy    string          `json:"served_by,omitempty"` // peer id for federated results
	CompletedAt time.Time       `json:"completed_at"`
	Elapsed     time.Duration   `json:"elapsed"`
}

// Succeeded reports whether the result carries a worker payload.
func (r *Result) Succeeded() bool {
	return r.Status == ResultStatusOK
}
