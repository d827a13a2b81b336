// Package federation implements cross-broker query routing: gossip-based
// peer discovery, capability advertisement, and loop-safe query forwarding
// for queries no local realm can serve.
package federation

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/metrics"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/realm"
)

// Forwarder sends a query to one peer endpoint. Satisfied by ForwardClient;
// tests substitute stubs.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, query *model.Query) (*model.Result, error)
}

// Stats are the router's observability counters.
type Stats struct {
	CrossRealmQueries      uint64 `json:"cross_realm_queries"`
	CrossFederationQueries uint64 `json:"cross_federation_queries"`
	FailedRoutes           uint64 `json:"failed_routes"`
	FreshPeers             int    `json:"fresh_peers"`
}

// Router escalates queries through the routing state machine once a realm
// reports no eligible local worker: first a different local realm with a
// compatible capability, then a fresh federation peer, then terminal
// failure. It holds a non-owning reference to the realm registry for
// lookups only.
type Router struct {
	nodeID  string
	realms  *realm.Registry
	peers   *PeerSet
	client  Forwarder
	window  time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	crossRealm   uint64
	crossFed     uint64
	failedRoutes uint64
}

// NewRouter creates a federation router. The staleness window excludes
// peers whose advertisement has not been refreshed recently enough.
func NewRouter(nodeID string, realms *realm.Registry, peers *PeerSet, client Forwarder, window time.Duration, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		nodeID:  nodeID,
		realms:  realms,
		peers:   peers,
		client:  client,
		window:  window,
		metrics: m,
		logger:  logger,
	}
}

// SelectCrossRealm picks an eligible worker from another local realm
// serving the query type.
func (r *Router) SelectCrossRealm(originRealm, queryType string) (*model.Worker, *realm.Realm, error) {
	for _, candidate := range r.realms.OthersServing(originRealm, queryType) {
		worker, err := candidate.SelectWorker(queryType)
		if err == nil {
			r.logger.Debug("Cross-realm worker selected",
				zap.String("origin_realm", originRealm),
				zap.String("serving_realm", candidate.Name()),
				zap.String("worker", worker.Address))
			return worker, candidate, nil
		}
	}
	return nil, nil, brokererrors.ErrNoEligibleWorker
}

// RecordCrossRealm counts one successful cross-realm dispatch.
func (r *Router) RecordCrossRealm() {
	atomic.AddUint64(&r.crossRealm, 1)
	r.metrics.CrossRealmQueries.Inc()
}

// RecordFailedRoute counts one query that exhausted every fallback path.
func (r *Router) RecordFailedRoute() {
	atomic.AddUint64(&r.failedRoutes, 1)
	r.metrics.FailedRoutes.Inc()
}

// CheckLoop refuses queries this broker has already held. Fail-closed:
// a revisit is never retried elsewhere.
func (r *Router) CheckLoop(query *model.Query) error {
	if query.Visited(r.nodeID) {
		return brokererrors.ErrForwardLoop
	}
	return nil
}

// Forward sends the query to the first fresh peer advertising its type,
// skipping peers the query has already visited. The forward is
// synchronous; the peer's terminal result is returned as-is.
func (r *Router) Forward(ctx context.Context, query *model.Query) (*model.Result, error) {
	// Exclude every broker the query has held, ourselves included, so a
	// multi-hop forward can never revisit a node.
	exclude := append([]string{r.nodeID}, query.VisitedPeers...)
	candidates := r.peers.Candidates(query.Type, exclude, r.window)
	if len(candidates) == 0 {
		return nil, brokererrors.Wrapf(brokererrors.ErrCodeNoEligibleWorker, nil,
			"no fresh federation peer advertises query type %q", query.Type)
	}

	tagged := query.WithVisit(r.nodeID)
	if tagged.OriginPeer == "" {
		tagged.OriginPeer = r.nodeID
	}

	var lastErr error
	for _, peer := range candidates {
		res, err := r.client.Forward(ctx, peer.Endpoint, tagged)
		if err == nil {
			atomic.AddUint64(&r.crossFed, 1)
			r.metrics.CrossFederationQueries.Inc()
			if res.ServedBy == "" {
				res.ServedBy = peer.PeerID
			}
			return res, nil
		}
		// A loop report from a peer is a safety fault, never retried.
		if brokererrors.CodeOf(err) == brokererrors.ErrCodeForwardLoop {
			return nil, err
		}
		lastErr = err
		r.logger.Warn("Federation forward failed",
			zap.String("peer", peer.PeerID),
			zap.String("query_id", query.ID),
			zap.Error(err))
	}
	return nil, brokererrors.Wrapf(brokererrors.ErrCodeNoEligibleWorker, lastErr,
		"all federation forwards failed for query type %q", query.Type)
}

// Peers returns a snapshot of all known peers.
func (r *Router) Peers() []model.FederationPeer {
	return r.peers.All()
}

// Stats returns the router's counters.
func (r *Router) Stats() Stats {
	fresh := 0
	for _, p := range r.peers.All() {
		if time.Since(p.LastSeen) <= r.window {
			fresh++
		}
	}
	r.metrics.PeersFresh.Set(float64(fresh))
	return Stats{
		CrossRealmQueries:      atomic.LoadUint64(&r.crossRealm),
		CrossFederationQueries: atomic.LoadUint64(&r.crossFed),
		FailedRoutes:           atomic.LoadUint64(&r.failedRoutes),
		FreshPeers:             fresh,
	}
}
