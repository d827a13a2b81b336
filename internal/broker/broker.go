// Package broker ties the realm registry, federation router, shard stores,
// and result delivery together behind the single facade the transport
// handlers call into.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/metrics"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/realm"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/shard"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/store"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/util/workerpool"
)

// LoopChecker refuses forwarded queries this broker has already held.
// Satisfied by the federation router; nil disables federation ingress.
type LoopChecker interface {
	CheckLoop(query *model.Query) error
}

// SubmitRequest is the ingress shape of a query submission.
type SubmitRequest struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	UserKey  string          `json:"user_key,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

// Broker accepts queries, routes them to realms, and delivers exactly one
// terminal result per accepted query id.
type Broker struct {
	nodeID  string
	realms  *realm.Registry
	hub     *resultHub
	shards  *shard.Manager
	stores  *store.Set
	loops   LoopChecker
	persist *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates the broker facade over an already-populated realm registry.
func New(cfg config.ServerConfig, realms *realm.Registry, shards *shard.Manager, stores *store.Set, m *metrics.Metrics, logger *zap.Logger) *Broker {
	return &Broker{
		nodeID:  cfg.NodeID,
		realms:  realms,
		hub:     newResultHub(cfg.MaxPending, cfg.ResultTTL, logger),
		shards:  shards,
		stores:  stores,
		persist: workerpool.New("persist", 4, 512, logger),
		metrics: m,
		logger:  logger,
	}
}

// SetLoopChecker attaches the federation loop guard.
func (b *Broker) SetLoopChecker(lc LoopChecker) {
	b.loops = lc
}

// Publish implements realm.ResultSink: first terminal result per id wins,
// anything later is discarded. Delivered results are persisted to the
// submitting user's shard off the dispatch path.
func (b *Broker) Publish(res *model.Result) {
	meta, delivered := b.hub.publish(res)
	if !delivered {
		b.logger.Debug("Discarded duplicate or late result",
			zap.String("query_id", res.QueryID))
		return
	}
	if meta.UserKey == "" {
		return
	}
	rec := &store.HistoryRecord{
		QueryID:     res.QueryID,
		UserKey:     meta.UserKey,
		QueryType:   meta.QueryType,
		Realm:       meta.Realm,
		Status:      res.Status,
		Elapsed:     res.Elapsed,
		CompletedAt: res.CompletedAt,
	}
	submitted := b.persist.TrySubmit(workerpool.Task{
		Name: "append-history",
		Fn: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			shardID := b.shards.ShardFor(meta.UserKey)
			return b.stores.ForShard(shardID).AppendHistory(ctx, rec)
		},
	})
	if !submitted {
		b.logger.Warn("History persistence skipped under load",
			zap.String("query_id", res.QueryID))
	}
}

// Submit validates, routes, and enqueues an ingress query. It returns the
// accepted query (with its assigned id), the realm it landed in, and the
// channel its terminal result will arrive on.
func (b *Broker) Submit(ctx context.Context, req SubmitRequest) (*model.Query, string, <-chan *model.Result, error) {
	if req.Type == "" {
		return nil, "", nil, brokererrors.Wrapf(brokererrors.ErrCodeUnknownQueryType, nil, "query type is required")
	}

	q := &model.Query{
		ID:          req.ID,
		Type:        req.Type,
		Payload:     req.Payload,
		UserKey:     req.UserKey,
		Priority:    req.Priority,
		SubmittedAt: time.Now(),
	}
	if q.ID == "" {
		q.ID = uuid.New().String()
	}

	target, err := b.route(q)
	if err != nil {
		b.metrics.RecordRejection(string(brokererrors.CodeOf(err)))
		return nil, "", nil, err
	}

	ch, err := b.acceptWithChannel(ctx, q, target)
	if err != nil {
		return nil, "", nil, err
	}
	return q, target.Name(), ch, nil
}

// SubmitForwarded accepts a query from a federation peer, refuses loops,
// and blocks until the query reaches its terminal result so the peer can
// relay it synchronously.
func (b *Broker) SubmitForwarded(ctx context.Context, q *model.Query) (*model.Result, error) {
	if b.loops != nil {
		if err := b.loops.CheckLoop(q); err != nil {
			b.metrics.RecordRejection(string(brokererrors.ErrCodeForwardLoop))
			return nil, err
		}
	}
	// Mark ourselves visited so this query can never be forwarded back.
	local := q.WithVisit(b.nodeID)
	if local.SubmittedAt.IsZero() {
		local.SubmittedAt = time.Now()
	}
	if local.ID == "" {
		local.ID = uuid.New().String()
	}

	target, err := b.route(local)
	if err != nil {
		b.metrics.RecordRejection(string(brokererrors.CodeOf(err)))
		return nil, err
	}

	ch, err := b.acceptWithChannel(ctx, local, target)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		b.CancelQuery(local.ID)
		return nil, ctx.Err()
	}
}

// route resolves the realm for a query, falling back to the default realm
// for unknown query types rather than dropping the query.
func (b *Broker) route(q *model.Query) (*realm.Realm, error) {
	target, err := b.realms.Route(q)
	if err == nil {
		return target, nil
	}
	if errors.Is(err, brokererrors.ErrUnknownQueryType) {
		if fallback, ok := b.realms.Default(); ok {
			b.logger.Debug("Routing unknown query type to default realm",
				zap.String("query_type", q.Type),
				zap.String("realm", fallback.Name()))
			return fallback, nil
		}
	}
	return nil, err
}

func (b *Broker) acceptWithChannel(ctx context.Context, q *model.Query, target *realm.Realm) (<-chan *model.Result, error) {
	ch, err := b.hub.register(q.ID, pendingMeta{
		Realm:     target.Name(),
		UserKey:   q.UserKey,
		QueryType: q.Type,
	})
	if err != nil {
		b.metrics.RecordRejection(string(brokererrors.CodeOf(err)))
		return nil, err
	}

	if err := target.Enqueue(q); err != nil {
		b.hub.discard(q.ID)
		b.metrics.RecordRejection(string(brokererrors.CodeOf(err)))
		return nil, err
	}

	b.metrics.RecordSubmission(target.Name(), q.Type)
	if q.UserKey != "" {
		b.persistAssignment(q.UserKey, target.Name())
	}
	return ch, nil
}

// persistAssignment records the user's realm on their shard, write-behind.
func (b *Broker) persistAssignment(userKey, realmName string) {
	b.persist.TrySubmit(workerpool.Task{
		Name: "save-assignment",
		Fn: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			shardID := b.shards.ShardFor(userKey)
			return b.stores.ForShard(shardID).SaveRealmAssignment(ctx, userKey, realmName)
		},
	})
}

// Result returns the delivered terminal result for a query id, if any.
func (b *Broker) Result(id string) (*model.Result, bool) {
	return b.hub.terminal(id)
}

// Known reports whether the query id is still tracked, delivered or not.
func (b *Broker) Known(id string) bool {
	_, ok := b.hub.lookup(id)
	return ok
}

// CancelQuery cancels a query by id: removed outright while queued,
// best-effort while in flight. The caller receives a canceled terminal
// result exactly once.
func (b *Broker) CancelQuery(id string) error {
	meta, ok := b.hub.lookup(id)
	if !ok {
		return brokererrors.ErrQueryNotFound
	}
	if res, done := b.hub.terminal(id); done && res != nil {
		return brokererrors.Wrapf(brokererrors.ErrCodeQueryNotFound, nil, "query %s already completed", id)
	}

	if target, exists := b.realms.Get(meta.Realm); exists {
		target.Cancel(id)
	}
	b.Publish(&model.Result{
		QueryID:     id,
		Status:      model.ResultStatusCanceled,
		Realm:       meta.Realm,
		CompletedAt: time.Now(),
	})
	return nil
}

// PendingCount reports the number of queries awaiting terminal delivery.
func (b *Broker) PendingCount() int {
	return b.hub.pendingCount()
}

// Realms exposes the realm registry for the admin surface.
func (b *Broker) Realms() *realm.Registry {
	return b.realms
}

// Shutdown stops write-behind persistence and the result hub.
func (b *Broker) Shutdown(timeout time.Duration) {
	if err := b.persist.Stop(timeout); err != nil {
		b.logger.Warn("Persistence pool stop timed out", zap.Error(err))
	}
	b.hub.stop()
}
