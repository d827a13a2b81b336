// Package realm implements the broker's unit of isolation: a named
// partition binding one query-type class to its own worker registry,
// dispatch queue, and consumer loop. Unrelated workloads never contend on
// each other's locks or queues.
package realm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/client"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/metrics"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/queue"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/registry"
)

// ResultSink receives terminal results. The sink, not the realm, enforces
// exactly-once delivery per query id.
type ResultSink interface {
	Publish(result *model.Result)
}

// Escalator provides the fallback routing path when a realm has no
// eligible local worker: first another local realm with a compatible
// capability, then a federation peer.
type Escalator interface {
	// SelectCrossRealm picks a worker from a different local realm that
	// serves the query type, returning the owning realm for health
	// reporting. Fails when no other local realm has an eligible worker.
	SelectCrossRealm(originRealm, queryType string) (*model.Worker, *Realm, error)
	// RecordCrossRealm counts one successful cross-realm dispatch.
	RecordCrossRealm()
	// Forward sends the query to a federation peer and returns the
	// peer's terminal result. Fails when no fresh peer serves the type
	// or all forwards fail.
	Forward(ctx context.Context, query *model.Query) (*model.Result, error)
	// RecordFailedRoute counts one query that exhausted every fallback.
	RecordFailedRoute()
}

// Realm is one isolated broker partition. It exclusively owns its worker
// registry and dispatch queue.
type Realm struct {
	cfg           config.RealmConfig
	strategy      registry.Strategy
	sweepInterval time.Duration

	registry *registry.Registry
	queue    *queue.DispatchQueue
	invoker  client.Invoker
	sink     ResultSink
	esc      Escalator
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu          sync.Mutex
	connections int
	peak        int
	processed   uint64
	avgProc     time.Duration
	errorCount  uint64
	inflight    map[string]context.CancelFunc

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a realm from its configuration. The escalator is attached
// later, once the federation router exists, via SetEscalator.
func New(cfg config.RealmConfig, healthCfg config.HealthConfig, invoker client.Invoker, sink ResultSink, m *metrics.Metrics, logger *zap.Logger) *Realm {
	rlog := logger.With(zap.String("realm", cfg.Name))
	r := &Realm{
		cfg:           cfg,
		strategy:      registry.ParseStrategy(cfg.Strategy),
		sweepInterval: healthCfg.SweepInterval,
		registry:      registry.New(healthCfg, rlog),
		queue:         queue.New(cfg.QueueCapacity),
		invoker:       invoker,
		sink:          sink,
		metrics:       m,
		logger:        rlog,
		inflight:      make(map[string]context.CancelFunc),
		stop:          make(chan struct{}),
	}
	r.registry.SetHealthObserver(func(address string, score float64) {
		m.SetWorkerHealth(cfg.Name, address, score)
	})
	for _, w := range cfg.Workers {
		if err := r.registry.Register(w.Address, w.Capabilities); err != nil {
			rlog.Warn("Skipping configured worker",
				zap.String("address", w.Address),
				zap.Error(err))
		}
	}
	return r
}

// SetEscalator attaches the fallback router. Must be called before Start.
func (r *Realm) SetEscalator(esc Escalator) {
	r.esc = esc
}

// Name returns the realm's unique name.
func (r *Realm) Name() string { return r.cfg.Name }

// PrimaryQueryType returns the query type this realm serves.
func (r *Realm) PrimaryQueryType() string { return r.cfg.PrimaryQueryType }

// Registry returns the realm's worker registry.
func (r *Realm) Registry() *registry.Registry { return r.registry }

// RegisterWorker adds a worker to the realm's pool, enforcing the
// configured max_workers bound. Refreshing an already registered address
// never counts against the bound.
func (r *Realm) RegisterWorker(address string, capabilities []string) error {
	if r.cfg.MaxWorkers > 0 {
		known := false
		workers := r.registry.Workers()
		for _, w := range workers {
			if w.Address == address {
				known = true
				break
			}
		}
		if !known && len(workers) >= r.cfg.MaxWorkers {
			return brokererrors.Wrapf(brokererrors.ErrCodeWorkerLimit, nil,
				"realm %q already has %d of %d workers", r.cfg.Name, len(workers), r.cfg.MaxWorkers)
		}
	}
	return r.registry.Register(address, capabilities)
}

// SelectWorker picks a worker for the query type under the realm's own
// selection strategy.
func (r *Realm) SelectWorker(queryType string) (*model.Worker, error) {
	return r.registry.Select(queryType, r.strategy)
}

// Enqueue places a query on the realm dispatch queue. Non-blocking;
// returns ErrQueueFull under backpressure.
func (r *Realm) Enqueue(query *model.Query) error {
	if err := r.queue.Enqueue(query); err != nil {
		return err
	}
	r.metrics.SetQueueDepth(r.cfg.Name, r.queue.Len())
	return nil
}

// QueueDepth returns the current dispatch queue length.
func (r *Realm) QueueDepth() int { return r.queue.Len() }

// Cancel removes a queued query or best-effort aborts an in-flight one.
// Returns true when the query was known to this realm. A canceled in-flight
// remote call is not guaranteed to stop on the worker; its late result is
// discarded by the sink.
func (r *Realm) Cancel(id string) bool {
	if r.queue.Remove(id) {
		r.metrics.SetQueueDepth(r.cfg.Name, r.queue.Len())
		return true
	}
	r.mu.Lock()
	cancel, ok := r.inflight[id]
	r.mu.Unlock()
	if ok {
		cancel()
		return true
	}
	return false
}

// Stats returns a snapshot of the realm's aggregate counters.
func (r *Realm) Stats() model.RealmStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.RealmStats{
		Connections:       r.connections,
		PeakConnections:   r.peak,
		ProcessedQueries:  r.processed,
		AvgProcessingTime: r.avgProc,
		ErrorCount:        r.errorCount,
	}
}

// Info returns the admin-surface view of the realm.
func (r *Realm) Info() model.RealmInfo {
	return model.RealmInfo{
		Name:             r.cfg.Name,
		PrimaryQueryType: r.cfg.PrimaryQueryType,
		MinWorkers:       r.cfg.MinWorkers,
		MaxWorkers:       r.cfg.MaxWorkers,
		WorkerCount:      len(r.registry.Workers()),
		QueueDepth:       r.queue.Len(),
		Stats:            r.Stats(),
	}
}

// Capabilities returns the query types this realm can serve: its primary
// type plus everything its workers advertise.
func (r *Realm) Capabilities() []string {
	seen := map[string]bool{r.cfg.PrimaryQueryType: true}
	out := []string{r.cfg.PrimaryQueryType}
	for _, w := range r.registry.Workers() {
		for _, c := range w.Capabilities {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// beginQuery tracks one in-flight query and its cancel hook.
func (r *Realm) beginQuery(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections++
	if r.connections > r.peak {
		r.peak = r.connections
	}
	r.inflight[id] = cancel
	r.metrics.RealmConnections.WithLabelValues(r.cfg.Name).Set(float64(r.connections))
}

// endQuery clears in-flight tracking for a query.
func (r *Realm) endQuery(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections--
	delete(r.inflight, id)
	r.metrics.RealmConnections.WithLabelValues(r.cfg.Name).Set(float64(r.connections))
}

// recordSuccess folds one processed query into the realm stats. Called
// exactly once per query, regardless of retries.
func (r *Realm) recordSuccess(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	r.avgProc += (elapsed - r.avgProc) / time.Duration(r.processed)
}

// recordFailure counts one terminal query failure.
func (r *Realm) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCount++
}
