package registry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// entry is the registry's mutable record for one worker. All fields are
// guarded by the registry mutex; nothing outside this package mutates them.
type entry struct {
	worker       model.Worker
	consecFails  int
	emaLatency   time.Duration
	registeredAt time.Time
	seq          int
}

// Registry tracks known worker endpoints, their capability tags, and live
// health/load state. It is owned by exactly one realm.
type Registry struct {
	cfg       config.HealthConfig
	logger    *zap.Logger
	healthObs func(address string, score float64)

	mu       sync.Mutex
	workers  map[string]*entry
	nextSeq  int
	rrCursor map[string]int
	rng      *rand.Rand
	nowFn    func() time.Time
}

// New creates a worker registry with the given health scoring configuration.
func New(cfg config.HealthConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		workers:  make(map[string]*entry),
		rrCursor: make(map[string]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:    time.Now,
	}
}

// SetHealthObserver installs a callback invoked with a worker's address and
// updated health score after registration, every reported outcome, and
// blacklist reinstatement. Must be set before the registry is shared.
func (r *Registry) SetHealthObserver(fn func(address string, score float64)) {
	r.healthObs = fn
}

// observeHealth publishes a score change to the observer, if any.
func (r *Registry) observeHealth(address string, score float64) {
	if r.healthObs != nil {
		r.healthObs(address, score)
	}
}

// Register adds a worker or refreshes an existing entry. Re-registering the
// same address with a different capability set is a configuration error.
func (r *Registry) Register(address string, capabilities []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	if existing, ok := r.workers[address]; ok {
		if !sameCapabilities(existing.worker.Capabilities, capabilities) {
			return brokererrors.ErrDuplicateAddress
		}
		// Refresh keeps health state; a re-register is not a recovery.
		existing.registeredAt = now
		return nil
	}

	e := &entry{
		worker: model.Worker{
			Address:      address,
			Capabilities: append([]string(nil), capabilities...),
			HealthScore:  model.HealthScoreMax,
			Status:       model.WorkerStatusHealthy,
			RegisteredAt: now,
		},
		registeredAt: now,
		seq:          r.nextSeq,
	}
	r.nextSeq++
	r.workers[address] = e
	r.observeHealth(address, e.worker.HealthScore)

	r.logger.Info("Worker registered",
		zap.String("address", address),
		zap.Strings("capabilities", capabilities))
	return nil
}

// Deregister removes a worker. Returns false if the address is unknown.
func (r *Registry) Deregister(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[address]; !ok {
		return false
	}
	delete(r.workers, address)
	r.logger.Info("Worker deregistered", zap.String("address", address))
	return true
}

// Acquire marks one in-flight dispatch against the worker.
func (r *Registry) Acquire(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[address]; ok {
		e.worker.ActiveConnections++
	}
}

// Release clears one in-flight dispatch against the worker.
func (r *Registry) Release(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[address]; ok && e.worker.ActiveConnections > 0 {
		e.worker.ActiveConnections--
	}
}

// ReportOutcome folds one dispatch outcome into the worker's health score
// using an exponential moving average:
//
//	H = alpha*H_prev + beta*P + gamma*R
//
// where P is the clamped inverse-latency performance term and R the
// reliability term (1 on success, 0 on failure). A score below the
// blacklist threshold blacklists the worker.
func (r *Registry) ReportOutcome(address string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[address]
	if !ok {
		return
	}

	var p, rel float64
	if success {
		rel = 1.0
		p = performanceTerm(latency, r.cfg.TargetLatency)
		e.consecFails = 0
		if e.emaLatency == 0 {
			e.emaLatency = latency
		} else {
			e.emaLatency = (e.emaLatency + latency) / 2
		}
	} else {
		e.consecFails++
	}

	score := r.cfg.Alpha*e.worker.HealthScore + r.cfg.Beta*p + r.cfg.Gamma*rel
	e.worker.HealthScore = clamp(score, model.HealthScoreMin, model.HealthScoreMax)
	e.worker.LastOutcomeAt = r.nowFn()
	r.observeHealth(address, e.worker.HealthScore)

	switch {
	case e.worker.HealthScore < r.cfg.BlacklistThreshold:
		if e.worker.Status != model.WorkerStatusBlacklisted {
			e.worker.Status = model.WorkerStatusBlacklisted
			e.worker.BlacklistedAt = r.nowFn()
			r.logger.Warn("Worker blacklisted",
				zap.String("address", address),
				zap.Float64("health_score", e.worker.HealthScore),
				zap.Int("consecutive_failures", e.consecFails))
		}
	case e.worker.HealthScore < healthyFloor:
		e.worker.Status = model.WorkerStatusDegraded
	default:
		e.worker.Status = model.WorkerStatusHealthy
	}
}

// healthyFloor is the score above which a worker is considered fully healthy.
const healthyFloor = 0.7

// performanceTerm normalizes observed latency against the target: at or
// below target scores 1.0, decaying toward 0 as latency grows.
func performanceTerm(latency, target time.Duration) float64 {
	if latency <= 0 || target <= 0 {
		return 1.0
	}
	return clamp(float64(target)/float64(latency), 0, 1)
}

// RecoveryProbability returns 1 - e^(-kappa*t) for time t since blacklisting.
// It is monotonically non-decreasing in t and approaches 1 as t grows.
func (r *Registry) RecoveryProbability(sinceBlacklist time.Duration) float64 {
	if sinceBlacklist <= 0 {
		return 0
	}
	return 1 - math.Exp(-r.cfg.RecoveryKappa*sinceBlacklist.Seconds())
}

// eligible returns workers selectable for the query type, reinstating
// blacklisted workers whose recovery draw passes. Caller holds the lock.
func (r *Registry) eligible(queryType string) []*entry {
	now := r.nowFn()
	var out []*entry
	for _, e := range r.workers {
		if !e.worker.Supports(queryType) {
			continue
		}
		if e.worker.Status == model.WorkerStatusBlacklisted {
			p := r.RecoveryProbability(now.Sub(e.worker.BlacklistedAt))
			if r.rng.Float64() >= p {
				continue
			}
			// Reinstated at the threshold so another failure sends it
			// straight back; never a jump to full health.
			e.worker.Status = model.WorkerStatusDegraded
			e.worker.HealthScore = r.cfg.BlacklistThreshold
			e.consecFails = 0
			r.observeHealth(e.worker.Address, e.worker.HealthScore)
			r.logger.Info("Worker reinstated from blacklist",
				zap.String("address", e.worker.Address),
				zap.Duration("blacklisted_for", now.Sub(e.worker.BlacklistedAt)))
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Select returns the best eligible worker for the query type under the
// given strategy, or ErrNoEligibleWorker. The returned worker is a snapshot
// copy; callers interact with the registry by address.
func (r *Registry) Select(queryType string, strategy Strategy) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.eligible(queryType)
	if len(candidates) == 0 {
		return nil, brokererrors.ErrNoEligibleWorker
	}

	var chosen *entry
	switch strategy {
	case StrategyRoundRobin:
		cursor := r.rrCursor[queryType]
		chosen = candidates[cursor%len(candidates)]
		r.rrCursor[queryType] = (cursor + 1) % len(candidates)
	case StrategyLeastBusy:
		chosen = leastBusy(candidates)
	default:
		chosen = healthWeighted(candidates, r.cfg.TargetLatency)
	}

	w := chosen.worker
	return &w, nil
}

// Workers returns a snapshot of all registered workers in registration order.
func (r *Registry) Workers() []model.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]model.Worker, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.worker)
	}
	return out
}

// CountActive returns the number of non-blacklisted workers.
func (r *Registry) CountActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.workers {
		if e.worker.Status != model.WorkerStatusBlacklisted {
			n++
		}
	}
	return n
}

// Sweep removes workers that have produced no outcome within the
// unresponsive window and carry no in-flight dispatches.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	removed := 0
	for addr, e := range r.workers {
		last := e.worker.LastOutcomeAt
		if last.IsZero() {
			last = e.registeredAt
		}
		if now.Sub(last) > r.cfg.Unresponsive && e.worker.ActiveConnections == 0 {
			delete(r.workers, addr)
			removed++
			r.logger.Warn("Worker removed as unresponsive",
				zap.String("address", addr),
				zap.Time("last_outcome", last))
		}
	}
	return removed
}

func sameCapabilities(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if !set[c] {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
