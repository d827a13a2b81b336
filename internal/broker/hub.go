package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// pendingMeta ties a registered query id to the state needed for
// cancellation and history persistence.
type pendingMeta struct {
	Realm     string
	UserKey   string
	QueryType string
}

type pendingEntry struct {
	meta      pendingMeta
	ch        chan *model.Result
	result    *model.Result
	delivered bool
	expiresAt time.Time
}

// resultHub correlates submitted query ids with their terminal results and
// enforces exactly-once delivery. Entries are bounded and TTL-evicted so
// per-query transient state can never grow without limit.
type resultHub struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	maxSize int
	ttl     time.Duration
	stopCh  chan struct{}
	logger  *zap.Logger
}

func newResultHub(maxSize int, ttl time.Duration, logger *zap.Logger) *resultHub {
	h := &resultHub{
		entries: make(map[string]*pendingEntry),
		maxSize: maxSize,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go h.sweep()
	return h
}

// register creates a pending entry and returns the channel its terminal
// result will arrive on. Duplicate ids and hub exhaustion are rejected.
func (h *resultHub) register(id string, meta pendingMeta) (<-chan *model.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.entries[id]; exists {
		return nil, brokererrors.Wrapf(brokererrors.ErrCodeInternal, nil, "query id %q already pending", id)
	}
	if len(h.entries) >= h.maxSize {
		return nil, brokererrors.Wrap(brokererrors.ErrQueueFull, nil)
	}
	entry := &pendingEntry{
		meta:      meta,
		ch:        make(chan *model.Result, 1),
		expiresAt: time.Now().Add(h.ttl),
	}
	h.entries[id] = entry
	return entry.ch, nil
}

// discard drops an undelivered entry, e.g. after an enqueue failure.
func (h *resultHub) discard(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, id)
}

// publish delivers the terminal result for a query. The first publish
// wins; later publishes for the same id (late retries, canceled in-flight
// calls landing after the fact) are dropped. Returns the entry's metadata
// and true when this call performed the delivery.
func (h *resultHub) publish(res *model.Result) (pendingMeta, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[res.QueryID]
	if !ok || entry.delivered {
		return pendingMeta{}, false
	}
	entry.delivered = true
	entry.result = res
	entry.expiresAt = time.Now().Add(h.ttl)
	entry.ch <- res
	return entry.meta, true
}

// lookup returns the entry's metadata.
func (h *resultHub) lookup(id string) (pendingMeta, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[id]
	if !ok {
		return pendingMeta{}, false
	}
	return entry.meta, true
}

// terminal returns the delivered result for a query id, if any.
func (h *resultHub) terminal(id string) (*model.Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[id]
	if !ok || !entry.delivered {
		return nil, false
	}
	return entry.result, true
}

// pendingCount returns the number of live entries.
func (h *resultHub) pendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// sweep evicts expired entries on a fixed cadence.
func (h *resultHub) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			h.mu.Lock()
			evicted := 0
			for id, entry := range h.entries {
				if now.After(entry.expiresAt) {
					delete(h.entries, id)
					evicted++
				}
			}
			h.mu.Unlock()
			if evicted > 0 {
				h.logger.Debug("Evicted expired result entries", zap.Int("count", evicted))
			}
		}
	}
}

func (h *resultHub) stop() {
	close(h.stopCh)
}
