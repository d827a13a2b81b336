package realm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/config"
	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/metrics"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// stubInvoker scripts worker call outcomes per attempt.
type stubInvoker struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, addr string, q *model.Query) (json.RawMessage, error)
}

func (s *stubInvoker) Invoke(ctx context.Context, addr string, q *model.Query) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(ctx, call, addr, q)
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureSink funnels published results to the test.
type captureSink struct {
	ch chan *model.Result
}

func newCaptureSink() *captureSink {
	return &captureSink{ch: make(chan *model.Result, 16)}
}

func (s *captureSink) Publish(res *model.Result) { s.ch <- res }

func (s *captureSink) wait(t *testing.T) *model.Result {
	t.Helper()
	select {
	case res := <-s.ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal result delivered")
		return nil
	}
}

// stubEscalator scripts the cross-realm and federation fallbacks.
type stubEscalator struct {
	selectFn   func(originRealm, queryType string) (*model.Worker, *Realm, error)
	forwardFn  func(ctx context.Context, q *model.Query) (*model.Result, error)
	crossRealm atomic.Uint64
	failed     atomic.Uint64
}

func (s *stubEscalator) SelectCrossRealm(originRealm, queryType string) (*model.Worker, *Realm, error) {
	if s.selectFn == nil {
		return nil, nil, brokererrors.ErrNoEligibleWorker
	}
	return s.selectFn(originRealm, queryType)
}

func (s *stubEscalator) RecordCrossRealm() { s.crossRealm.Add(1) }

func (s *stubEscalator) Forward(ctx context.Context, q *model.Query) (*model.Result, error) {
	if s.forwardFn == nil {
		return nil, brokererrors.ErrNoEligibleWorker
	}
	return s.forwardFn(ctx, q)
}

func (s *stubEscalator) RecordFailedRoute() { s.failed.Add(1) }

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Alpha: 0.65, Beta: 0.20, Gamma: 0.15,
		BlacklistThreshold: 0.30, RecoveryKappa: 1.0 / 60.0,
		TargetLatency: 2 * time.Second,
	}
}

func testRealmConfig(workers ...string) config.RealmConfig {
	cfg := config.RealmConfig{
		Name:             "chat-main",
		PrimaryQueryType: "chat",
		QueueCapacity:    8,
		Consumers:        1,
		DispatchTimeout:  2 * time.Second,
		MaxRetries:       0,
	}
	for _, w := range workers {
		cfg.Workers = append(cfg.Workers, config.WorkerConfig{Address: w, Capabilities: []string{"chat"}})
	}
	return cfg
}

func startRealm(t *testing.T, cfg config.RealmConfig, inv *stubInvoker, sink *captureSink, esc Escalator) *Realm {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := New(cfg, testHealthConfig(), inv, sink, m, zap.NewNop())
	if esc != nil {
		r.SetEscalator(esc)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Shutdown()
	})
	return r
}

func chatQuery(id string) *model.Query {
	return &model.Query{ID: id, Type: "chat", SubmittedAt: time.Now()}
}

func TestDispatchLocalSuccess(t *testing.T) {
	inv := &stubInvoker{fn: func(_ context.Context, _ int, addr string, q *model.Query) (json.RawMessage, error) {
		return json.RawMessage(`{"answer":42}`), nil
	}}
	sink := newCaptureSink()
	r := startRealm(t, testRealmConfig("w1:9000"), inv, sink, nil)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, "q1", res.QueryID)
	assert.Equal(t, model.ResultStatusOK, res.Status)
	assert.Equal(t, "w1:9000", res.WorkerAddr)
	assert.Equal(t, "chat-main", res.Realm)
	assert.JSONEq(t, `{"answer":42}`, string(res.Payload))

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.ProcessedQueries)
	assert.Equal(t, uint64(0), stats.ErrorCount)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	inv := &stubInvoker{fn: func(_ context.Context, call int, _ string, _ *model.Query) (json.RawMessage, error) {
		if call == 1 {
			return nil, errors.New("worker crashed")
		}
		return json.RawMessage(`{}`), nil
	}}
	sink := newCaptureSink()

	cfg := testRealmConfig("w1:9000")
	cfg.MaxRetries = 2
	r := startRealm(t, cfg, inv, sink, nil)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, model.ResultStatusOK, res.Status)
	assert.Equal(t, 2, inv.callCount())

	// Realm stats count the query once, not once per attempt.
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.ProcessedQueries)
	assert.Equal(t, uint64(0), stats.ErrorCount)
}

func TestDispatchRetriesExhausted(t *testing.T) {
	inv := &stubInvoker{fn: func(context.Context, int, string, *model.Query) (json.RawMessage, error) {
		return nil, brokererrors.ErrDispatchTimeout
	}}
	sink := newCaptureSink()

	cfg := testRealmConfig("w1:9000")
	cfg.MaxRetries = 1
	r := startRealm(t, cfg, inv, sink, nil)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, model.ResultStatusFailed, res.Status)
	assert.Equal(t, string(brokererrors.ErrCodeDispatchTimeout), res.ErrorCode)
	assert.Equal(t, 2, inv.callCount())

	stats := r.Stats()
	assert.Equal(t, uint64(0), stats.ProcessedQueries)
	assert.Equal(t, uint64(1), stats.ErrorCount)
}

func TestDispatchNoWorkerNoEscalator(t *testing.T) {
	sink := newCaptureSink()
	r := startRealm(t, testRealmConfig(), &stubInvoker{}, sink, nil)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, model.ResultStatusFailed, res.Status)
	assert.Equal(t, string(brokererrors.ErrCodeNoEligibleWorker), res.ErrorCode)
}

func TestDispatchEscalatesCrossRealm(t *testing.T) {
	inv := &stubInvoker{fn: func(_ context.Context, _ int, addr string, _ *model.Query) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	sink := newCaptureSink()

	// A sibling realm owns the only chat-capable worker.
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sibling := New(config.RealmConfig{
		Name:             "general",
		PrimaryQueryType: "general",
		QueueCapacity:    8,
		Workers:          []config.WorkerConfig{{Address: "g1:9000", Capabilities: []string{"general", "chat"}}},
	}, testHealthConfig(), inv, sink, m, zap.NewNop())

	esc := &stubEscalator{
		selectFn: func(originRealm, queryType string) (*model.Worker, *Realm, error) {
			w, err := sibling.SelectWorker(queryType)
			return w, sibling, err
		},
	}
	r := startRealm(t, testRealmConfig(), inv, sink, esc)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, model.ResultStatusOK, res.Status)
	assert.Equal(t, "general", res.Realm, "the result names the realm that owns the worker")
	assert.Equal(t, "g1:9000", res.WorkerAddr)
	assert.Equal(t, uint64(1), esc.crossRealm.Load())

	// The dispatch outcome lands on the owning realm's registry.
	workers := sibling.Registry().Workers()
	require.Len(t, workers, 1)
	assert.False(t, workers[0].LastOutcomeAt.IsZero())
}

func TestDispatchForwardsAcrossFederation(t *testing.T) {
	sink := newCaptureSink()
	esc := &stubEscalator{
		forwardFn: func(_ context.Context, q *model.Query) (*model.Result, error) {
			return &model.Result{
				QueryID:  q.ID,
				Status:   model.ResultStatusOK,
				ServedBy: "peer-b",
			}, nil
		},
	}
	r := startRealm(t, testRealmConfig(), &stubInvoker{}, sink, esc)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, model.ResultStatusOK, res.Status)
	assert.Equal(t, "peer-b", res.ServedBy)
	assert.Equal(t, uint64(1), r.Stats().ProcessedQueries)
	assert.Equal(t, uint64(0), esc.failed.Load())
}

func TestDispatchFailsWhenEveryPathExhausted(t *testing.T) {
	sink := newCaptureSink()
	esc := &stubEscalator{} // no cross-realm worker, no peer
	r := startRealm(t, testRealmConfig(), &stubInvoker{}, sink, esc)

	require.NoError(t, r.Enqueue(chatQuery("q1")))

	res := sink.wait(t)
	assert.Equal(t, model.ResultStatusFailed, res.Status)
	assert.Equal(t, uint64(1), esc.failed.Load())
	assert.Equal(t, uint64(1), r.Stats().ErrorCount)
}

func TestEnqueueBackpressure(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	cfg := testRealmConfig("w1:9000")
	cfg.QueueCapacity = 2
	// Not started: queries stay queued.
	r := New(cfg, testHealthConfig(), &stubInvoker{}, newCaptureSink(), m, zap.NewNop())

	require.NoError(t, r.Enqueue(chatQuery("q1")))
	require.NoError(t, r.Enqueue(chatQuery("q2")))

	err := r.Enqueue(chatQuery("q3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrQueueFull)
	assert.Equal(t, 2, r.QueueDepth())

	// Draining one makes room; the earlier queries are unaffected.
	assert.True(t, r.Cancel("q1"))
	assert.NoError(t, r.Enqueue(chatQuery("q3")))
}

func TestCancelQueuedQuery(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := New(testRealmConfig("w1:9000"), testHealthConfig(), &stubInvoker{}, newCaptureSink(), m, zap.NewNop())

	require.NoError(t, r.Enqueue(chatQuery("q1")))
	assert.True(t, r.Cancel("q1"))
	assert.False(t, r.Cancel("q1"))
	assert.False(t, r.Cancel("unknown"))
	assert.Equal(t, 0, r.QueueDepth())
}

func TestCancelInFlightQuery(t *testing.T) {
	started := make(chan struct{})
	inv := &stubInvoker{fn: func(ctx context.Context, _ int, _ string, _ *model.Query) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	sink := newCaptureSink()
	r := startRealm(t, testRealmConfig("w1:9000"), inv, sink, nil)

	require.NoError(t, r.Enqueue(chatQuery("q1")))
	<-started

	assert.True(t, r.Cancel("q1"), "in-flight queries are cancelable best-effort")
}

func TestShutdownFailsQueuedQueriesFast(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sink := newCaptureSink()
	r := New(testRealmConfig("w1:9000"), testHealthConfig(), &stubInvoker{}, sink, m, zap.NewNop())

	require.NoError(t, r.Enqueue(chatQuery("q1")))
	require.NoError(t, r.Enqueue(chatQuery("q2")))

	r.Shutdown()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res := sink.wait(t)
		assert.Equal(t, model.ResultStatusFailed, res.Status)
		seen[res.QueryID] = true
	}
	assert.True(t, seen["q1"] && seen["q2"])
}

func TestSweeperEvictsUnresponsiveWorkers(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	hc := testHealthConfig()
	hc.SweepInterval = 5 * time.Millisecond
	hc.Unresponsive = time.Millisecond
	r := New(testRealmConfig("w1:9000"), hc, &stubInvoker{}, newCaptureSink(), m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Shutdown()
	})

	require.Eventually(t, func() bool {
		return len(r.Registry().Workers()) == 0
	}, 2*time.Second, 5*time.Millisecond,
		"workers past the unresponsive window are evicted while the realm runs")
}

func TestSweeperStopsOnShutdown(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	hc := testHealthConfig()
	hc.SweepInterval = time.Hour
	r := New(testRealmConfig("w1:9000"), hc, &stubInvoker{}, newCaptureSink(), m, zap.NewNop())

	r.Start(context.Background())

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked on the sweeper")
	}
}
