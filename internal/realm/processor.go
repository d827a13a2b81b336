package realm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/queue"
)

// routeState tracks where the state machine found a worker for one attempt.
type routeState int

const (
	routeLocal routeState = iota
	routeCrossRealm
)

// Start launches the realm's consumer goroutines. They run until the
// context is canceled; Shutdown then fails any still-queued queries fast.
func (r *Realm) Start(ctx context.Context) {
	consumers := r.cfg.Consumers
	if consumers <= 0 {
		consumers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < consumers; i++ {
		g.Go(func() error {
			r.consume(gctx)
			return nil
		})
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = g.Wait()
	}()
	if r.sweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop(ctx)
	}
	r.logger.Info("Realm started",
		zap.Int("consumers", consumers),
		zap.Int("queue_capacity", r.cfg.QueueCapacity),
		zap.String("strategy", string(r.strategy)))
}

// sweepLoop periodically evicts unresponsive workers from the registry.
func (r *Realm) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if removed := r.registry.Sweep(); removed > 0 {
				r.logger.Info("Swept unresponsive workers", zap.Int("removed", removed))
			}
		}
	}
}

// Shutdown closes the queue, fails remaining queries fast, and waits for
// in-flight consumers to settle.
func (r *Realm) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stop)
		remaining := r.queue.Close()
		for _, q := range remaining {
			r.publishFailure(q, brokererrors.ErrNoEligibleWorker, "broker shutting down", 0)
		}
		r.wg.Wait()
		r.logger.Info("Realm stopped", zap.Int("failed_fast", len(remaining)))
	})
}

// consume is one consumer goroutine: dequeue, dispatch, repeat.
func (r *Realm) consume(ctx context.Context) {
	for {
		q, err := r.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			return
		}
		r.metrics.SetQueueDepth(r.cfg.Name, r.queue.Len())
		r.dispatch(ctx, q)
	}
}

// dispatch drives one query to its terminal result: select a worker
// (local, then cross-realm), invoke with timeout, retry against a
// different worker on failure, and escalate to federation when no local
// candidate exists. Realm stats are updated exactly once per query.
func (r *Realm) dispatch(ctx context.Context, q *model.Query) {
	start := time.Now()

	queryCtx, cancelQuery := context.WithCancel(ctx)
	defer cancelQuery()
	r.beginQuery(q.ID, cancelQuery)
	defer r.endQuery(q.ID)

	attempts := r.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		worker, owner, state, selErr := r.pickWorker(q.Type)
		if selErr != nil {
			// No local candidate anywhere: cross the federation boundary.
			r.forwardOrFail(queryCtx, q, start, selErr)
			return
		}

		payload, callErr := r.invokeOnce(queryCtx, owner, worker, q)
		if callErr == nil {
			if state == routeCrossRealm {
				r.esc.RecordCrossRealm()
			}
			elapsed := time.Since(start)
			r.recordSuccess(elapsed)
			r.metrics.RecordTerminal(r.cfg.Name, "ok")
			r.sink.Publish(&model.Result{
				QueryID:     q.ID,
				Status:      model.ResultStatusOK,
				Payload:     payload,
				Realm:       owner.Name(),
				WorkerAddr:  worker.Address,
				CompletedAt: time.Now(),
				Elapsed:     elapsed,
			})
			return
		}

		// Caller cancellation: the sink already delivered a canceled
		// result; the worker outcome is unknowable, so skip scoring.
		if queryCtx.Err() == context.Canceled && ctx.Err() == nil {
			r.logger.Debug("Dispatch abandoned after cancellation",
				zap.String("query_id", q.ID))
			return
		}

		lastErr = callErr
		if attempt < attempts-1 {
			r.metrics.RecordRetry(r.cfg.Name)
			r.logger.Debug("Retrying dispatch against a different worker",
				zap.String("query_id", q.ID),
				zap.String("failed_worker", worker.Address),
				zap.Int("attempt", attempt+1),
				zap.Error(callErr))
		}
	}

	r.recordFailure()
	r.metrics.RecordTerminal(r.cfg.Name, "failed")
	r.publishFailure(q, lastErr, "retries exhausted", time.Since(start))
}

// pickWorker runs the Local -> CrossRealm legs of the routing state machine.
func (r *Realm) pickWorker(queryType string) (*model.Worker, *Realm, routeState, error) {
	worker, err := r.registry.Select(queryType, r.strategy)
	if err == nil {
		return worker, r, routeLocal, nil
	}
	if !errors.Is(err, brokererrors.ErrNoEligibleWorker) || r.esc == nil {
		return nil, nil, routeLocal, err
	}
	worker, owner, err := r.esc.SelectCrossRealm(r.cfg.Name, queryType)
	if err != nil {
		return nil, nil, routeLocal, err
	}
	return worker, owner, routeCrossRealm, nil
}

// invokeOnce performs a single remote call with the realm's dispatch
// timeout, reporting the outcome to the owning realm's registry.
func (r *Realm) invokeOnce(ctx context.Context, owner *Realm, worker *model.Worker, q *model.Query) ([]byte, error) {
	timeout := r.cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	owner.registry.Acquire(worker.Address)
	callStart := time.Now()
	payload, err := r.invoker.Invoke(callCtx, worker.Address, q)
	latency := time.Since(callStart)
	owner.registry.Release(worker.Address)

	// A caller cancellation is not a worker fault.
	if err != nil && ctx.Err() == context.Canceled {
		return nil, err
	}

	owner.registry.ReportOutcome(worker.Address, err == nil, latency)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, brokererrors.ErrDispatchTimeout) {
			status = "timeout"
		}
	}
	r.metrics.RecordDispatch(owner.Name(), status, latency.Seconds())
	return payload, err
}

// forwardOrFail runs the CrossFederation -> Failed legs: forward to a peer
// if possible, otherwise surface the terminal failure.
func (r *Realm) forwardOrFail(ctx context.Context, q *model.Query, start time.Time, selErr error) {
	if r.esc != nil {
		res, err := r.esc.Forward(ctx, q)
		if err == nil {
			elapsed := time.Since(start)
			r.recordSuccess(elapsed)
			r.metrics.RecordTerminal(r.cfg.Name, "ok")
			res.Elapsed = elapsed
			r.sink.Publish(res)
			return
		}
		selErr = err
	}
	if r.esc != nil {
		r.esc.RecordFailedRoute()
	}
	r.recordFailure()
	r.metrics.RecordTerminal(r.cfg.Name, "failed")
	r.publishFailure(q, selErr, "no eligible worker in any realm or peer", time.Since(start))
}

// publishFailure delivers a terminal failure result.
func (r *Realm) publishFailure(q *model.Query, cause error, msg string, elapsed time.Duration) {
	code := brokererrors.ErrCodeNoEligibleWorker
	errText := msg
	if cause != nil {
		code = brokererrors.CodeOf(cause)
		errText = cause.Error()
	}
	r.sink.Publish(&model.Result{
		QueryID:     q.ID,
		Status:      model.ResultStatusFailed,
		ErrorCode:   string(code),
		Error:       errText,
		Realm:       r.cfg.Name,
		CompletedAt: time.Now(),
		Elapsed:     elapsed,
	})
}
