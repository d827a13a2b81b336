package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New("test", 2, 8, zap.NewNop())
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		ok := p.TrySubmit(Task{Name: "record", Fn: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
			return nil
		}})
		require.True(t, ok)
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Submitted)
	assert.Equal(t, uint64(5), stats.Completed)
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p := New("test", 1, 1, zap.NewNop())
	defer p.Stop(time.Second)

	release := make(chan struct{})
	// Occupy the single worker, then fill the single queue slot.
	require.True(t, p.TrySubmit(Task{Name: "block", Fn: func(context.Context) error {
		<-release
		return nil
	}}))
	// The worker may not have picked up the first task yet, so feed slots
	// until one submit is refused.
	rejected := false
	for i := 0; i < 3; i++ {
		if !p.TrySubmit(Task{Name: "fill", Fn: func(context.Context) error {
			<-release
			return nil
		}}) {
			rejected = true
			break
		}
	}
	assert.True(t, rejected)
	assert.GreaterOrEqual(t, p.Stats().Rejected, uint64(1))
	close(release)
}

func TestPoolSurvivesFailuresAndPanics(t *testing.T) {
	p := New("test", 1, 8, zap.NewNop())
	defer p.Stop(time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	require.True(t, p.TrySubmit(Task{Name: "fail", Fn: func(context.Context) error {
		defer wg.Done()
		return errors.New("backend down")
	}}))
	require.True(t, p.TrySubmit(Task{Name: "panic", Fn: func(context.Context) error {
		wg.Done()
		panic("boom")
	}}))
	wg.Wait()

	// A later task still runs on the same worker.
	done := make(chan struct{})
	require.True(t, p.TrySubmit(Task{Name: "after", Fn: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover after panic")
	}
}

func TestPoolStopRefusesNewWork(t *testing.T) {
	p := New("test", 1, 8, zap.NewNop())
	require.NoError(t, p.Stop(time.Second))

	assert.False(t, p.TrySubmit(Task{Name: "late", Fn: func(context.Context) error { return nil }}))
	// Stop is idempotent.
	assert.NoError(t, p.Stop(time.Second))
}
