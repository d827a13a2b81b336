package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	brokererrors "github.com/jimpames/RENTAHAL-FOUNDATION/internal/errors"
	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/model"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("dispatch queue is closed")

// DispatchQueue is a bounded, concurrency-safe buffer of pending queries.
// Dequeue order is by descending priority, FIFO within equal priority.
// A queued query can be removed by id without side effects.
type DispatchQueue struct {
	mu       sync.Mutex
	capacity int
	items    itemHeap
	byID     map[string]*item
	seq      uint64
	notify   chan struct{}
	closedCh chan struct{}
	closed   bool
}

type item struct {
	query *model.Query
	seq   uint64
	index int
}

// New creates a dispatch queue with the given capacity.
func New(capacity int) *DispatchQueue {
	return &DispatchQueue{
		capacity: capacity,
		byID:     make(map[string]*item),
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Enqueue adds a query without blocking. It fails with ErrQueueFull when
// the queue is at capacity, signaling backpressure to the ingress boundary.
func (q *DispatchQueue) Enqueue(query *model.Query) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		return brokererrors.ErrQueueFull
	}

	it := &item{query: query, seq: q.seq}
	q.seq++
	heap.Push(&q.items, it)
	q.byID[query.ID] = it

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until a query is available, the context is canceled, or
// the queue is closed.
func (q *DispatchQueue) Dequeue(ctx context.Context) (*model.Query, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			delete(q.byID, it.query.ID)
			// Wake another consumer in case more work remains.
			if len(q.items) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it.query, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closedCh:
		case <-q.notify:
		}
	}
}

// Remove cancels a still-queued query by id. Returns false when the query
// is not queued (already dequeued or unknown).
func (q *DispatchQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return true
}

// Len returns the number of queued queries.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed, wakes all blocked consumers, and returns
// the queries still queued so the owner can fail them fast.
func (q *DispatchQueue) Close() []*model.Query {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closedCh)

	remaining := make([]*model.Query, 0, len(q.items))
	for len(q.items) > 0 {
		it := heap.Pop(&q.items).(*item)
		delete(q.byID, it.query.ID)
		remaining = append(remaining, it.query)
	}
	return remaining
}

// itemHeap orders items by descending priority, then ascending sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].query.Priority != h[j].query.Priority {
		return h[i].query.Priority > h[j].query.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
