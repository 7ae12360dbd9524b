package replica

import (
	"container/heap"
	"context"
	"sync"
)

// Less is the queue order: higher priority first, then earlier creation,
// then earlier insertion.
func Less(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

type requestHeap []*Request

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return Less(h[i], h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)        { *h = append(*h, x.(*Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is an unbounded priority queue of pending requests, safe for
// concurrent producers and consumers.
type Queue struct {
	mu     sync.Mutex
	items  requestHeap
	seq    uint64
	closed bool

	// notify holds at most one wake-up token; a consumer that takes it and
	// leaves items behind passes it on.
	notify   chan struct{}
	closedCh chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push inserts r. It never blocks.
func (q *Queue) Push(r *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	r.seq = q.seq
	heap.Push(&q.items, r)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the highest-ordered request, blocking until one is
// available. After Close it keeps returning queued requests and then
// ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (*Request, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := heap.Pop(&q.items).(*Request)
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return r, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.closedCh:
		}
	}
}

// Len is the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new requests and wakes every waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}
