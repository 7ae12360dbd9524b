package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the replication engine.
const (
	RequestEnqueued   = "request.enqueued"
	RequestStarted    = "request.started"
	AttemptFinished   = "attempt.finished"
	RequestFinished   = "request.finished"
	CycleRejected     = "cycle.rejected"
	RepositoryStopped = "repository.stopped"
)

// Event is a lightweight, in-memory signal used to decouple the replication
// engine from observers (metrics, health output).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type       string
	Time       time.Time
	Repository string
	Data       any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Memory fans events out to subscriber channels in process. It owns no
// goroutines.
type Memory struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event

	dropped atomic.Uint64
}

func New() *Memory {
	return &Memory{subs: map[uint64]chan Event{}}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock keeps unsubscribe from closing a channel under us.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel (8 when buffer <= 0). The returned
// func unsubscribes and closes the channel; it is idempotent.
func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Nop is a bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
