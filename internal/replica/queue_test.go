package replica

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func req(repo string, prio int, created time.Time) *Request {
	return &Request{Repository: repo, Priority: prio, CreatedAt: created, done: make(chan struct{})}
}

func drain(t *testing.T, q *Queue) []*Request {
	t.Helper()
	var out []*Request
	for q.Len() > 0 {
		r, err := q.Pop(context.Background())
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestQueueOrder(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(1_700_000_000, 0)
	q := NewQueue()
	for _, r := range []*Request{
		req("low-late", 0, t0.Add(2*time.Second)),
		req("high", 10, t0.Add(5*time.Second)),
		req("low-early", 0, t0),
		req("mid", 3, t0.Add(time.Second)),
		req("low-early-2", 0, t0),
		req("negative", -1, t0),
	} {
		require.NoError(t, q.Push(r))
	}

	var got []string
	for _, r := range drain(t, q) {
		got = append(got, r.Repository)
	}
	// equal priority and timestamp falls back to insertion order
	require.Equal(t, []string{"high", "mid", "low-early", "low-early-2", "low-late", "negative"}, got)
}

func TestQueueOrderRandomized(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	t0 := time.Unix(1_700_000_000, 0)
	q := NewQueue()
	for i := 0; i < 500; i++ {
		require.NoError(t, q.Push(req("r", rng.Intn(5), t0.Add(time.Duration(rng.Intn(50))*time.Second))))
	}
	out := drain(t, q)
	require.Len(t, out, 500)
	for i := 1; i < len(out); i++ {
		prev, next := out[i-1], out[i]
		require.GreaterOrEqual(t, prev.Priority, next.Priority)
		if prev.Priority == next.Priority {
			require.False(t, next.CreatedAt.Before(prev.CreatedAt), "FIFO violated at %d", i)
		}
	}
}

func TestLess(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(100, 0)
	tests := []struct {
		name string
		a, b *Request
		want bool
	}{
		{name: "higher priority first", a: req("a", 2, t0.Add(time.Hour)), b: req("b", 1, t0), want: true},
		{name: "lower priority later", a: req("a", 1, t0), b: req("b", 2, t0), want: false},
		{name: "earlier first on tie", a: req("a", 1, t0), b: req("b", 1, t0.Add(time.Second)), want: true},
		{name: "later second on tie", a: req("a", 1, t0.Add(time.Second)), b: req("b", 1, t0), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Less(tt.a, tt.b))
		})
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	got := make(chan *Request, 1)
	go func() {
		r, err := q.Pop(context.Background())
		if err == nil {
			got <- r
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	want := req("a", 0, time.Now())
	require.NoError(t, q.Push(want))
	select {
	case r := <-got:
		require.Same(t, want, r)
	case <-time.After(2 * time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestQueuePopHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewQueue().Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	require.NoError(t, q.Push(req("a", 0, time.Now())))
	q.Close()
	q.Close()
	require.ErrorIs(t, q.Push(req("b", 0, time.Now())), ErrQueueClosed)

	r, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", r.Repository)
	_, err = q.Pop(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	const producers, perProducer, consumers = 4, 100, 3

	var (
		mu   sync.Mutex
		seen = map[*Request]bool{}
		cwg  sync.WaitGroup
	)
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				r, err := q.Pop(context.Background())
				if errors.Is(err, ErrQueueClosed) {
					return
				}
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[r] = true
				mu.Unlock()
			}
		}()
	}

	var pwg sync.WaitGroup
	for p := 0; p < producers; p++ {
		pwg.Add(1)
		go func(p int) {
			defer pwg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(req("r", i%3, time.Now()))
			}
		}(p)
	}
	pwg.Wait()
	q.Close()
	cwg.Wait()

	require.Len(t, seen, producers*perProducer)
	require.Zero(t, q.Len())
}
