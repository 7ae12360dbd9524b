package replica

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cvmfsreplica/internal/eventbus"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/pkg/logx"
	"cvmfsreplica/pkg/timeoutcmd"
)

func testRepository(cfg RepositoryConfig) *Repository {
	if cfg.Schedule == nil {
		cfg.Schedule = Every(time.Hour)
	}
	if len(cfg.Command) == 0 {
		cfg.Command = cmdFor(cfg.Name)
	}
	return newRepository(cfg, NewQueue(), eventbus.Nop{}, logx.Nop(), time.Now, sleepCtx)
}

func accept(ok bool, calls *atomic.Int32) plugin.AcceptanceCheck {
	return plugin.AcceptanceFunc(func(context.Context) (bool, error) {
		calls.Add(1)
		return ok, nil
	})
}

func TestCycleRejectedByAcceptance(t *testing.T) {
	t.Parallel()
	var first, second, third, posts atomic.Int32
	sink := &countingSink{}
	r := testRepository(RepositoryConfig{
		Name:       "atlas.cern.ch",
		Acceptance: []plugin.AcceptanceCheck{accept(true, &first), accept(false, &second), accept(true, &third)},
		Reports:    []plugin.ReportSink{sink},
		Posts: []plugin.PostAction{plugin.PostFunc(func(context.Context) error {
			posts.Add(1)
			return nil
		})},
	})
	require.True(t, r.LastAttempt().IsZero())

	aborted, err := r.cycle(context.Background())
	require.NoError(t, err)
	require.False(t, aborted)

	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(1), second.Load())
	require.Zero(t, third.Load(), "evaluation must stop at the first rejection")
	require.Zero(t, r.queue.Len())
	require.Zero(t, posts.Load())
	s, f := sink.Counts()
	require.Zero(t, s+f)

	require.False(t, r.LastAttempt().IsZero())
	require.True(t, r.LastPublished().IsZero())
	require.Equal(t, uint64(1), r.Snapshot().Rejected)
}

func TestCycleTreatsCheckErrorsAsRejection(t *testing.T) {
	t.Parallel()
	for name, check := range map[string]plugin.AcceptanceCheck{
		"error": plugin.AcceptanceFunc(func(context.Context) (bool, error) { return true, errors.New("stratum0 unreachable") }),
		"panic": plugin.AcceptanceFunc(func(context.Context) (bool, error) { panic("bug") }),
	} {
		check := check
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r := testRepository(RepositoryConfig{Name: "a", Acceptance: []plugin.AcceptanceCheck{check}})
			aborted, err := r.cycle(context.Background())
			require.NoError(t, err)
			require.False(t, aborted)
			require.Zero(t, r.queue.Len())
			require.NotEqual(t, StateStopped, r.State())
		})
	}
}

func TestCycleAbort(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := testRepository(RepositoryConfig{
		Name: "a",
		Acceptance: []plugin.AcceptanceCheck{plugin.AcceptanceFunc(func(context.Context) (bool, error) {
			return false, plugin.Abort(errors.New("spool almost full"))
		})},
	})
	r.bus = bus

	require.NoError(t, r.Run(context.Background(), make(chan struct{})))
	require.Equal(t, StateStopped, r.State())
	require.Equal(t, uint64(1), r.Snapshot().Cycles)

	ev := <-events
	require.Equal(t, eventbus.RepositoryStopped, ev.Type)
	require.Equal(t, "a", ev.Repository)
}

func TestCycleCompletedRequest(t *testing.T) {
	t.Parallel()
	var order []string
	sink := &countingSink{}
	r := testRepository(RepositoryConfig{
		Name:    "lhcb.cern.ch",
		NTrials: 2,
		Timeout: time.Minute,
		Reports: []plugin.ReportSink{sink},
		Posts: []plugin.PostAction{
			plugin.PostFunc(func(context.Context) error { order = append(order, "first"); return errors.New("ignored") }),
			plugin.PostFunc(func(context.Context) error { panic("also ignored") }),
			plugin.PostFunc(func(context.Context) error { order = append(order, "third"); return nil }),
		},
	})

	go func() {
		req, err := r.queue.Pop(context.Background())
		if err != nil {
			return
		}
		req.complete(timeoutcmd.StatusTimedOut, 2, timeoutcmd.Result{Status: timeoutcmd.StatusTimedOut, TimedOut: true, Stderr: "transaction lock held"})
	}()

	aborted, err := r.cycle(context.Background())
	require.NoError(t, err)
	require.False(t, aborted)

	s, f := sink.Counts()
	require.Zero(t, s)
	require.Equal(t, 1, f)
	require.Contains(t, sink.failures[0], "after 2 attempt(s) with status 124")
	require.Contains(t, sink.failures[0], "timed out after 1m0s")
	require.Contains(t, sink.failures[0], "transaction lock held")

	require.Equal(t, []string{"first", "third"}, order)
	require.False(t, r.LastPublished().IsZero())
	require.False(t, r.LastAttempt().Before(r.LastPublished()))

	snap := r.Snapshot()
	require.Equal(t, uint64(1), snap.Failed)
	require.NotNil(t, snap.LastStatus)
	require.Equal(t, timeoutcmd.StatusTimedOut, *snap.LastStatus)
}

func TestRepositorySeedsClocksFromMarker(t *testing.T) {
	t.Parallel()
	marker := time.Unix(1460734339, 0)
	r := testRepository(RepositoryConfig{Name: "a", LastSnapshot: marker})
	require.True(t, marker.Equal(r.LastAttempt()))
	require.True(t, marker.Equal(r.LastPublished()))
}

func TestRunWaitsOutInterval(t *testing.T) {
	t.Parallel()
	now := time.Unix(10_000, 0)
	var waited []time.Duration
	stop := make(chan struct{})
	r := newRepository(RepositoryConfig{
		Name:         "a",
		Schedule:     Every(time.Hour),
		Command:      cmdFor("a"),
		LastSnapshot: now.Add(-20 * time.Minute),
		Acceptance:   []plugin.AcceptanceCheck{plugin.AcceptanceFunc(func(context.Context) (bool, error) { return false, nil })},
	}, NewQueue(), eventbus.Nop{}, logx.Nop(), func() time.Time { return now }, func(ctx context.Context, d time.Duration) error {
		waited = append(waited, d)
		if len(waited) == 2 {
			close(stop)
		}
		return nil
	})

	require.NoError(t, r.Run(context.Background(), stop))
	// first wait is the remainder since the marker, the second a full interval
	require.Equal(t, []time.Duration{40 * time.Minute, time.Hour}, waited)
	require.Equal(t, uint64(1), r.Snapshot().Cycles, "stop is honoured right after the wait")
}

func TestRunHardContextInterruptsWait(t *testing.T) {
	t.Parallel()
	r := testRepository(RepositoryConfig{Name: "a", LastSnapshot: time.Now()})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, make(chan struct{}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateStopped, r.State())
}
