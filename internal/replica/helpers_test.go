package replica

import (
	"context"
	"sync"
	"time"

	"cvmfsreplica/internal/eventbus"
	"cvmfsreplica/pkg/logx"
	"cvmfsreplica/pkg/timeoutcmd"
)

// fakeRunner keys calls by the last command argument (the repository name).
type fakeRunner struct {
	delay  time.Duration
	status func(repo string, call int) int

	mu         sync.Mutex
	calls      map[string]int
	running    int
	maxRunning int
}

func (f *fakeRunner) Run(_ context.Context, c timeoutcmd.Command) timeoutcmd.Result {
	repo := c.Args[len(c.Args)-1]
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[repo]++
	n := f.calls[repo]
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	st := 0
	if f.status != nil {
		st = f.status(repo, n)
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return timeoutcmd.Result{Status: st, Duration: f.delay, Stderr: "stderr of " + repo}
}

func (f *fakeRunner) Calls(repo string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[repo]
}

func (f *fakeRunner) Max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

// sleepRecorder records backoff waits and returns at once.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type countingSink struct {
	mu       sync.Mutex
	success  int
	failures []string
}

func (s *countingSink) Name() string { return "counting" }

func (s *countingSink) NotifySuccess(context.Context) error {
	s.mu.Lock()
	s.success++
	s.mu.Unlock()
	return nil
}

func (s *countingSink) NotifyFailure(_ context.Context, msg string) error {
	s.mu.Lock()
	s.failures = append(s.failures, msg)
	s.mu.Unlock()
	return nil
}

func (s *countingSink) Counts() (success, failure int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.success, len(s.failures)
}

func testAgent(r Runner, sleep SleepFunc) *Agent {
	return &Agent{
		queue:     NewQueue(),
		runner:    r,
		sleep:     sleep,
		backoff:   RetryBackoff,
		killGrace: 100 * time.Millisecond,
		bus:       eventbus.Nop{},
		log:       logx.Nop(),
		now:       time.Now,
	}
}

func cmdFor(repo string) []string { return []string{"cvmfs_server", "snapshot", repo} }
