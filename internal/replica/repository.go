package replica

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cvmfsreplica/internal/eventbus"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/pkg/logx"
)

// RepositoryConfig is one resolved replica target.
type RepositoryConfig struct {
	Name     string
	Schedule Schedule
	NTrials  int
	Priority int
	// Timeout bounds each attempt; 0 means no deadline.
	Timeout time.Duration
	Command []string

	// LastSnapshot seeds both clocks; zero means never replicated.
	LastSnapshot time.Time

	Acceptance []plugin.AcceptanceCheck
	Reports    []plugin.ReportSink
	Posts      []plugin.PostAction
}

func (c RepositoryConfig) validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if c.Schedule == nil {
		problems = append(problems, "schedule is required")
	}
	if c.NTrials < 0 {
		problems = append(problems, "ntrials must be >= 0")
	}
	if c.Timeout < 0 {
		problems = append(problems, "timeout must be >= 0")
	}
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		problems = append(problems, "command is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("repository %q: %s", c.Name, strings.Join(problems, "; "))
	}
	return nil
}

// State is where a repository is in its cycle.
type State string

const (
	StateWaiting  State = "waiting"
	StateChecking State = "checking"
	StateAwaiting State = "awaiting"
	StatePost     State = "post"
	StateStopped  State = "stopped"
)

// Repository is the producer loop of one replica target. At most one of its
// requests is outstanding at any time.
type Repository struct {
	cfg   RepositoryConfig
	queue *Queue
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
	sleep SleepFunc

	lastAttempt   atomic.Int64 // unix nanoseconds, 0 = never
	lastPublished atomic.Int64
	lastStatus    atomic.Int64
	state         atomic.Value // State

	cycles    atomic.Uint64
	rejected  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

func newRepository(cfg RepositoryConfig, q *Queue, bus eventbus.Bus, log logx.Logger, now func() time.Time, sleep SleepFunc) *Repository {
	r := &Repository{
		cfg:   cfg,
		queue: q,
		bus:   bus,
		log:   log.With(logx.String("repo", cfg.Name)),
		now:   now,
		sleep: sleep,
	}
	if !cfg.LastSnapshot.IsZero() {
		r.lastAttempt.Store(cfg.LastSnapshot.UnixNano())
		r.lastPublished.Store(cfg.LastSnapshot.UnixNano())
	}
	r.lastStatus.Store(-1)
	r.state.Store(StateWaiting)
	return r
}

func (r *Repository) Name() string { return r.cfg.Name }

func (r *Repository) State() State { return r.state.Load().(State) }

func (r *Repository) setState(s State) { r.state.Store(s) }

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// LastAttempt is when the last cycle ended, whatever its outcome.
func (r *Repository) LastAttempt() time.Time { return unixNanoTime(r.lastAttempt.Load()) }

// LastPublished is when the last request completed, successful or not.
func (r *Repository) LastPublished() time.Time { return unixNanoTime(r.lastPublished.Load()) }

// Run loops until stop is closed (checked between cycles and after the
// interval wait) or an acceptance check aborts. Both return nil. ctx is the
// hard stop: it interrupts waits and is passed to plugins.
func (r *Repository) Run(ctx context.Context, stop <-chan struct{}) error {
	r.log.Debug("repository loop started", logx.String("schedule", r.cfg.Schedule.String()))
	defer func() {
		if r.State() != StateStopped {
			r.setState(StateStopped)
		}
	}()
	for {
		if isClosed(stop) {
			r.log.Debug("repository loop stopped")
			return nil
		}
		r.setState(StateWaiting)
		if err := r.waitForSchedule(ctx); err != nil {
			return err
		}
		if isClosed(stop) {
			r.log.Debug("repository loop stopped")
			return nil
		}

		aborted, err := r.cycle(ctx)
		if err != nil {
			return err
		}
		if aborted {
			return nil
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (r *Repository) waitForSchedule(ctx context.Context) error {
	last := r.LastAttempt()
	if last.IsZero() {
		r.log.Info("repository never replicated yet")
		return nil
	}
	now := r.now()
	wait := r.cfg.Schedule.Next(last).Sub(now)
	r.log.Info("last attempt", logx.Duration("ago", now.Sub(last).Truncate(time.Second)))
	if wait <= 0 {
		return nil
	}
	r.log.Info("waiting for next cycle", logx.Duration("wait", wait.Truncate(time.Millisecond)))
	return r.sleep(ctx, wait)
}

// cycle runs acceptance, request, reports and post actions once.
func (r *Repository) cycle(ctx context.Context) (aborted bool, err error) {
	r.cycles.Add(1)
	r.setState(StateChecking)
	ok, abortErr := r.verifyAcceptance(ctx)
	if abortErr != nil {
		r.setState(StateStopped)
		r.log.Critical("acceptance check aborted repository; no further snapshots will be scheduled", logx.Err(abortErr))
		r.bus.Publish(eventbus.Event{
			Type:       eventbus.RepositoryStopped,
			Time:       r.now(),
			Repository: r.cfg.Name,
			Data:       map[string]any{"reason": abortErr.Error()},
		})
		return true, nil
	}

	if ok {
		if err := r.request(ctx); err != nil {
			return false, err
		}
		r.runPost(ctx)
	} else {
		r.rejected.Add(1)
		r.bus.Publish(eventbus.Event{Type: eventbus.CycleRejected, Time: r.now(), Repository: r.cfg.Name})
	}
	r.lastAttempt.Store(r.now().UnixNano())
	return false, nil
}

// verifyAcceptance evaluates checks in order and stops at the first one that
// does not pass. An abort is returned as the second value.
func (r *Repository) verifyAcceptance(ctx context.Context) (bool, error) {
	for _, c := range r.cfg.Acceptance {
		name := plugin.NameOf(c)
		ok, err := safeVerify(ctx, c)
		if err != nil {
			if plugin.IsAbort(err) {
				return false, fmt.Errorf("%s: %w", name, err)
			}
			r.log.Warn("acceptance check failed", logx.String("plugin", name), logx.Err(err))
			return false, nil
		}
		if !ok {
			r.log.Info("acceptance check rejected cycle", logx.String("plugin", name))
			return false, nil
		}
	}
	if len(r.cfg.Acceptance) > 0 {
		r.log.Info("all acceptance checks passed")
	}
	return true, nil
}

func (r *Repository) request(ctx context.Context) error {
	req := newRequest(r.cfg, r.now())
	if err := r.queue.Push(req); err != nil {
		return err
	}
	r.setState(StateAwaiting)
	r.log.Debug("request enqueued", logx.String("request", req.ID), logx.Int("queue_len", r.queue.Len()))
	r.bus.Publish(eventbus.Event{
		Type:       eventbus.RequestEnqueued,
		Time:       req.CreatedAt,
		Repository: r.cfg.Name,
		Data:       map[string]any{"request": req.ID, "priority": req.Priority},
	})

	status, err := req.Wait(ctx)
	if err != nil {
		return err
	}
	r.lastStatus.Store(int64(status))
	r.log.Info("request processed", logx.String("request", req.ID), logx.Int("status", status))

	r.setState(StatePost)
	success := status == 0
	if success {
		r.succeeded.Add(1)
	} else {
		r.failed.Add(1)
	}
	msg := failureMessage(r.cfg.Name, req)
	for _, s := range r.cfg.Reports {
		if err := safeNotify(ctx, s, success, msg); err != nil {
			r.log.Error("report failed", logx.String("plugin", plugin.NameOf(s)), logx.Err(err))
		}
	}
	r.lastPublished.Store(r.now().UnixNano())
	return nil
}

func failureMessage(repo string, req *Request) string {
	if status, _ := req.Status(); status == 0 {
		return ""
	}
	last := req.LastResult()
	var b strings.Builder
	fmt.Fprintf(&b, "Snapshot of repository %s failed after %d attempt(s) with status %d.", repo, req.Attempts(), last.Status)
	if last.TimedOut {
		fmt.Fprintf(&b, " The last attempt timed out after %s.", req.Timeout)
	}
	if last.Err != nil {
		fmt.Fprintf(&b, "\nError: %v", last.Err)
	}
	if s := strings.TrimSpace(last.Stderr); s != "" {
		fmt.Fprintf(&b, "\n\nstderr:\n%s", tail(s, 4096))
	}
	return b.String()
}

func (r *Repository) runPost(ctx context.Context) {
	for _, p := range r.cfg.Posts {
		if err := safeRun(ctx, p); err != nil {
			r.log.Error("post action failed", logx.String("plugin", plugin.NameOf(p)), logx.Err(err))
		}
	}
}

func safeVerify(ctx context.Context, c plugin.AcceptanceCheck) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("panic: %v", rec)
		}
	}()
	return c.Verify(ctx)
}

func safeNotify(ctx context.Context, s plugin.ReportSink, success bool, msg string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	if success {
		return s.NotifySuccess(ctx)
	}
	return s.NotifyFailure(ctx, msg)
}

func safeRun(ctx context.Context, p plugin.PostAction) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Run(ctx)
}

// RepositorySnapshot is a point-in-time view for health output.
type RepositorySnapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Schedule      string    `json:"schedule"`
	Priority      int       `json:"priority"`
	NTrials       int       `json:"ntrials"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	LastPublished time.Time `json:"last_published,omitempty"`
	LastStatus    *int      `json:"last_status,omitempty"`
	Cycles        uint64    `json:"cycles"`
	Rejected      uint64    `json:"rejected"`
	Succeeded     uint64    `json:"succeeded"`
	Failed        uint64    `json:"failed"`
}

func (r *Repository) Snapshot() RepositorySnapshot {
	s := RepositorySnapshot{
		Name:          r.cfg.Name,
		State:         r.State(),
		Schedule:      r.cfg.Schedule.String(),
		Priority:      r.cfg.Priority,
		NTrials:       r.cfg.NTrials,
		LastAttempt:   r.LastAttempt(),
		LastPublished: r.LastPublished(),
		Cycles:        r.cycles.Load(),
		Rejected:      r.rejected.Load(),
		Succeeded:     r.succeeded.Load(),
		Failed:        r.failed.Load(),
	}
	if st := r.lastStatus.Load(); st >= 0 {
		v := int(st)
		s.LastStatus = &v
	}
	return s
}
