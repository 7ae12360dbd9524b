package replica

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"cvmfsreplica/internal/eventbus"
	"cvmfsreplica/pkg/logx"
	"cvmfsreplica/pkg/timeoutcmd"
)

// StatusInternal is the final status of a request whose agent panicked.
const StatusInternal = 255

// Runner executes one command attempt.
type Runner interface {
	Run(ctx context.Context, c timeoutcmd.Command) timeoutcmd.Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, c timeoutcmd.Command) timeoutcmd.Result

func (f RunnerFunc) Run(ctx context.Context, c timeoutcmd.Command) timeoutcmd.Result { return f(ctx, c) }

// CommandRunner runs commands through timeoutcmd.
var CommandRunner Runner = RunnerFunc(timeoutcmd.Run)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryBackoff is the wait after failed attempt number trial (1-based):
// 10s, 100s, 1000s, ... It saturates at math.MaxInt64 instead of wrapping.
func RetryBackoff(trial int) time.Duration {
	d := time.Second
	for i := 0; i < trial; i++ {
		if d > math.MaxInt64/10 {
			return math.MaxInt64
		}
		d *= 10
	}
	return d
}

// Agent is one worker of the pool. It pops requests and runs them to
// completion, one at a time.
type Agent struct {
	ID int

	queue     *Queue
	runner    Runner
	sleep     SleepFunc
	backoff   func(trial int) time.Duration
	killGrace time.Duration
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	inflight *atomic.Int64
	busy     atomic.Bool
	served   atomic.Uint64
}

// Run serves requests until the queue is closed and drained (nil) or ctx
// ends (ctx.Err()).
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("agent started")
	for {
		req, err := a.queue.Pop(ctx)
		if errors.Is(err, ErrQueueClosed) {
			a.log.Debug("agent stopped")
			return nil
		}
		if err != nil {
			return err
		}
		a.process(ctx, req)
	}
}

func (a *Agent) process(ctx context.Context, req *Request) {
	a.busy.Store(true)
	if a.inflight != nil {
		a.inflight.Add(1)
	}
	defer func() {
		if a.inflight != nil {
			a.inflight.Add(-1)
		}
		a.busy.Store(false)
		a.served.Add(1)
	}()
	defer func() {
		if r := recover(); r != nil {
			req.complete(StatusInternal, 0, timeoutcmd.Result{Status: StatusInternal, Err: fmt.Errorf("panic: %v", r)})
			panic(r)
		}
	}()

	log := a.log.With(logx.String("repo", req.Repository), logx.String("request", req.ID))
	log.Info("request received",
		logx.Int("priority", req.Priority),
		logx.Duration("queued", a.now().Sub(req.CreatedAt)),
	)
	a.bus.Publish(eventbus.Event{
		Type:       eventbus.RequestStarted,
		Time:       a.now(),
		Repository: req.Repository,
		Data:       map[string]any{"request": req.ID, "agent": a.ID},
	})

	status, attempts, last := a.Execute(ctx, req)

	if status != 0 {
		log.Critical("all attempts failed",
			logx.Int("attempts", attempts),
			logx.Int("status", status),
			logx.Bool("timed_out", last.TimedOut),
		)
	} else {
		log.Info("request processed", logx.Int("attempts", attempts))
	}
	req.complete(status, attempts, last)
	a.bus.Publish(eventbus.Event{
		Type:       eventbus.RequestFinished,
		Time:       a.now(),
		Repository: req.Repository,
		Data: map[string]any{
			"request":  req.ID,
			"status":   status,
			"attempts": attempts,
			"agent":    a.ID,
		},
	})
}

// Execute runs the request's command up to NTrials times, stopping at the
// first success and sleeping RetryBackoff(trial) between failures. It returns
// the last attempt's status. Commands are not cancelled by ctx; only their
// own timeout ends them. A cancelled ctx cuts a backoff short and ends the
// retries.
func (a *Agent) Execute(ctx context.Context, req *Request) (status, attempts int, last timeoutcmd.Result) {
	ntrials := req.NTrials
	if ntrials < 1 {
		ntrials = 1
	}
	log := a.log.With(logx.String("repo", req.Repository), logx.String("request", req.ID))
	runCtx := context.WithoutCancel(ctx)

	for trial := 1; trial <= ntrials; trial++ {
		attempts = trial
		last = a.runner.Run(runCtx, timeoutcmd.Command{
			Args:      req.Command,
			Timeout:   req.Timeout,
			KillGrace: a.killGrace,
		})
		status = last.Status

		fields := []logx.Field{
			logx.Int("trial", trial),
			logx.Int("ntrials", ntrials),
			logx.Int("status", status),
			logx.Duration("took", last.Duration),
			logx.Bool("timed_out", last.TimedOut),
		}
		if last.Success() {
			log.Info("attempt succeeded", fields...)
		} else {
			log.Warn("attempt failed", append(fields, logx.Err(last.Err), logx.String("stderr", tail(last.Stderr, 512)))...)
		}
		if out := strings.TrimSpace(last.Stdout); out != "" {
			log.Debug("attempt output", logx.String("stdout", tail(out, 4096)))
		}
		a.bus.Publish(eventbus.Event{
			Type:       eventbus.AttemptFinished,
			Time:       a.now(),
			Repository: req.Repository,
			Data: map[string]any{
				"request":   req.ID,
				"trial":     trial,
				"status":    status,
				"timed_out": last.TimedOut,
				"duration":  last.Duration,
			},
		})

		if last.Success() {
			return 0, attempts, last
		}
		if status == 0 {
			// started but could not be waited for
			status = timeoutcmd.StatusStartFailed
		}
		if trial == ntrials {
			break
		}
		wait := a.backoff(trial)
		log.Info("waiting before retry", logx.Duration("wait", wait), logx.Int("next_trial", trial+1))
		if err := a.sleep(ctx, wait); err != nil {
			log.Warn("retries abandoned", logx.Err(err))
			break
		}
	}
	return status, attempts, last
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
