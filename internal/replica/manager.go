// Package replica schedules snapshot requests for a set of repositories and
// runs them on a bounded pool of agents.
package replica

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cvmfsreplica/internal/eventbus"
	"cvmfsreplica/internal/runtime/supervisor"
	"cvmfsreplica/pkg/logx"
	"cvmfsreplica/pkg/timeoutcmd"
)

// ManagerConfig wires the engine. Only Workers is required.
type ManagerConfig struct {
	Workers   int
	KillGrace time.Duration

	Runner Runner
	Bus    eventbus.Bus
	Log    logx.Logger

	// Test hooks.
	Sleep   SleepFunc
	Backoff func(trial int) time.Duration
	Now     func() time.Time
}

// Manager owns the repositories (producers) and agents (workers).
type Manager struct {
	cfg   ManagerConfig
	log   logx.Logger
	queue *Queue

	repos  []*Repository
	agents []*Agent

	inflight atomic.Int64

	// hard is cancelled only when a shutdown deadline expires.
	hard       context.Context
	hardCancel context.CancelFunc

	stopOnce sync.Once
	stop     chan struct{}

	startOnce sync.Once
	producers *supervisor.Supervisor
	workers   *supervisor.Supervisor
}

// NewManager validates cfg and builds one Repository per entry and
// cfg.Workers agents. Invalid entries and duplicate names are logged and
// skipped; a non-positive worker count is fatal.
func NewManager(cfg ManagerConfig, repos []RepositoryConfig) (*Manager, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrNoWorkers, cfg.Workers)
	}
	if cfg.Runner == nil {
		cfg.Runner = CommandRunner
	}
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Backoff == nil {
		cfg.Backoff = RetryBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = timeoutcmd.DefaultKillGrace
	}

	m := &Manager{
		cfg:   cfg,
		log:   cfg.Log.With(logx.String("comp", "replica")),
		queue: NewQueue(),
		stop:  make(chan struct{}),
	}
	m.hard, m.hardCancel = context.WithCancel(context.Background())

	seen := map[string]bool{}
	for _, rc := range repos {
		if err := rc.validate(); err != nil {
			m.log.Critical("repository skipped", logx.Err(err))
			continue
		}
		if seen[rc.Name] {
			m.log.Critical("repository skipped", logx.String("repo", rc.Name), logx.String("reason", "duplicate name"))
			continue
		}
		seen[rc.Name] = true
		m.repos = append(m.repos, newRepository(rc, m.queue, cfg.Bus, m.log, cfg.Now, cfg.Sleep))
	}
	for i := 0; i < cfg.Workers; i++ {
		m.agents = append(m.agents, &Agent{
			ID:        i,
			queue:     m.queue,
			runner:    cfg.Runner,
			sleep:     cfg.Sleep,
			backoff:   cfg.Backoff,
			killGrace: cfg.KillGrace,
			bus:       cfg.Bus,
			log:       m.log.With(logx.Int("agent", i)),
			now:       cfg.Now,
			inflight:  &m.inflight,
		})
	}
	m.producers = supervisor.New(m.hard, supervisor.WithLogger(m.log))
	m.workers = supervisor.New(m.hard, supervisor.WithLogger(m.log))
	return m, nil
}

func (m *Manager) Repositories() []*Repository { return m.repos }

func (m *Manager) Queue() *Queue { return m.queue }

// InFlight is the number of requests agents are executing right now.
func (m *Manager) InFlight() int64 { return m.inflight.Load() }

// Start launches every repository and agent and returns immediately.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.log.Info("starting",
			logx.Int("repositories", len(m.repos)),
			logx.Int("agents", len(m.agents)),
		)
		for _, r := range m.repos {
			r := r
			m.producers.GoRestart("repository/"+r.Name(), func(ctx context.Context) error {
				return r.Run(ctx, m.stop)
			}, supervisor.WithRestartBackoff(time.Second, time.Minute))
		}
		for _, a := range m.agents {
			a := a
			m.workers.GoRestart(fmt.Sprintf("agent/%d", a.ID), a.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
		}
	})
}

// Run starts the engine and blocks until ctx is done. The caller then calls
// Shutdown.
func (m *Manager) Run(ctx context.Context) error {
	m.Start()
	<-ctx.Done()
	m.log.Info("run loop interrupted", logx.Err(context.Cause(ctx)))
	return nil
}

// Shutdown stops the repositories and waits for them, then closes the queue
// and waits for the agents to drain it. Stopping is cooperative: sleeps,
// backoffs and running commands are not cut short. If ctx ends first, waits
// are interrupted, nothing is awaited any further, and ctx's error is
// returned. Commands already running keep only their own timeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.log.Info("stopping repositories")
	if err := m.producers.Wait(ctx); err != nil {
		m.hardCancel()
		m.queue.Close()
		m.log.Warn("shutdown deadline reached while stopping repositories", logx.Err(err))
		return err
	}
	m.queue.Close()
	m.log.Info("stopping agents", logx.Int("queued", m.queue.Len()))
	if err := m.workers.Wait(ctx); err != nil {
		m.hardCancel()
		m.log.Warn("shutdown deadline reached while stopping agents", logx.Err(err))
		return err
	}
	m.hardCancel()
	m.log.Info("stopped")
	return nil
}

// ManagerSnapshot is a point-in-time view for health output.
type ManagerSnapshot struct {
	Workers      int                  `json:"workers"`
	QueueLength  int                  `json:"queue_length"`
	InFlight     int64                `json:"in_flight"`
	Stopping     bool                 `json:"stopping"`
	Repositories []RepositorySnapshot `json:"repositories"`
	Producers    supervisor.Snapshot  `json:"producers"`
	Agents       supervisor.Snapshot  `json:"agents"`
}

func (m *Manager) Snapshot() ManagerSnapshot {
	s := ManagerSnapshot{
		Workers:     len(m.agents),
		QueueLength: m.queue.Len(),
		InFlight:    m.inflight.Load(),
		Stopping:    isClosed(m.stop),
		Producers:   m.producers.Snapshot(),
		Agents:      m.workers.Snapshot(),
	}
	for _, r := range m.repos {
		s.Repositories = append(s.Repositories, r.Snapshot())
	}
	return s
}
