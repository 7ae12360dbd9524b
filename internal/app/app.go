// Package app wires configuration, logging, plugins, the replication engine
// and the operational endpoints into one daemon, and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"cvmfsreplica/internal/config"
	"cvmfsreplica/internal/eventbus"
	"cvmfsreplica/internal/observability/debugsrv"
	"cvmfsreplica/internal/observability/metrics"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/internal/plugin/builtin"
	"cvmfsreplica/internal/replica"
	"cvmfsreplica/internal/runtime/supervisor"
	logx "cvmfsreplica/pkg/logx"
)

const metricsNamespace = "cvmfsreplica"

type Option func(*options)

type options struct {
	runner   replica.Runner
	registry *plugin.Registry
	logger   *logx.Logger
}

// WithRunner replaces the process runner of the agents.
func WithRunner(r replica.Runner) Option { return func(o *options) { o.runner = r } }

// WithRegistry replaces the builtin plugin registry.
func WithRegistry(r *plugin.Registry) Option { return func(o *options) { o.registry = r } }

// WithLogger bypasses the configured log sink.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.logger = &l } }

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	mgr     *replica.Manager
	prom    *metrics.Prom
	debug   *debugsrv.Server
	sd      *systemd
	skipped []Skipped

	sup *supervisor.Supervisor
}

// New loads and validates the configuration and builds every component
// without starting anything. A global configuration error is returned;
// problems with individual repositories only exclude those repositories.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{runner: replica.CommandRunner}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.logger != nil {
		log = *o.logger
	} else {
		logSvc, log = logx.New(logx.Config{Level: cfg.Logging.LevelOrDefault(), Target: cfg.Logging.Target()})
	}

	reg := o.registry
	if reg == nil {
		reg = plugin.NewRegistry()
		if err := builtin.Register(reg); err != nil {
			return nil, err
		}
	}

	entries, err := cfgm.Repositories(cfg)
	if err != nil {
		return nil, err
	}
	repos, skipped := ResolveRepositories(cfg, entries, reg, log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	mgr, err := replica.NewManager(replica.ManagerConfig{
		Workers:   cfg.Workers(),
		KillGrace: cfg.KillGrace(),
		Runner:    o.runner,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "replica")),
	}, repos)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		logs:    logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     bus,
		mgr:     mgr,
		sd:      newSystemd(log.With(logx.String("comp", "systemd"))),
		skipped: skipped,
	}
	a.prom = metrics.NewProm(metricsNamespace, metrics.Gauges{
		QueueLength:   func() float64 { return float64(mgr.Queue().Len()) },
		InFlight:      func() float64 { return float64(mgr.InFlight()) },
		DroppedEvents: func() float64 { return float64(bus.Dropped()) },
	})
	if cfg.Debug.Enabled {
		a.debug = debugsrv.New(debugsrv.Config{
			Addr:         cfg.DebugAddr(),
			Token:        cfg.Debug.Token,
			Pprof:        cfg.Debug.Pprof,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, debugsrv.Handlers{
			Metrics: a.prom.Handler(),
			Health:  a.Health,
		}, log)
	}
	return a, nil
}

func (a *App) Manager() *replica.Manager { return a.mgr }

// Skipped lists the repositories excluded at startup.
func (a *App) Skipped() []Skipped { return a.skipped }

// Health is the /healthz document.
type Health struct {
	Status  string                  `json:"status"`
	Skipped []string                `json:"skipped,omitempty"`
	Manager replica.ManagerSnapshot `json:"manager"`
	App     supervisor.Snapshot     `json:"app"`
}

func (a *App) Health() any {
	h := Health{Status: "ok", Manager: a.mgr.Snapshot(), App: a.sup.Snapshot()}
	for _, s := range a.skipped {
		h.Skipped = append(h.Skipped, s.Name)
	}
	if h.Manager.Stopping {
		h.Status = "stopping"
	}
	return h
}

// Start launches the engine and the background loops and returns.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return cfg.Validate() })

	events, unsub := a.bus.Subscribe(1024)
	a.sup.Go("metrics.consume", func(c context.Context) error {
		defer unsub()
		return a.prom.Consume(c, events)
	})

	if a.debug != nil {
		if err := a.debug.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	a.mgr.Start()

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	status := fmt.Sprintf("replicating %d repositories with %d agents", len(a.mgr.Repositories()), a.cfg.Workers())
	a.sd.Ready(status)
	a.log.Info("started",
		logx.Int("repositories", len(a.mgr.Repositories())),
		logx.Int("skipped", len(a.skipped)),
		logx.Int("agents", a.cfg.Workers()),
	)
	return nil
}

// Run starts the daemon and blocks until SIGINT, SIGTERM or ctx ends, then
// shuts down within replica.shutdown_timeout (0 waits for a cooperative
// stop). A panic in the run loop is logged and returned as an error.
func (a *App) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Critical("unexpected error in run loop", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.Stop(stopCtx, StopFatalError)
		}
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := StopContext
	select {
	case sig := <-sigCh:
		reason = reasonFor(sig)
	case <-ctx.Done():
	}

	stopCtx := context.Background()
	if d := a.cfg.ShutdownTimeout(); d > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(stopCtx, d)
		defer cancel()
	}
	return a.Stop(stopCtx, reason)
}

// Stop drains the engine, then stops the endpoints and background loops.
// The engine error (a missed shutdown deadline) is returned.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))
	start := time.Now()

	err := a.mgr.Shutdown(ctx)
	if err != nil {
		a.log.Error("replication engine did not stop in time", logx.Err(err), logx.Duration("took", time.Since(start)))
	}

	bounded := func(d time.Duration) (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), d)
	}
	if a.debug != nil {
		c, cancel := bounded(2 * time.Second)
		if derr := a.debug.Stop(c); derr != nil && !errors.Is(derr, context.Canceled) {
			a.log.Warn("debug server stop", logx.Err(derr))
		}
		cancel()
	}
	c, cancel := bounded(2 * time.Second)
	if serr := a.sup.Stop(c); serr != nil {
		a.log.Warn("background loops did not stop in time", logx.Err(serr))
	}
	cancel()

	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// reloadLoop applies logging changes live. Everything else is reported as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		a.logs.Apply(logx.Config{Level: next.Logging.LevelOrDefault(), Target: next.Logging.Target()})
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if restart {
		a.log.Warn("config changed; restart required for changes to take effect", fields...)
		a.sd.Status("config changed on disk; restart required")
		return
	}
	a.log.Info("config reloaded", fields...)
}
