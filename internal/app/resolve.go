package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"cvmfsreplica/internal/config"
	"cvmfsreplica/internal/cvmfs"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/internal/replica"
	logx "cvmfsreplica/pkg/logx"
)

// Skipped records a repository entry that could not be scheduled.
type Skipped struct {
	Name string
	Err  error
}

// ResolveRepositories turns config entries into engine repositories. Disabled
// entries are left out silently; an entry that fails validation, has no
// readable server.conf, an unparsable interval or a plugin that cannot be
// built is logged at critical and skipped. The rest keep running.
func ResolveRepositories(cfg *config.Config, entries []config.Repository, reg *plugin.Registry, log logx.Logger) ([]replica.RepositoryConfig, []Skipped) {
	var (
		out     []replica.RepositoryConfig
		skipped []Skipped
	)
	for _, e := range entries {
		if !e.IsEnabled() {
			log.Info("repository disabled", logx.String("repo", e.Name))
			continue
		}
		rc, err := resolveRepository(cfg, e, reg, log.With(logx.String("repo", e.Name)))
		if err != nil {
			log.Critical("repository not scheduled", logx.String("repo", e.Name), logx.Err(err))
			skipped = append(skipped, Skipped{Name: e.Name, Err: err})
			continue
		}
		out = append(out, rc)
	}
	return out, skipped
}

func resolveRepository(cfg *config.Config, e config.Repository, reg *plugin.Registry, log logx.Logger) (replica.RepositoryConfig, error) {
	if err := config.ValidateRepository(e); err != nil {
		return replica.RepositoryConfig{}, err
	}
	server, err := cvmfs.LoadServerConfig(cfg.CVMFSConfigDir(), e.Name)
	if err != nil {
		return replica.RepositoryConfig{}, err
	}
	sched, err := replica.ParseSchedule(e.Interval.String())
	if err != nil {
		return replica.RepositoryConfig{}, fmt.Errorf("interval: %w", err)
	}
	timeout, err := config.ParseSecondsOrDuration("timeout", e.Timeout)
	if err != nil {
		return replica.RepositoryConfig{}, err
	}
	set, err := reg.Build(plugin.Env{
		Repository: e.Name,
		Server:     server,
		Log:        log.With(logx.String("comp", "plugin")),
	}, e)
	if err != nil {
		return replica.RepositoryConfig{}, err
	}
	ntrials := e.NTrials
	if ntrials == 0 {
		ntrials = config.DefaultNTrials
	}
	return replica.RepositoryConfig{
		Name:         e.Name,
		Schedule:     sched,
		NTrials:      ntrials,
		Priority:     e.Priority,
		Timeout:      timeout,
		Command:      cfg.CommandFor(e),
		LastSnapshot: lastSnapshot(server, log),
		Acceptance:   set.Acceptance,
		Reports:      set.Reports,
		Posts:        set.Posts,
	}, nil
}

// lastSnapshot reads the marker cvmfs_server leaves in the upstream storage.
// Any problem yields the zero time, which schedules the first cycle now.
func lastSnapshot(server *cvmfs.ServerConfig, log logx.Logger) time.Time {
	storage, err := server.UpstreamStorage()
	if err != nil {
		log.Warn("no upstream storage; treating repository as never replicated", logx.Err(err))
		return time.Time{}
	}
	path := cvmfs.MarkerPath(storage)
	t, err := cvmfs.ReadMarker(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn("no snapshot marker; treating repository as never replicated", logx.String("path", path))
		return time.Time{}
	case err != nil:
		log.Warn("unreadable snapshot marker; treating repository as never replicated", logx.String("path", path), logx.Err(err))
		return time.Time{}
	}
	log.Debug("last snapshot", logx.Time("at", t))
	return t
}
