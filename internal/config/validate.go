package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid config")

const (
	DefaultCVMFSConfigDir = "/etc/cvmfs/repositories.d"
	DefaultKillGrace      = 10 * time.Second
	DefaultDebugAddr      = "127.0.0.1:9109"
	DefaultLogTarget      = "file:///var/log/cvmfsreplica/cvmfsreplica.log"
	DefaultLogLevel       = "WARNING"
	DefaultNTrials        = 1

	// RepositoryPlaceholder is replaced by the repository name in commands.
	RepositoryPlaceholder = "{repository}"
)

var DefaultSnapshotCommand = []string{"cvmfs_server", "snapshot", RepositoryPlaceholder}

// Validate checks the global settings. A failure here means nothing may start.
// Repository entries are checked separately by ValidateRepository so a bad
// entry only disables itself.
func (c *Config) Validate() error {
	var problems []string
	if c.Replica.MaximumConcurrentSnapshots == nil {
		problems = append(problems, "replica.maximum_concurrent_snapshots is required")
	} else if *c.Replica.MaximumConcurrentSnapshots <= 0 {
		problems = append(problems, "replica.maximum_concurrent_snapshots must be > 0")
	}
	if _, err := ParseDurationField("replica.shutdown_timeout", c.Replica.ShutdownTimeout); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := ParseDurationField("replica.kill_grace", c.Replica.KillGrace); err != nil {
		problems = append(problems, err.Error())
	}
	if cmd := c.Replica.SnapshotCommand; len(cmd) > 0 && strings.TrimSpace(cmd[0]) == "" {
		problems = append(problems, "replica.snapshot_command: program is empty")
	}
	if t := strings.TrimSpace(c.Logging.Log); t != "" && t != "stdout" && t != "syslog" && !strings.HasPrefix(t, "file://") {
		problems = append(problems, fmt.Sprintf("logging.log: unsupported target %q", t))
	}
	if c.Debug.Enabled {
		if _, _, err := net.SplitHostPort(c.DebugAddr()); err != nil {
			problems = append(problems, fmt.Sprintf("debug.addr: %v", err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateRepository checks one repository entry in isolation.
func ValidateRepository(r Repository) error {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if r.Interval == "" {
		problems = append(problems, "interval is required")
	}
	if r.NTrials < 0 {
		problems = append(problems, "ntrials must be >= 0")
	}
	if _, err := ParseSecondsOrDuration("timeout", r.Timeout); err != nil {
		problems = append(problems, err.Error())
	}
	if len(r.Command) > 0 && strings.TrimSpace(r.Command[0]) == "" {
		problems = append(problems, "command: program is empty")
	}
	for _, group := range [][]PluginSpec{r.Acceptance, r.Report, r.Post} {
		for _, p := range group {
			if err := validatePluginSpec(p); err != nil {
				problems = append(problems, err.Error())
			}
		}
	}
	if len(problems) > 0 {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = "<unnamed>"
		}
		return fmt.Errorf("%w: repository %s: %s", ErrInvalid, name, strings.Join(problems, "; "))
	}
	return nil
}

func validatePluginSpec(p PluginSpec) error {
	if strings.TrimSpace(p.Plugin) == "" {
		return errors.New("plugin name is required")
	}
	for _, r := range p.Report {
		if err := validatePluginSpec(r); err != nil {
			return fmt.Errorf("%s.report: %w", p.Plugin, err)
		}
	}
	return nil
}

func (c *Config) Workers() int {
	if c.Replica.MaximumConcurrentSnapshots == nil {
		return 0
	}
	return *c.Replica.MaximumConcurrentSnapshots
}

func (c *Config) CVMFSConfigDir() string {
	if d := strings.TrimSpace(c.Replica.CVMFSConfigDir); d != "" {
		return d
	}
	return DefaultCVMFSConfigDir
}

// ShutdownTimeout returns 0 for "wait as long as it takes".
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := ParseDurationField("replica.shutdown_timeout", c.Replica.ShutdownTimeout)
	return d
}

func (c *Config) KillGrace() time.Duration {
	d, _ := ParseDurationOrDefault("replica.kill_grace", c.Replica.KillGrace, DefaultKillGrace)
	return d
}

func (c *Config) DebugAddr() string {
	if a := strings.TrimSpace(c.Debug.Addr); a != "" {
		return a
	}
	return DefaultDebugAddr
}

func (l LoggingConfig) LevelOrDefault() string {
	if s := strings.TrimSpace(l.Level); s != "" {
		return s
	}
	return DefaultLogLevel
}

func (l LoggingConfig) Target() string {
	if s := strings.TrimSpace(l.Log); s != "" {
		return s
	}
	return DefaultLogTarget
}

// CommandFor returns the snapshot command for a repository with the
// placeholder substituted.
func (c *Config) CommandFor(r Repository) []string {
	src := r.Command
	if len(src) == 0 {
		src = c.Replica.SnapshotCommand
	}
	if len(src) == 0 {
		src = DefaultSnapshotCommand
	}
	out := make([]string, len(src))
	for i, a := range src {
		out[i] = strings.ReplaceAll(a, RepositoryPlaceholder, r.Name)
	}
	return out
}

// ResolvePath makes a relative path relative to the directory of base.
func ResolvePath(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(base), p)
}
