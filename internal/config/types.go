package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Config is the service file.
type Config struct {
	Replica ReplicaConfig `json:"replica"`
	Logging LoggingConfig `json:"logging"`
	Debug   DebugConfig   `json:"debug"`

	// Repositories may be given inline, in Replica.RepositoriesConf, or both.
	// Inline entries win on name clashes.
	Repositories []Repository `json:"repositories,omitempty"`
}

// ReplicaConfig holds settings for the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - cvmfs_config_dir: /etc/cvmfs/repositories.d
//   - snapshot_command: ["cvmfs_server", "snapshot", "{repository}"]
//   - shutdown_timeout: "0s" (wait for producers and workers to stop on their own)
//   - kill_grace: "10s"
type ReplicaConfig struct {
	// MaximumConcurrentSnapshots is required; a pointer distinguishes
	// "omitted" from an explicit 0.
	MaximumConcurrentSnapshots *int `json:"maximum_concurrent_snapshots"`

	RepositoriesConf string   `json:"repositories_conf,omitempty"`
	CVMFSConfigDir   string   `json:"cvmfs_config_dir,omitempty"`
	SnapshotCommand  []string `json:"snapshot_command,omitempty"`

	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	KillGrace       string `json:"kill_grace,omitempty"`
}

type LoggingConfig struct {
	// Level: TRACE, DEBUG, INFO, WARNING, ERROR, CRITICAL. Default WARNING.
	Level string `json:"level,omitempty"`
	// Log: "stdout", "syslog" or "file:///path".
	Log string `json:"log,omitempty"`
}

type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	// Token is required to bind a non-loopback address.
	Token string `json:"token,omitempty"`
}

// RepositoriesFile is the layout of replica.repositories_conf.
type RepositoriesFile struct {
	Repositories []Repository `json:"repositories"`
}

// Repository is one replica target.
type Repository struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled,omitempty"`

	// Interval is seconds (number), a Go duration, "@every 1h" or a cron expression.
	Interval Value `json:"interval"`
	NTrials  int   `json:"ntrials,omitempty"`
	Priority int   `json:"priority,omitempty"`
	// Timeout is seconds (number) or a Go duration. Empty means no deadline.
	Timeout Value `json:"timeout,omitempty"`

	// Command overrides replica.snapshot_command.
	Command []string `json:"command,omitempty"`

	Acceptance []PluginSpec `json:"acceptance,omitempty"`
	Report     []PluginSpec `json:"report,omitempty"`
	Post       []PluginSpec `json:"post,omitempty"`
}

// IsEnabled treats an omitted enabled flag as true.
func (r Repository) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// PluginSpec binds one plugin instance to a repository.
type PluginSpec struct {
	Plugin string `json:"plugin"`
	// ShouldAbort applies to acceptance plugins; nil keeps the plugin's default.
	ShouldAbort *bool           `json:"should_abort,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
	// Report lists sinks the plugin notifies itself (e.g. diskspace).
	Report []PluginSpec `json:"report,omitempty"`
}

// Value is a scalar that may be written as a number or a string.
// Numbers are kept in their decimal form.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected number or string, got %s", string(b))
	}
	*v = Value(n.String())
	return nil
}

func (v Value) String() string { return string(v) }

// Seconds reports whether v is a plain number and returns it.
func (v Value) Seconds() (float64, bool) {
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
