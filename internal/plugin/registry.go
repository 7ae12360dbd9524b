package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"cvmfsreplica/internal/config"
	"cvmfsreplica/internal/cvmfs"
	logx "cvmfsreplica/pkg/logx"
)

// Env is what a factory gets to build one plugin instance.
type Env struct {
	Repository string
	Server     *cvmfs.ServerConfig
	Log        logx.Logger

	// ShouldAbort is the per-instance override from config; nil keeps the
	// plugin default (see AbortOr).
	ShouldAbort *bool
	// Reports are the sinks listed under the instance's own report key.
	Reports []ReportSink
}

// AbortOr returns the configured should_abort or def.
func (e Env) AbortOr(def bool) bool {
	if e.ShouldAbort != nil {
		return *e.ShouldAbort
	}
	return def
}

type (
	AcceptanceFactory func(env Env, opts json.RawMessage) (AcceptanceCheck, error)
	ReportFactory     func(env Env, opts json.RawMessage) (ReportSink, error)
	PostFactory       func(env Env, opts json.RawMessage) (PostAction, error)
)

// Registry maps plugin names to factories. Plugins are registered explicitly
// at startup; there is no discovery.
type Registry struct {
	mu         sync.RWMutex
	acceptance map[string]AcceptanceFactory
	report     map[string]ReportFactory
	post       map[string]PostFactory
}

func NewRegistry() *Registry {
	return &Registry{
		acceptance: map[string]AcceptanceFactory{},
		report:     map[string]ReportFactory{},
		post:       map[string]PostFactory{},
	}
}

func normName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) RegisterAcceptance(name string, f AcceptanceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normName(name)
	if _, ok := r.acceptance[key]; ok {
		return fmt.Errorf("acceptance plugin %q already registered", name)
	}
	r.acceptance[key] = f
	return nil
}

func (r *Registry) RegisterReport(name string, f ReportFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normName(name)
	if _, ok := r.report[key]; ok {
		return fmt.Errorf("report plugin %q already registered", name)
	}
	r.report[key] = f
	return nil
}

func (r *Registry) RegisterPost(name string, f PostFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normName(name)
	if _, ok := r.post[key]; ok {
		return fmt.Errorf("post plugin %q already registered", name)
	}
	r.post[key] = f
	return nil
}

// Names lists registered plugins as "kind/name", sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.acceptance)+len(r.report)+len(r.post))
	for n := range r.acceptance {
		out = append(out, "acceptance/"+n)
	}
	for n := range r.report {
		out = append(out, "report/"+n)
	}
	for n := range r.post {
		out = append(out, "post/"+n)
	}
	sort.Strings(out)
	return out
}

// Set is the resolved collaborators of one repository, in declaration order.
type Set struct {
	Acceptance []AcceptanceCheck
	Reports    []ReportSink
	Posts      []PostAction
}

// Build instantiates every plugin a repository entry declares. The first
// failure aborts the whole build so a half-configured repository never runs.
func (r *Registry) Build(base Env, repo config.Repository) (*Set, error) {
	set := &Set{}
	for i, spec := range repo.Acceptance {
		env, err := r.envFor(base, spec)
		if err != nil {
			return nil, fmt.Errorf("acceptance[%d] %s: %w", i, spec.Plugin, err)
		}
		r.mu.RLock()
		f, ok := r.acceptance[normName(spec.Plugin)]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("acceptance[%d]: unknown plugin %q", i, spec.Plugin)
		}
		c, err := f(env, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("acceptance[%d] %s: %w", i, spec.Plugin, err)
		}
		set.Acceptance = append(set.Acceptance, c)
	}
	reports, err := r.buildReports(base, repo.Report)
	if err != nil {
		return nil, err
	}
	set.Reports = reports
	for i, spec := range repo.Post {
		r.mu.RLock()
		f, ok := r.post[normName(spec.Plugin)]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("post[%d]: unknown plugin %q", i, spec.Plugin)
		}
		env, err := r.envFor(base, spec)
		if err != nil {
			return nil, fmt.Errorf("post[%d] %s: %w", i, spec.Plugin, err)
		}
		p, err := f(env, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("post[%d] %s: %w", i, spec.Plugin, err)
		}
		set.Posts = append(set.Posts, p)
	}
	return set, nil
}

func (r *Registry) envFor(base Env, spec config.PluginSpec) (Env, error) {
	env := base
	env.ShouldAbort = spec.ShouldAbort
	env.Log = base.Log.With(logx.String("plugin", normName(spec.Plugin)))
	env.Reports = nil
	if len(spec.Report) > 0 {
		sinks, err := r.buildReports(base, spec.Report)
		if err != nil {
			return Env{}, err
		}
		env.Reports = sinks
	}
	return env, nil
}

func (r *Registry) buildReports(base Env, specs []config.PluginSpec) ([]ReportSink, error) {
	var out []ReportSink
	for i, spec := range specs {
		r.mu.RLock()
		f, ok := r.report[normName(spec.Plugin)]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("report[%d]: unknown plugin %q", i, spec.Plugin)
		}
		env := base
		env.ShouldAbort = spec.ShouldAbort
		env.Log = base.Log.With(logx.String("plugin", normName(spec.Plugin)))
		s, err := f(env, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("report[%d] %s: %w", i, spec.Plugin, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// DecodeOptions strictly decodes a plugin's options block into dst.
// An empty block leaves dst untouched.
func DecodeOptions(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("options: trailing data")
	}
	return nil
}
