package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"cvmfsreplica/internal/config"
)

type recordingSink struct {
	name     string
	failures []string
	success  int
	err      error
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) NotifySuccess(context.Context) error {
	s.success++
	return s.err
}
func (s *recordingSink) NotifyFailure(_ context.Context, msg string) error {
	s.failures = append(s.failures, msg)
	return s.err
}

func TestAbort(t *testing.T) {
	t.Parallel()
	base := errors.New("disk full")
	err := fmt.Errorf("diskspace: %w", Abort(base))
	require.True(t, IsAbort(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsAbort(base))
	require.Contains(t, err.Error(), "repository aborted: disk full")
}

func TestRegistryBuild(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var gotEnv Env
	var gotOpts struct {
		Limit int `json:"limit"`
	}
	require.NoError(t, r.RegisterAcceptance("Check", func(env Env, opts json.RawMessage) (AcceptanceCheck, error) {
		gotEnv = env
		if err := DecodeOptions(opts, &gotOpts); err != nil {
			return nil, err
		}
		return AcceptanceFunc(func(context.Context) (bool, error) { return true, nil }), nil
	}))
	sinks := 0
	require.NoError(t, r.RegisterReport("sink", func(env Env, _ json.RawMessage) (ReportSink, error) {
		sinks++
		return &recordingSink{name: fmt.Sprintf("sink-%d", sinks)}, nil
	}))
	require.NoError(t, r.RegisterPost("noop", func(Env, json.RawMessage) (PostAction, error) {
		return PostFunc(func(context.Context) error { return nil }), nil
	}))
	require.Error(t, r.RegisterPost("NOOP", nil))
	require.Equal(t, []string{"acceptance/check", "post/noop", "report/sink"}, r.Names())

	no := false
	set, err := r.Build(Env{Repository: "atlas.cern.ch"}, config.Repository{
		Name: "atlas.cern.ch",
		Acceptance: []config.PluginSpec{{
			Plugin:      "check",
			ShouldAbort: &no,
			Options:     json.RawMessage(`{"limit": 3}`),
			Report:      []config.PluginSpec{{Plugin: "sink"}},
		}},
		Report: []config.PluginSpec{{Plugin: "sink"}},
		Post:   []config.PluginSpec{{Plugin: "noop"}, {Plugin: "noop"}},
	})
	require.NoError(t, err)
	require.Len(t, set.Acceptance, 1)
	require.Len(t, set.Reports, 1)
	require.Len(t, set.Posts, 2)
	require.Equal(t, 3, gotOpts.Limit)
	require.Equal(t, "atlas.cern.ch", gotEnv.Repository)
	require.False(t, gotEnv.AbortOr(true))
	require.Len(t, gotEnv.Reports, 1)

	_, err = r.Build(Env{}, config.Repository{Post: []config.PluginSpec{{Plugin: "missing"}}})
	require.ErrorContains(t, err, `unknown plugin "missing"`)

	_, err = r.Build(Env{}, config.Repository{Acceptance: []config.PluginSpec{{Plugin: "check", Options: json.RawMessage(`{"limt": 3}`)}}})
	require.ErrorContains(t, err, "limt")
}

func TestNotifyAll(t *testing.T) {
	t.Parallel()
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("smtp down")}
	ctx := context.Background()

	err := NotifyAll(ctx, []ReportSink{bad, ok}, false, "status 1")
	require.ErrorContains(t, err, "bad: smtp down")
	require.Equal(t, []string{"status 1"}, ok.failures)
	require.Equal(t, []string{"status 1"}, bad.failures)

	require.Error(t, NotifyAll(ctx, []ReportSink{ok, bad}, true, ""))
	require.Equal(t, 1, ok.success)
}

func TestEnvAbortOr(t *testing.T) {
	t.Parallel()
	yes := true
	require.True(t, Env{}.AbortOr(true))
	require.False(t, Env{}.AbortOr(false))
	require.True(t, Env{ShouldAbort: &yes}.AbortOr(false))
}
