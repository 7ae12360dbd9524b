package diskspace

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"cvmfsreplica/internal/cvmfs"
	"cvmfsreplica/internal/plugin"
)

type sink struct{ failures []string }

func (s *sink) NotifySuccess(context.Context) error { return nil }
func (s *sink) NotifyFailure(_ context.Context, msg string) error {
	s.failures = append(s.failures, msg)
	return nil
}

func server() *cvmfs.ServerConfig {
	return cvmfs.NewServerConfig(map[string]string{
		cvmfs.KeySpoolDir:        "/var/spool/cvmfs/atlas.cern.ch",
		cvmfs.KeyUpstreamStorage: "local,/srv/cvmfs/atlas.cern.ch/data/txn,/srv/cvmfs/atlas.cern.ch",
	})
}

func newCheck(t *testing.T, abort *bool, opts string, free map[string]uint64) (*Check, *sink) {
	t.Helper()
	s := &sink{}
	c, err := New(plugin.Env{
		Repository:  "atlas.cern.ch",
		Server:      server(),
		ShouldAbort: abort,
		Reports:     []plugin.ReportSink{s},
	}, json.RawMessage(opts))
	require.NoError(t, err)
	check := c.(*Check)
	check.freeBytes = func(dir string) (uint64, error) {
		v, ok := free[dir]
		if !ok {
			return 0, errors.New("no such filesystem")
		}
		return v, nil
	}
	return check, s
}

func TestVerify(t *testing.T) {
	t.Parallel()
	no := false
	free := map[string]uint64{
		"/var/spool/cvmfs/atlas.cern.ch":    500,
		"/srv/cvmfs/atlas.cern.ch":          5000,
		"/srv/cvmfs/atlas.cern.ch/data/txn": 50,
	}
	tests := []struct {
		name      string
		abort     *bool
		opts      string
		wantOK    bool
		wantAbort bool
		wantMsgs  int
	}{
		{name: "enough everywhere", opts: `{"spool_size": 100, "storage_size": 1000}`, wantOK: true},
		{name: "spool short aborts by default", opts: `{"spool_size": 500, "storage_size": 1000}`, wantAbort: true, wantMsgs: 1},
		{name: "storage short without abort", abort: &no, opts: `{"storage_size": 9000}`, wantMsgs: 1},
		{name: "storage only", opts: `{"storage_size": 10}`, wantOK: true},
		{name: "temp dir short", opts: `{"storage_size": 100, "storage_dir": "temp"}`, wantAbort: true, wantMsgs: 1},
		{name: "upstream dir explicit", opts: `{"storage_size": 100, "storage_dir": "upstream"}`, wantOK: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, s := newCheck(t, tt.abort, tt.opts, free)
			ok, err := c.Verify(context.Background())
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantAbort, plugin.IsAbort(err))
			if !tt.wantAbort {
				require.NoError(t, err)
			}
			require.Len(t, s.failures, tt.wantMsgs)
			if tt.wantMsgs > 0 {
				require.Contains(t, s.failures[0], "not enough disk space")
			}
		})
	}
}

func TestVerifyStatError(t *testing.T) {
	t.Parallel()
	c, _ := newCheck(t, nil, `{"spool_size": 1}`, map[string]uint64{})
	ok, err := c.Verify(context.Background())
	require.False(t, ok)
	require.Error(t, err)
	require.False(t, plugin.IsAbort(err))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New(plugin.Env{Server: server()}, nil)
	require.ErrorContains(t, err, "spool_size or storage_size")

	_, err = New(plugin.Env{Server: cvmfs.NewServerConfig(nil)}, json.RawMessage(`{"spool_size": 1}`))
	require.ErrorIs(t, err, cvmfs.ErrMissingKey)

	_, err = New(plugin.Env{Server: server()}, json.RawMessage(`{"spool": 1}`))
	require.Error(t, err)

	_, err = New(plugin.Env{Server: server()}, json.RawMessage(`{"storage_size": 1, "storage_dir": "data"}`))
	require.ErrorContains(t, err, "storage_dir")
}

func TestStorageDirSelection(t *testing.T) {
	t.Parallel()
	for opts, want := range map[string]string{
		`{"storage_size": 1}`:                            "/srv/cvmfs/atlas.cern.ch",
		`{"storage_size": 1, "storage_dir": "upstream"}`: "/srv/cvmfs/atlas.cern.ch",
		`{"storage_size": 1, "storage_dir": "temp"}`:     "/srv/cvmfs/atlas.cern.ch/data/txn",
	} {
		c, _ := newCheck(t, nil, opts, nil)
		require.Equal(t, want, c.storageDir, opts)
	}
}
