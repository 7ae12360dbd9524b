package cleanup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cvmfsreplica/internal/cvmfs"
	"cvmfsreplica/internal/plugin"
)

func TestRunEmptiesTempDir(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	txn := filepath.Join(root, "data", "txn")
	require.NoError(t, os.MkdirAll(filepath.Join(txn, "nested"), 0o755))
	for _, name := range []string{"a.tmp", "b.tmp", filepath.Join("nested", "c.tmp")} {
		require.NoError(t, os.WriteFile(filepath.Join(txn, name), []byte("x"), 0o644))
	}

	p, err := New(plugin.Env{Server: cvmfs.NewServerConfig(map[string]string{
		cvmfs.KeyUpstreamStorage: "local," + txn + "," + root,
	})}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	entries, err := os.ReadDir(txn)
	require.NoError(t, err)
	require.Empty(t, entries)
	_, err = os.Stat(root)
	require.NoError(t, err)
}

func TestRunMissingDir(t *testing.T) {
	t.Parallel()
	p, err := New(plugin.Env{}, json.RawMessage(`{"dir": "/nonexistent/cvmfs/txn"}`))
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
}

func TestNewRejectsDangerousDirs(t *testing.T) {
	t.Parallel()
	for _, dir := range []string{"/", "relative/txn", "/.."} {
		_, err := New(plugin.Env{}, json.RawMessage(`{"dir": "`+dir+`"}`))
		require.Error(t, err, dir)
	}
	_, err := New(plugin.Env{Server: cvmfs.NewServerConfig(map[string]string{cvmfs.KeyUpstreamStorage: "local"})}, nil)
	require.Error(t, err)
}
