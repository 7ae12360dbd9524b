// Package cvmfs reads the per-repository CVMFS server configuration and the
// snapshot marker that records when a replica was last updated.
package cvmfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultConfigDir is where cvmfs_server keeps one directory per repository.
const DefaultConfigDir = "/etc/cvmfs/repositories.d"

const (
	KeyUpstreamStorage = "CVMFS_UPSTREAM_STORAGE"
	KeySpoolDir        = "CVMFS_SPOOL_DIR"
	KeyStratum0        = "CVMFS_STRATUM0"
)

var ErrMissingKey = errors.New("missing server.conf key")

// ServerConfig is the KEY=VALUE content of a repository's server.conf.
type ServerConfig struct {
	Path   string
	values map[string]string
}

// LoadServerConfig reads <dir>/<repository>/server.conf.
func LoadServerConfig(dir, repository string) (*ServerConfig, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultConfigDir
	}
	path := filepath.Join(dir, repository, "server.conf")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// server.conf is a shell fragment; godotenv covers its comments,
	// export prefixes and quoting.
	values, err := godotenv.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &ServerConfig{Path: path, values: values}, nil
}

// NewServerConfig builds a config from literal values.
func NewServerConfig(values map[string]string) *ServerConfig {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &ServerConfig{values: m}
}

// Get returns a raw value.
func (c *ServerConfig) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.values[key]
	return v, ok
}

// Require returns a non-empty value or ErrMissingKey.
func (c *ServerConfig) Require(key string) (string, error) {
	v, ok := c.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v, nil
}

// UpstreamStorage is the storage directory, the last field of
// CVMFS_UPSTREAM_STORAGE ("local,/srv/cvmfs/repo/data/txn,/srv/cvmfs/repo").
func (c *ServerConfig) UpstreamStorage() (string, error) {
	v, err := c.Require(KeyUpstreamStorage)
	if err != nil {
		return "", err
	}
	parts := strings.Split(v, ",")
	return strings.TrimSpace(parts[len(parts)-1]), nil
}

// TempDir is the transaction scratch directory, the second field of
// CVMFS_UPSTREAM_STORAGE.
func (c *ServerConfig) TempDir() (string, error) {
	v, err := c.Require(KeyUpstreamStorage)
	if err != nil {
		return "", err
	}
	parts := strings.Split(v, ",")
	if len(parts) < 2 {
		return "", fmt.Errorf("%s has no temp dir field: %q", KeyUpstreamStorage, v)
	}
	return strings.TrimSpace(parts[1]), nil
}
