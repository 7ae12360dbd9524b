// Package updatedserver is an acceptance check that skips a snapshot when the
// stratum 0 has not published a new revision since the local copy.
package updatedserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cvmfsreplica/internal/config"
	"cvmfsreplica/internal/cvmfs"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/pkg/logx"
)

const (
	Name = "updatedserver"

	// ManifestName is the repository manifest served by every stratum.
	ManifestName = ".cvmfspublished"
)

type Options struct {
	// URL overrides CVMFS_STRATUM0.
	URL string `json:"url,omitempty"`
	// Timeout bounds the manifest download. Default 30s.
	Timeout string `json:"timeout,omitempty"`
}

type Check struct {
	repo      string
	remoteURL string
	localPath string
	client    *http.Client
	reports   []plugin.ReportSink
	log       logx.Logger
}

func New(env plugin.Env, raw json.RawMessage) (plugin.AcceptanceCheck, error) {
	var opts Options
	if err := plugin.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationOrDefault("timeout", opts.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSpace(opts.URL)
	if base == "" {
		if base, err = env.Server.Require(cvmfs.KeyStratum0); err != nil {
			return nil, err
		}
	}
	storage, err := env.Server.UpstreamStorage()
	if err != nil {
		return nil, err
	}
	return &Check{
		repo:      env.Repository,
		remoteURL: strings.TrimRight(base, "/") + "/" + ManifestName,
		localPath: filepath.Join(storage, ManifestName),
		client:    &http.Client{Timeout: timeout},
		reports:   env.Reports,
		log:       env.Log,
	}, nil
}

func (c *Check) Name() string { return Name }

// Verify passes when the remote revision differs from the local one, or when
// there is no local manifest yet. A failed download rejects the cycle.
func (c *Check) Verify(ctx context.Context) (bool, error) {
	remote, err := c.remoteRevision(ctx)
	if err != nil {
		c.log.Warn("remote manifest cannot be read; skipping cycle", logx.String("url", c.remoteURL), logx.Err(err))
		return false, nil
	}

	f, err := os.Open(c.localPath)
	if errors.Is(err, os.ErrNotExist) {
		c.log.Warn("local manifest missing; snapshot allowed", logx.String("path", c.localPath))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	local, err := ParseRevision(f)
	if err != nil {
		return false, fmt.Errorf("%s: %w", c.localPath, err)
	}

	if remote != local {
		c.log.Info("new revision published", logx.Uint64("remote", remote), logx.Uint64("local", local))
		return true, nil
	}
	msg := fmt.Sprintf("No new content at the server for repository %s (revision %d)", c.repo, local)
	c.log.Info(msg)
	if err := plugin.NotifyAll(ctx, c.reports, false, msg); err != nil {
		c.log.Warn("no-update report failed", logx.Err(err))
	}
	return false, nil
}

func (c *Check) remoteRevision(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.remoteURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return ParseRevision(io.LimitReader(resp.Body, 1<<20))
}

// ParseRevision returns the S (revision) field of a manifest. Fields are one
// per line, keyed by their first byte, and end at the "--" line that
// precedes the signature.
func ParseRevision(r io.Reader) (uint64, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if line == "--" {
			break
		}
		if strings.HasPrefix(line, "S") {
			v, err := strconv.ParseUint(strings.TrimSpace(line[1:]), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid revision line %q", line)
			}
			return v, nil
		}
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("manifest has no revision")
}
