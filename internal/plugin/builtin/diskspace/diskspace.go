// Package diskspace is an acceptance check that refuses a snapshot when the
// spool or storage filesystem is short of free space.
package diskspace

import (
	"context"
	"encoding/json"
	"fmt"

	"cvmfsreplica/internal/cvmfs"
	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/pkg/logx"
)

const Name = "diskspace"

// Storage areas selectable with Options.StorageDir.
const (
	StorageUpstream = "upstream"
	StorageTemp     = "temp"
)

// Options sizes are minimum free bytes; 0 skips that directory.
type Options struct {
	SpoolSize   uint64 `json:"spool_size"`
	StorageSize uint64 `json:"storage_size"`
	// StorageDir picks the CVMFS_UPSTREAM_STORAGE field checked by
	// storage_size: "upstream" (last field, default) or "temp" (second
	// field, the transaction scratch directory).
	StorageDir string `json:"storage_dir,omitempty"`
}

type Check struct {
	repo        string
	spoolDir    string
	storageDir  string
	opts        Options
	shouldAbort bool
	reports     []plugin.ReportSink
	log         logx.Logger

	freeBytes func(dir string) (uint64, error)
}

// New needs CVMFS_SPOOL_DIR and CVMFS_UPSTREAM_STORAGE from server.conf.
// should_abort defaults to true.
func New(env plugin.Env, raw json.RawMessage) (plugin.AcceptanceCheck, error) {
	var opts Options
	if err := plugin.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	if opts.SpoolSize == 0 && opts.StorageSize == 0 {
		return nil, fmt.Errorf("spool_size or storage_size is required")
	}
	c := &Check{
		repo:        env.Repository,
		opts:        opts,
		shouldAbort: env.AbortOr(true),
		reports:     env.Reports,
		log:         env.Log,
		freeBytes:   FreeBytes,
	}
	var err error
	if opts.SpoolSize > 0 {
		if c.spoolDir, err = env.Server.Require(cvmfs.KeySpoolDir); err != nil {
			return nil, err
		}
	}
	if opts.StorageSize > 0 {
		switch opts.StorageDir {
		case "", StorageUpstream:
			c.storageDir, err = env.Server.UpstreamStorage()
		case StorageTemp:
			c.storageDir, err = env.Server.TempDir()
		default:
			return nil, fmt.Errorf("storage_dir: unknown value %q (want %q or %q)", opts.StorageDir, StorageUpstream, StorageTemp)
		}
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Check) Name() string { return Name }

func (c *Check) Verify(ctx context.Context) (bool, error) {
	for _, d := range []struct {
		label string
		dir   string
		want  uint64
	}{
		{"spool", c.spoolDir, c.opts.SpoolSize},
		{"storage", c.storageDir, c.opts.StorageSize},
	} {
		if d.want == 0 {
			continue
		}
		free, err := c.freeBytes(d.dir)
		if err != nil {
			return false, fmt.Errorf("statfs %s: %w", d.dir, err)
		}
		if free > d.want {
			c.log.Trace("enough disk space", logx.String("area", d.label), logx.Uint64("free", free))
			continue
		}
		msg := fmt.Sprintf("There is not enough disk space for %s (%s) of repository %s. Requested=%d, available=%d",
			d.label, d.dir, c.repo, d.want, free)
		c.log.Error(msg)
		if err := plugin.NotifyAll(ctx, c.reports, false, msg); err != nil {
			c.log.Warn("disk space report failed", logx.Err(err))
		}
		if c.shouldAbort {
			return false, plugin.Abort(fmt.Errorf("%s", msg))
		}
		return false, nil
	}
	return true, nil
}
