// Package cleanup is a post action that empties the repository's transaction
// scratch directory (second field of CVMFS_UPSTREAM_STORAGE).
package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cvmfsreplica/internal/plugin"
	"cvmfsreplica/pkg/logx"
)

const Name = "cleanup"

type Options struct {
	// Dir overrides the directory taken from server.conf.
	Dir string `json:"dir,omitempty"`
}

type Action struct {
	dir string
	log logx.Logger
}

func New(env plugin.Env, raw json.RawMessage) (plugin.PostAction, error) {
	var opts Options
	if err := plugin.DecodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = env.Server.TempDir(); err != nil {
			return nil, err
		}
	}
	if !filepath.IsAbs(dir) || filepath.Clean(dir) == "/" {
		return nil, fmt.Errorf("refusing to clean %q", dir)
	}
	return &Action{dir: filepath.Clean(dir), log: env.Log}, nil
}

func (a *Action) Name() string { return Name }

// Run removes every entry of the directory. A missing directory is not an error.
func (a *Action) Run(ctx context.Context) error {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		a.log.Warn("directory does not exist; nothing to do", logx.String("dir", a.dir))
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := os.RemoveAll(filepath.Join(a.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	a.log.Debug("cleanup done", logx.String("dir", a.dir), logx.Int("removed", removed))
	return errors.Join(errs...)
}
