package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cvmfsreplica/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, structured attrs for
// logging, and whether the change needs a restart to take effect. Only the
// logging section is applied live.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)
	restart := false

	if oldCfg.Logging.LevelOrDefault() != newCfg.Logging.LevelOrDefault() ||
		oldCfg.Logging.Target() != newCfg.Logging.Target() {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.LevelOrDefault()),
			logx.String("logging.log", newCfg.Logging.Target()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Replica, newCfg.Replica) {
		changed = append(changed, "replica")
		restart = true
		attrs = append(attrs,
			logx.Int("replica.maximum_concurrent_snapshots", newCfg.Workers()),
			logx.String("replica.cvmfs_config_dir", newCfg.CVMFSConfigDir()),
			logx.String("replica.snapshot_command", strings.Join(newCfg.CommandFor(Repository{Name: "{repository}"}), " ")),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		restart = true
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.DebugAddr()),
		)
	}

	if added, removed, modified := diffRepositories(oldCfg.Repositories, newCfg.Repositories); len(added)+len(removed)+len(modified) > 0 {
		changed = append(changed, "repositories")
		restart = true
		attrs = append(attrs,
			logx.Any("repositories.added", added),
			logx.Any("repositories.removed", removed),
			logx.Any("repositories.modified", modified),
		)
	}

	return changed, attrs, restart
}

func diffRepositories(oldList, newList []Repository) (added, removed, modified []string) {
	oldBy := make(map[string]Repository, len(oldList))
	for _, r := range oldList {
		oldBy[r.Name] = r
	}
	newBy := make(map[string]Repository, len(newList))
	for _, r := range newList {
		newBy[r.Name] = r
		o, ok := oldBy[r.Name]
		switch {
		case !ok:
			added = append(added, r.Name)
		case !reflect.DeepEqual(o, r):
			modified = append(modified, r.Name)
		}
	}
	for name := range oldBy {
		if _, ok := newBy[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)
	return added, removed, modified
}
