package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "cvmfsreplica/pkg/logx"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	digest uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing/publishing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Path() string { return m.path }

// Parse reads and strictly decodes the service file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeStrict(m.path, b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRepositories reads a repositories file.
func LoadRepositories(path string) ([]Repository, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f RepositoriesFile
	if err := decodeStrict(path, b, &f); err != nil {
		return nil, err
	}
	return f.Repositories, nil
}

// Repositories returns the entries of replica.repositories_conf followed by the
// inline ones, deduplicated by name (inline wins, first position kept).
func (m *ConfigManager) Repositories(cfg *Config) ([]Repository, error) {
	if cfg == nil {
		cfg = m.Get()
	}
	if cfg == nil {
		return nil, nil
	}
	var fromFile []Repository
	if p := ResolvePath(m.path, cfg.Replica.RepositoriesConf); p != "" {
		var err error
		fromFile, err = LoadRepositories(p)
		if err != nil {
			return nil, fmt.Errorf("repositories_conf: %w", err)
		}
	}
	return MergeRepositories(fromFile, cfg.Repositories), nil
}

func MergeRepositories(base, override []Repository) []Repository {
	out := make([]Repository, 0, len(base)+len(override))
	idx := map[string]int{}
	for _, group := range [][]Repository{base, override} {
		for _, r := range group {
			key := strings.TrimSpace(r.Name)
			if i, ok := idx[key]; ok && key != "" {
				out[i] = r
				continue
			}
			idx[key] = len(out)
			out = append(out, r)
		}
	}
	return out
}

// Commit makes cfg the current config.
func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.digest = digest(cfg)
	m.mu.Unlock()
}

// digest fingerprints the effective config (service file plus merged
// repositories) so editor saves without changes are not republished.
func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Load reads the service file and the repositories file and commits the
// result. The returned Config.Repositories is the effective, merged list.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) read() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	repos, err := m.Repositories(cfg)
	if err != nil {
		return nil, err
	}
	cfg.Repositories = repos
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving every committed reload.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

// publish never blocks: a subscriber with a full buffer loses its oldest
// pending config in favour of cfg.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// watchTargets returns the directories to watch and the file names of interest:
// the service file and, when set, the repositories file.
func (m *ConfigManager) watchTargets() (dirs []string, files map[string]bool) {
	files = map[string]bool{}
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" {
			return
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		files[abs] = true
		if d := filepath.Dir(abs); !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	add(m.path)
	if cfg := m.Get(); cfg != nil {
		add(ResolvePath(m.path, cfg.Replica.RepositoriesConf))
	}
	return dirs, files
}

type backoff struct {
	cur, base, max time.Duration
	rng            *rand.Rand
}

// next returns the current delay plus jitter and doubles the delay.
func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}

func (b *backoff) reset() { b.cur = b.base }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Watch reloads the config when the service file or the repositories file
// changes. Each successful, validated, changed reload is committed and
// published to subscribers. Watch returns when ctx is done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	// The watcher is recreated with backoff when fsnotify closes its channels.
	bo := &backoff{
		cur:  250 * time.Millisecond,
		base: 250 * time.Millisecond,
		max:  5 * time.Second,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	// Editors write in several steps; reload once things settle.
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { m.reload(ctx) })
	}

	for ctx.Err() == nil {
		dirs, files := m.watchTargets()
		w, err := fsnotify.NewWatcher()
		if err == nil {
			for _, d := range dirs {
				if err = w.Add(d); err != nil {
					_ = w.Close()
					break
				}
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.Any("dirs", dirs))
			if !sleepCtx(ctx, bo.next()) {
				return nil
			}
			continue
		}
		bo.reset()
		m.log.Debug("config watcher started", logx.Any("dirs", dirs))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				name, err := filepath.Abs(ev.Name)
				if err != nil {
					name = ev.Name
				}
				if files[name] && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					m.log.Debug("config change detected", logx.String("path", name))
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
		_ = w.Close()

		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting", logx.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config reload failed; keeping current config", logx.String("path", m.path), logx.Err(err))
		return
	}
	d := digest(cfg)
	m.mu.RLock()
	unchanged := d != 0 && d == m.digest
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("digest", fmt.Sprintf("%x", d)))
}
