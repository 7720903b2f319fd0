package config

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/changebell/internal/logging"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Manager owns the effective configuration: it loads it, applies partial
// updates, and republishes it when the file changes on disk.
type Manager struct {
	dir string
	log logging.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64
}

func NewManager(dir string, log logging.Logger) *Manager {
	return &Manager{dir: dir, log: log}
}

func (m *Manager) Dir() string { return m.dir }

// Load reads the config with LoadOrDefault semantics and commits the result.
// A returned *ConfigError is informational: the committed config is usable.
func (m *Manager) Load() (*Config, error) {
	cfg, err := LoadOrDefault(m.dir)
	if cfg == nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg.Clone(), err
}

// Get returns a copy of the committed configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Update merges patch into the committed config, validates and saves it.
// An invalid patch leaves both the file and the committed config untouched.
func (m *Manager) Update(patch Patch) (*Config, error) {
	m.mu.RLock()
	base := m.cfg
	m.mu.RUnlock()
	if base == nil {
		def := Default()
		finish(m.dir, &def)
		base = &def
	}

	merged := Merge(base, patch)
	applyDefaults(merged)
	resolveEnv(merged)
	if err := Validate(merged); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := Save(m.dir, merged); err != nil {
		return nil, err
	}
	m.commit(merged)
	return merged.Clone(), nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg.Clone()
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// reload parses the file and publishes it when the content changed.
// Broken files are logged and ignored; the last good config stays committed.
func (m *Manager) reload(onChange func(*Config)) {
	cfg, err := Load(m.dir)
	if err != nil {
		m.log.Warn("config reload rejected", logging.String("dir", m.dir), logging.Err(&ConfigError{Path: Path(m.dir), Err: err}))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logging.String("dir", m.dir))
		return
	}

	m.commit(cfg)
	m.log.Info("config reloaded", logging.String("path", Path(m.dir)))
	if onChange != nil {
		onChange(cfg.Clone())
	}
}

// Watch follows config.yaml until ctx is cancelled, calling onChange with
// every new valid configuration. The watcher recreates itself with backoff
// when the underlying fsnotify watcher breaks.
func (m *Manager) Watch(ctx context.Context, onChange func(*Config)) error {
	dir := m.dir
	file := DefaultConfigFile

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			m.reload(onChange)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
		return true
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logging.Err(err), logging.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logging.Err(err), logging.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logging.String("dir", dir))

		err = m.watchLoop(ctx, w, file, debounce)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher stopped; restarting", logging.Err(err), logging.Duration("backoff", backoff))
		if !wait() {
			return nil
		}
	}
}

var errWatcherClosed = errors.New("watcher closed")

func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, debounce func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logging.Err(err))
				debounce()
				continue
			}
			m.log.Warn("config watch error", logging.Err(err))
		}
	}
}
