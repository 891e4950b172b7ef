// Package config loads mqtt.json, watches it for changes, and hands out
// atomic snapshots to the rest of the gateway (spec.md §4.G, §6, §9 "Module-
// level process state").
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrEmptyChatServers is returned by validate when a bucket a device could
// actually be routed to (spec.md §4.G) has no chat-server candidates.
var ErrEmptyChatServers = errors.New("config: chat_servers list is empty for an applicable bucket")

// validate rejects a Config that would silently break chatserver.Select for
// some device: the production bucket is always applicable, and the
// development bucket is applicable whenever any MAC is listed under it.
func validate(cfg Config) error {
	if len(cfg.Production.ChatServers) == 0 {
		return fmt.Errorf("%w: production", ErrEmptyChatServers)
	}
	if len(cfg.Development.MacAddresses) > 0 && len(cfg.Development.ChatServers) == 0 {
		return fmt.Errorf("%w: development", ErrEmptyChatServers)
	}
	return nil
}

// Config is the parsed shape of mqtt.json. The "mac_addresss" tag keeps the
// source file's misspelling for config-file compatibility (spec.md §4.G).
type Config struct {
	Debug            bool `json:"debug"`
	LogInvalidCookie bool `json:"log_invalid_cookie"`
	Development      struct {
		MacAddresses []string `json:"mac_addresss"`
		ChatServers  []string `json:"chat_servers"`
	} `json:"development"`
	Production struct {
		ChatServers []string `json:"chat_servers"`
	} `json:"production"`
}

// Load parses the file at path into a Config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Manager owns the current configuration snapshot and watches its source
// file for hot reload. The zero value is not usable — construct with New.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu   sync.Mutex
	subs []chan Config
}

// New loads path once and returns a Manager serving that snapshot. Callers
// should call Watch to pick up subsequent file changes.
func New(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, logger: logger}
	m.current.Store(&cfg)
	applyDebug(cfg)
	return m, nil
}

// Current returns the most recently loaded snapshot.
func (m *Manager) Current() Config {
	return *m.current.Load()
}

// Subscribe returns a channel that receives every new snapshot as it is
// loaded. Sends are non-blocking: a slow subscriber misses intermediate
// updates but always eventually observes the latest (spec.md §4.H).
func (m *Manager) Subscribe() <-chan Config {
	ch := make(chan Config, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Watch starts an fsnotify watcher on the config file's directory and
// reloads on every write, until stop is closed. A parse failure logs a
// warning and keeps serving the last-known-good snapshot (spec.md §4.H).
func (m *Manager) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !sameFile(ev.Name, m.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Warn("config reload failed, keeping last snapshot", "err", err)
		return
	}
	if err := validate(cfg); err != nil {
		m.logger.Warn("config reload failed validation, keeping last snapshot", "err", err)
		return
	}
	m.current.Store(&cfg)
	applyDebug(cfg)
	m.logger.Info("config reloaded", "path", m.path)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Replace the unread older snapshot so the subscriber sees the latest.
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
}

func applyDebug(cfg Config) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetLogLoggerLevel(level)
}

func sameFile(a, b string) bool {
	return a == b || filepath.Base(a) == filepath.Base(b)
}
