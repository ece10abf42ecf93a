package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Service owns the config file: all reads go through a cached snapshot and
// all mutations are serialized and persisted atomically. Task scheduling
// depends on mutate-then-save being a single critical section.
type Service struct {
	path string

	// OnReload runs after every successful reload, from the watcher or an
	// explicit request. Optional; set before Watch.
	OnReload func()

	mu  sync.RWMutex
	cfg *Config
}

// NewService loads the file (or defaults) and returns a live service.
func NewService(path string) (*Service, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Service{path: path, cfg: cfg}, nil
}

// Path returns the config file location.
func (s *Service) Path() string { return s.path }

// Get returns a deep snapshot of the current config. Callers may read it
// without locking; mutations must go through Mutate.
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.cfg)
}

// ProvidersConfig returns the providers section snapshot.
func (s *Service) ProvidersConfig() ProvidersConfig {
	return s.Get().Providers
}

// Mutate applies fn to the live config under the write lock, then persists.
// If fn returns an error nothing is saved or published.
func (s *Service) Mutate(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.cfg); err != nil {
		return err
	}
	if err := Save(s.path, s.cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Reload re-reads the file, keeping the old snapshot on parse failure.
func (s *Service) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if s.OnReload != nil {
		s.OnReload()
	}
	return nil
}

// Watch reloads the config when the file changes on disk (editor saves,
// external tooling). Events are debounced: rapid rename+write sequences
// from atomic savers trigger a single reload.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					if err := s.Reload(); err != nil {
						slog.Warn("config.reload_failed", "error", err)
					} else {
						slog.Debug("config.reloaded", "path", s.path)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config.watch_error", "error", err)
			}
		}
	}()
	return nil
}

// cloneConfig deep-copies through JSON. Config mutation frequency is low
// enough that this stays off every hot path.
func cloneConfig(c *Config) *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return Default()
	}
	return out
}
