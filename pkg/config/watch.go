package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/offlinefarm/dispatcher/pkg/log"
)

// reloadDelay coalesces the burst of events an editor save produces
const reloadDelay = 250 * time.Millisecond

// Live holds the current configuration. Readers call Get on every use so
// a reload takes effect on their next pass.
type Live struct {
	cfg atomic.Pointer[Config]
}

// NewLive wraps cfg
func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.cfg.Store(cfg)
	return l
}

// Get returns the current configuration
func (l *Live) Get() *Config {
	return l.cfg.Load()
}

// Set replaces the current configuration
func (l *Live) Set(cfg *Config) {
	l.cfg.Store(cfg)
}

// Watch reloads path into live whenever the file changes, until ctx ends.
// A file that fails to load or validate is logged and the previous
// configuration stays in effect. Store and listener settings are only
// read at startup; a change to them is logged and otherwise ignored.
func Watch(ctx context.Context, path string, live *Live) error {
	logger := log.WithComponent("config")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	// watch the directory so atomic rename-on-save is seen
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	file := filepath.Base(path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		prev := live.Get()
		if prev != nil && (prev.Store != cfg.Store || prev.API != cfg.API) {
			logger.Warn().Str("path", path).Msg("store and api settings need a restart to change")
		}
		live.Set(cfg)
		logger.Info().Str("path", path).Msg("config reloaded")
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
