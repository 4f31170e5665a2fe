package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Minute, cfg.ReaperTimeouts().Started)
	assert.Equal(t, 7*24*time.Hour, cfg.ReaperTimeouts().Incomplete)
	assert.Equal(t, 10, cfg.Retention.PerSchedule)
	assert.Equal(t, 31*24*time.Hour, cfg.SchedulerWindows()[types.PeriodicityMonthly])
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Store.OfflinerCacheTTL.Std())
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Duration
		wantErr  bool
	}{
		{"30m", 30 * time.Minute, false},
		{"168h", 168 * time.Hour, false},
		{"3600", time.Hour, false},
		{" 60 ", time.Minute, false},
		{"0", 0, false},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.True(t, errdefs.IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
store:
  driver: bolt
  path: /var/lib/dispatcher
  offliner_cache_ttl: 5m
reaper:
  started: 45m
  incomplete: 86400
scheduler:
  windows:
    monthly: 720h
retention:
  per_schedule: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Store.OfflinerCacheTTL.Std())
	assert.Equal(t, 45*time.Minute, cfg.Reaper.Started.Std())
	assert.Equal(t, 24*time.Hour, cfg.Reaper.Incomplete.Std())
	// untouched fields keep their defaults
	assert.Equal(t, 30*time.Minute, cfg.Reaper.Reserved.Std())
	assert.Equal(t, 3, cfg.Retention.PerSchedule)

	windows := cfg.SchedulerWindows()
	assert.Equal(t, 720*time.Hour, windows[types.PeriodicityMonthly])
	assert.Equal(t, 365*24*time.Hour, windows[types.PeriodicityAnnually])
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", "stroe:\n  driver: bolt\n"},
		{"bad driver", "store:\n  driver: postgres\n"},
		{"bad duration", "reaper:\n  started: soon\n"},
		{"manual window", "scheduler:\n  windows:\n    manual: 1h\n"},
		{"zero interval", "reaper:\n  interval: 0\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"zero cache ttl", "store:\n  offliner_cache_ttl: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, t.TempDir(), tt.body))
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STALLED_RESERVED_TIMEOUT":   "600",
		"STALLED_STARTED_TIMEOUT":    "1h",
		"STALLED_INCOMPLETE_TIMEOUT": "48h",
		"STALLED_CANCELREQ_TIMEOUT":  "120",
		"HISTORY_TASK_PER_SCHEDULE":  "4",
		"DISPATCHER_STORE_DRIVER":    "bolt",
		"DISPATCHER_STORE_PATH":      "/data",
		"DISPATCHER_LOG_LEVEL":       "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 10*time.Minute, cfg.Reaper.Reserved.Std())
	assert.Equal(t, time.Hour, cfg.Reaper.Started.Std())
	assert.Equal(t, 48*time.Hour, cfg.Reaper.Incomplete.Std())
	assert.Equal(t, 2*time.Minute, cfg.Reaper.CancelRequested.Std())
	assert.Equal(t, 4, cfg.Retention.PerSchedule)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, "/data", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	env["HISTORY_TASK_PER_SCHEDULE"] = "many"
	assert.Error(t, Default().ApplyEnv(lookup))
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "retention:\n  per_schedule: 5\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	live := NewLive(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, live) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)

	// an invalid edit keeps the previous value
	writeFile(t, dir, "retention:\n  per_schedule: 5\nlog:\n  level: loud\n")
	time.Sleep(2 * reloadDelay)
	assert.Equal(t, 5, live.Get().Retention.PerSchedule)

	writeFile(t, dir, "retention:\n  per_schedule: 7\n")
	assert.Eventually(t, func() bool {
		return live.Get().Retention.PerSchedule == 7
	}, 5*time.Second, 50*time.Millisecond)
}
