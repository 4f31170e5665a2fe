package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/offliner"
	"github.com/offlinefarm/dispatcher/pkg/reaper"
	"github.com/offlinefarm/dispatcher/pkg/reservation"
	"github.com/offlinefarm/dispatcher/pkg/retention"
	"github.com/offlinefarm/dispatcher/pkg/scheduler"
	"github.com/offlinefarm/dispatcher/pkg/types"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads either a Go duration string
// ("30m", "168h") or a whole number of seconds
type Duration time.Duration

// ParseDuration parses s as a Go duration or as integer seconds
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, errdefs.ErrInvalidArgument)
	}
	return Duration(d), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the dispatcher configuration
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Log         LogConfig         `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Reaper      ReaperConfig      `yaml:"reaper"`
	Retention   RetentionConfig   `yaml:"retention"`
	Reservation ReservationConfig `yaml:"reservation"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// StoreConfig selects the persistence backend. Only sqlite can be shared
// by the server and CLI processes at the same time.
type StoreConfig struct {
	Driver           string   `yaml:"driver"` // "sqlite" or "bolt"
	Path             string   `yaml:"path"`   // data directory
	OfflinerCacheTTL Duration `yaml:"offliner_cache_ttl"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// APIConfig holds listen addresses. An empty address disables the listener.
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// SchedulerConfig configures the periodic scheduler
type SchedulerConfig struct {
	Interval Duration                       `yaml:"interval"`
	Windows  map[types.Periodicity]Duration `yaml:"windows"`
}

// ReaperConfig configures the stale-task reaper
type ReaperConfig struct {
	Interval        Duration `yaml:"interval"`
	Reserved        Duration `yaml:"reserved"`
	Started         Duration `yaml:"started"`
	Incomplete      Duration `yaml:"incomplete"`
	CancelRequested Duration `yaml:"cancel_requested"`
}

// RetentionConfig configures the history cleanup
type RetentionConfig struct {
	Interval    Duration `yaml:"interval"`
	PerSchedule int      `yaml:"per_schedule"`
}

// ReservationConfig configures worker claims
type ReservationConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// MetricsConfig configures the state collector
type MetricsConfig struct {
	Interval     Duration `yaml:"interval"`
	OnlineWindow Duration `yaml:"online_window"`
}

// Default returns a configuration with every field set
func Default() *Config {
	windows := make(map[types.Periodicity]Duration, len(scheduler.DefaultWindows))
	for p, d := range scheduler.DefaultWindows {
		windows[p] = Duration(d)
	}
	return &Config{
		Store: StoreConfig{
			Driver:           "sqlite",
			Path:             "./dispatcher-data",
			OfflinerCacheTTL: Duration(offliner.DefaultTTL),
		},
		Log:   LogConfig{Level: "info"},
		API:   APIConfig{HTTPAddr: "127.0.0.1:9100", GRPCAddr: "127.0.0.1:9101"},
		Scheduler: SchedulerConfig{
			Interval: Duration(5 * time.Minute),
			Windows:  windows,
		},
		Reaper: ReaperConfig{
			Interval:        Duration(5 * time.Minute),
			Reserved:        Duration(reaper.DefaultTimeouts.Reserved),
			Started:         Duration(reaper.DefaultTimeouts.Started),
			Incomplete:      Duration(reaper.DefaultTimeouts.Incomplete),
			CancelRequested: Duration(reaper.DefaultTimeouts.CancelRequested),
		},
		Retention: RetentionConfig{
			Interval:    Duration(time.Hour),
			PerSchedule: retention.DefaultPerSchedule,
		},
		Reservation: ReservationConfig{
			PollInterval: Duration(2 * time.Second),
			MaxAttempts:  reservation.DefaultMaxAttempts,
		},
		Metrics: MetricsConfig{
			Interval:     Duration(15 * time.Second),
			OnlineWindow: Duration(10 * time.Minute),
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	durations := []struct {
		name string
		dst  *Duration
	}{
		{"STALLED_RESERVED_TIMEOUT", &c.Reaper.Reserved},
		{"STALLED_STARTED_TIMEOUT", &c.Reaper.Started},
		{"STALLED_INCOMPLETE_TIMEOUT", &c.Reaper.Incomplete},
		{"STALLED_CANCELREQ_TIMEOUT", &c.Reaper.CancelRequested},
	}
	for _, d := range durations {
		v, ok := lookup(d.name)
		if !ok || v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if v, ok := lookup("HISTORY_TASK_PER_SCHEDULE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HISTORY_TASK_PER_SCHEDULE: invalid integer %q: %w", v, errdefs.ErrInvalidArgument)
		}
		c.Retention.PerSchedule = n
	}
	if v, ok := lookup("DISPATCHER_STORE_DRIVER"); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := lookup("DISPATCHER_STORE_PATH"); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup("DISPATCHER_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects settings the dispatcher cannot run with
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "sqlite", "bolt":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or bolt, got %q", c.Store.Driver))
	}
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level: %v", err))
	}
	for p, d := range c.Scheduler.Windows {
		if !p.Valid() || p == types.PeriodicityManual {
			problems = append(problems, fmt.Sprintf("scheduler.windows: %q is not a recurring periodicity", p))
		}
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("scheduler.windows.%s must be positive", p))
		}
	}
	intervals := map[string]Duration{
		"scheduler.interval":        c.Scheduler.Interval,
		"reaper.interval":           c.Reaper.Interval,
		"retention.interval":        c.Retention.Interval,
		"reservation.poll_interval": c.Reservation.PollInterval,
		"metrics.interval":          c.Metrics.Interval,
		"store.offliner_cache_ttl":  c.Store.OfflinerCacheTTL,
	}
	for name, d := range intervals {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Reservation.MaxAttempts < 1 {
		problems = append(problems, "reservation.max_attempts must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s: %w", strings.Join(problems, "; "), errdefs.ErrInvalidArgument)
	}
	return nil
}

// ReaperTimeouts returns the reaper timeouts. Zero or negative values
// disable reaping for that status class.
func (c *Config) ReaperTimeouts() reaper.Timeouts {
	return reaper.Timeouts{
		Reserved:        c.Reaper.Reserved.Std(),
		Started:         c.Reaper.Started.Std(),
		Incomplete:      c.Reaper.Incomplete.Std(),
		CancelRequested: c.Reaper.CancelRequested.Std(),
	}
}

// SchedulerWindows returns the recurrence windows by periodicity
func (c *Config) SchedulerWindows() map[types.Periodicity]time.Duration {
	out := make(map[types.Periodicity]time.Duration, len(c.Scheduler.Windows))
	for p, d := range c.Scheduler.Windows {
		out[p] = d.Std()
	}
	return out
}
