package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/offlinefarm/dispatcher/pkg/config"
	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/manager"
	"github.com/offlinefarm/dispatcher/pkg/reaper"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Dispatcher - task scheduler for an offline content farm",
	Long: `Dispatcher turns recurring schedules into requested tasks, hands them
to workers whose capacity fits, tracks every task through its lifecycle,
recovers tasks abandoned by workers and prunes old history.

Run "dispatcher serve" for the background loops and health endpoints.
Every other command works directly on the configured store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Dispatcher version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("store-driver", "", "Store backend: sqlite or bolt (overrides config)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(offlinerCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// loadConfig loads the config file and applies the persistent flag
// overrides, then initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}

	if driver, _ := cmd.Flags().GetString("store-driver"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Store.Path = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, path, nil
}

func newManager(cfg *config.Config) (*manager.Manager, error) {
	store, err := storage.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store at %s: %w", cfg.Store.Driver, cfg.Store.Path, err)
	}
	live := config.NewLive(cfg)
	return managerFor(store, live), nil
}

func managerFor(store storage.Store, live *config.Live) *manager.Manager {
	cfg := live.Get()
	return manager.NewManager(store, manager.Config{
		Windows:     cfg.SchedulerWindows(),
		Timeouts:    func() reaper.Timeouts { return live.Get().ReaperTimeouts() },
		PerSchedule: func() int { return live.Get().Retention.PerSchedule },
		MaxAttempts: cfg.Reservation.MaxAttempts,
		OfflinerTTL: cfg.Store.OfflinerCacheTTL.Std(),
	})
}

// openManager loads the config and opens a manager over the configured store
func openManager(cmd *cobra.Command) (*manager.Manager, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newManager(cfg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}
