package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmwatts/fieldsync/internal/chain"
	"github.com/dmwatts/fieldsync/internal/config"
	"github.com/dmwatts/fieldsync/internal/engine"
	"github.com/dmwatts/fieldsync/internal/remote"
	"github.com/dmwatts/fieldsync/internal/store"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync for field infrastructure reporting",
	Long: `fieldsync keeps field reports safe on-device and reconciles them with
the central server when connectivity allows.

It maintains a tamper-evident hash chain over each project's progress
log, records GPS tracks alongside video capture, and drains pending
records to the server with per-project ordering, retry and conflict
resolution.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .fieldsync/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "local database path (overrides config)")
}

// openStore opens the local database, creating it and its schema on
// first use.
func openStore(cmd *cobra.Command) (*store.Store, error) {
	dbPath := cfg.Database
	if flagPath, _ := cmd.Flags().GetString("db"); flagPath != "" {
		dbPath = flagPath
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newRemote builds the HTTP client from config.
func newRemote() (remote.Client, error) {
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is not configured (set it in config or FIELDSYNC_SERVER_URL)")
	}
	return remote.NewHTTPClient(cfg.Server.URL, cfg.Server.Token, cfg.Server.Timeout), nil
}

// newEngine wires a sync engine from config.
func newEngine(st *store.Store, rc remote.Client) *engine.Engine {
	ecfg := engine.DefaultConfig()
	ecfg.MaxAttempts = cfg.Sync.MaxAttempts
	if cfg.Sync.BackoffBase > 0 {
		ecfg.BackoffBase = cfg.Sync.BackoffBase
	}
	if cfg.Sync.BackoffCap > 0 {
		ecfg.BackoffCap = cfg.Sync.BackoffCap
	}
	if cfg.Server.Timeout > 0 {
		ecfg.RequestTimeout = cfg.Server.Timeout
	}
	if cfg.Sync.Workers > 0 {
		ecfg.Workers = cfg.Sync.Workers
	}
	if cfg.Sync.DrainInterval > 0 {
		ecfg.DrainInterval = cfg.Sync.DrainInterval
	}
	return engine.New(st, rc, chain.NewBuilder(st), ecfg)
}

// fatal prints an error and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
