package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dmwatts/fieldsync/internal/chain"
	"github.com/dmwatts/fieldsync/internal/dashboard"
	"github.com/dmwatts/fieldsync/internal/ingest"
	"github.com/dmwatts/fieldsync/internal/remote"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the fieldsync daemon in the foreground.

The daemon:
  1. Periodically drains pending records to the server
  2. Watches the media drop directory for new photos and videos
  3. Serves the live sync status dashboard over WebSocket

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		fakeRemote, _ := cmd.Flags().GetBool("fake-remote")

		logger := daemonLogger()

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		var rc remote.Client
		if fakeRemote {
			logger.Println("Using in-process fake server")
			rc = remote.NewFake(chain.GenesisHash)
		} else {
			if err := cfg.Validate(); err != nil {
				fatal("%v", err)
			}
			rc, err = newRemote()
			if err != nil {
				fatal("%v", err)
			}
		}

		eng := newEngine(st, rc)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Graceful shutdown on SIGINT/SIGTERM
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Printf("Received %s, shutting down", sig)
			cancel()
		}()

		if cfg.Dashboard.Enabled {
			dash := dashboard.NewServer(eng, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := dash.Start(); err != nil {
				fatal("%v", err)
			}
			defer dash.Stop()
			fmt.Printf("Dashboard: http://localhost:%d/\n", cfg.Dashboard.Port)
		}

		if cfg.Ingest.MediaDir != "" {
			watcher, err := ingest.New(st, cfg.Ingest.MediaDir, &ingest.Config{
				DefaultProject: cfg.Ingest.DefaultProject,
				Logger:         logger,
			})
			if err != nil {
				fatal("%v", err)
			}
			go func() {
				if err := watcher.Start(ctx); err != nil {
					logger.Printf("Media watcher stopped: %v", err)
				}
			}()
			fmt.Printf("Watching media: %s\n", cfg.Ingest.MediaDir)
		}

		fmt.Println("Sync daemon running; press Ctrl+C to stop")
		if err := eng.Run(ctx); err != nil {
			fatal("%v", err)
		}
	},
}

// daemonLogger writes to stderr, and to a rotated log file when one is
// configured.
func daemonLogger() *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
	}
	return log.New(out, "[fieldsync] ", log.LstdFlags)
}

func init() {
	serveCmd.Flags().Bool("fake-remote", false, "use an in-process fake server (development)")
	rootCmd.AddCommand(serveCmd)
}
