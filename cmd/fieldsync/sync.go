package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmwatts/fieldsync/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain pending records to the server",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync pass",
	Long: `Push every pending record to the server once.

Progress logs drain strictly in creation order per project; tracks and
media push concurrently. Records that fail transiently stay pending for
the next pass; records the server rejects permanently are marked failed
and wait for 'fieldsync sync retry'.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		rc, err := newRemote()
		if err != nil {
			fatal("%v", err)
		}

		eng := newEngine(st, rc)
		ctx := context.Background()

		before, err := eng.Counts(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if err := eng.Drain(ctx); err != nil {
			fatal("%v", err)
		}
		after, err := eng.Counts(ctx)
		if err != nil {
			fatal("%v", err)
		}

		pushed := 0
		for entity, b := range before {
			pushed += after[entity].Synced - b.Synced
		}
		fmt.Printf("Sync pass complete: %d records pushed\n", pushed)
		printCounts(after)
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed records and sync again",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		rc, err := newRemote()
		if err != nil {
			fatal("%v", err)
		}

		eng := newEngine(st, rc)
		ctx := context.Background()

		if err := eng.RetryFailed(ctx); err != nil {
			fatal("%v", err)
		}
		if err := eng.Drain(ctx); err != nil {
			fatal("%v", err)
		}

		counts, err := eng.Counts(ctx)
		if err != nil {
			fatal("%v", err)
		}
		printCounts(counts)
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status counts",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		counts, err := st.AllStatusCounts(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		printCounts(counts)
	},
}

// printCounts renders a per-entity status table.
func printCounts(counts map[store.EntityType]store.StatusCounts) {
	fmt.Printf("\n%-10s %8s %8s %8s %8s\n", "", "pending", "syncing", "synced", "failed")
	for _, entity := range []store.EntityType{store.EntityProgress, store.EntityTrack, store.EntityMedia} {
		c := counts[entity]
		fmt.Printf("%-10s %8d %8d %8d %8d\n", entity, c.Pending, c.Syncing, c.Synced, c.Failed)
	}
	fmt.Println()
}

func init() {
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncRetryCmd)
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
