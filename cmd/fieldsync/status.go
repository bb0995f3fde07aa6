package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store status",
	Long: `Display the state of the local record store.

Shows:
  - Database location and size
  - Sync status counts per entity type
  - Tracks still recording (unsealed)`,
	Run: func(cmd *cobra.Command, args []string) {
		dbPath := cfg.Database
		if flagPath, _ := cmd.Flags().GetString("db"); flagPath != "" {
			dbPath = flagPath
		}

		info, err := os.Stat(dbPath)
		if os.IsNotExist(err) {
			fmt.Println("No local database yet")
			fmt.Println("   It is created on first use, e.g. 'fieldsync progress add'")
			return
		}
		if err != nil {
			fatal("%v", err)
		}

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		ctx := context.Background()

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nLocal Record Store\n\n")
		fmt.Printf("Location: %s\n", dbPath)
		fmt.Printf("Size: %s\n", sizeStr)
		if cfg.DeviceID != "" {
			fmt.Printf("Device: %s\n", cfg.DeviceID)
		}

		counts, err := st.AllStatusCounts(ctx)
		if err != nil {
			fatal("%v", err)
		}
		printCounts(counts)

		unsealed, err := st.UnsealedTracks(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if len(unsealed) > 0 {
			fmt.Printf("Tracks still recording:\n")
			for _, t := range unsealed {
				fmt.Printf("   %s  %s (%d waypoints)\n", t.TrackID, t.Name, t.WaypointCount)
			}
			fmt.Println()
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
