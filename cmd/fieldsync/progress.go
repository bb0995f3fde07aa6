package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmwatts/fieldsync/internal/chain"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Manage the progress-log ledger",
	Long: `Append, inspect and verify the per-project progress-log ledger.

Each entry is hash-chained to its predecessor, so the history of a
project's progress reports is tamper-evident. Entries are queued locally
and drained to the server by 'fieldsync sync run' or the serve daemon.`,
}

var progressAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append a progress log entry",
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		percentage, _ := cmd.Flags().GetFloat64("percent")
		description, _ := cmd.Flags().GetString("description")

		if projectID == "" {
			fatal("--project is required")
		}

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		var loc *chain.Location
		if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			acc, _ := cmd.Flags().GetFloat64("accuracy")
			loc = &chain.Location{Latitude: lat, Longitude: lon, Accuracy: acc}
		}

		builder := chain.NewBuilder(st)
		entry, err := builder.Append(context.Background(), projectID, percentage, description, loc)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Appended %s to project %s\n", entry.LocalID, projectID)
		fmt.Printf("   Progress: %.2f%%\n", entry.Percentage)
		fmt.Printf("   Hash: %.16s...\n", entry.CurrHash)
	},
}

var progressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's progress log entries",
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			fatal("--project is required")
		}

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		entries, err := st.ProgressByProject(context.Background(), projectID)
		if err != nil {
			fatal("%v", err)
		}
		if len(entries) == 0 {
			fmt.Printf("No progress entries for project %s\n", projectID)
			return
		}

		fmt.Printf("Progress log for %s (%d entries):\n\n", projectID, len(entries))
		for i, e := range entries {
			marker := strings.ToUpper(string(e.SyncStatus))
			fmt.Printf("%3d. [%s] %6.2f%%  %s\n", i+1, marker, e.Percentage, e.Description)
			fmt.Printf("     %s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.LocalID)
			if e.SyncError != "" {
				fmt.Printf("     error: %s\n", e.SyncError)
			}
		}
	},
}

var progressVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a project's hash chain",
	Long: `Recompute every hash in a project's progress log from genesis and
compare against the stored chain.

A failure blocks further appends for the project until
'fieldsync progress resync' restores the chain from the server.`,
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			fatal("--project is required")
		}

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		builder := chain.NewBuilder(st)
		if err := builder.VerifyProject(context.Background(), projectID); err != nil {
			fmt.Fprintf(os.Stderr, "Chain verification FAILED: %v\n", err)
			fmt.Fprintf(os.Stderr, "Run 'fieldsync progress resync --project %s' to restore from the server\n", projectID)
			os.Exit(1)
		}

		entries, _ := st.ProgressByProject(context.Background(), projectID)
		fmt.Printf("Chain verified: %d entries intact for project %s\n", len(entries), projectID)
	},
}

var progressResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Replace a project's local chain with the server's",
	Long: `Fetch the project's authoritative chain from the server and replace
the local copy with it.

This is the recovery path after local tampering or corruption is
detected; local-only entries for the project are discarded.`,
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		if projectID == "" {
			fatal("--project is required")
		}

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
		if err := eng.ResyncProject(context.Background(), projectID); err != nil {
			fatal("%v", err)
		}

		entries, _ := st.ProgressByProject(context.Background(), projectID)
		fmt.Printf("Restored %d entries for project %s from the server\n", len(entries), projectID)
	},
}

func init() {
	progressAddCmd.Flags().String("project", "", "project id")
	progressAddCmd.Flags().Float64("percent", 0, "completion percentage (0-100)")
	progressAddCmd.Flags().String("description", "", "progress description")
	progressAddCmd.Flags().Float64("lat", 0, "latitude")
	progressAddCmd.Flags().Float64("lon", 0, "longitude")
	progressAddCmd.Flags().Float64("accuracy", 0, "location accuracy in meters")

	progressListCmd.Flags().String("project", "", "project id")
	progressVerifyCmd.Flags().String("project", "", "project id")
	progressResyncCmd.Flags().String("project", "", "project id")

	progressCmd.AddCommand(progressAddCmd)
	progressCmd.AddCommand(progressListCmd)
	progressCmd.AddCommand(progressVerifyCmd)
	progressCmd.AddCommand(progressResyncCmd)
	rootCmd.AddCommand(progressCmd)
}
