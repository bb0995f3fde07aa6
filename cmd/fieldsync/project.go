package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "View and refresh cached project details",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally cached projects",
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		projects, err := st.Projects(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		if len(projects) == 0 {
			fmt.Println("No cached projects; run 'fieldsync project refresh <id>' first")
			return
		}

		for _, p := range projects {
			fmt.Printf("%s  [%s]  %s\n", p.ProjectID, p.Status, p.Title)
			fmt.Printf("   physical %.1f%%, financial %.1f%%  (fetched %s)\n",
				p.PhysicalProgress, p.FinancialProgress, p.FetchedAt.Format("2006-01-02 15:04"))
		}
	},
}

var projectRefreshCmd = &cobra.Command{
	Use:   "refresh <project-id>",
	Short: "Fetch a project's details from the server",
	Args:  cobra.ExactArgs(1),
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
		p, err := eng.RefreshProject(context.Background(), args[0])
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Refreshed %s: %s\n", p.ProjectID, p.Title)
		fmt.Printf("   Status: %s\n", p.Status)
		fmt.Printf("   Physical: %.1f%%  Financial: %.1f%%\n", p.PhysicalProgress, p.FinancialProgress)
	},
}

func init() {
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRefreshCmd)
	rootCmd.AddCommand(projectCmd)
}
