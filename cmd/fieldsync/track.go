package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmwatts/fieldsync/internal/track"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Record, import and export GPS tracks",
}

var trackStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Record a track from location samples on stdin",
	Long: `Record a GPS track by reading location samples from stdin, one per
line as "lat lon [alt]", until EOF. The track is sealed on EOF and
queued for sync.

Intended for piping from a GPS source:

  gpspipe -w | jq ... | fieldsync track start --project proj-1 --name "access road"`,
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		name, _ := cmd.Flags().GetString("name")
		if projectID == "" {
			fatal("--project is required")
		}
		if name == "" {
			name = "Track " + time.Now().Format("2006-01-02 15:04")
		}

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		ctx := context.Background()
		rec := track.NewRecorder(st, projectID, nil)
		trackID, err := rec.Start(ctx, name)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(os.Stderr, "Recording track %s; reading samples from stdin\n", trackID)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				fmt.Fprintf(os.Stderr, "Skipping malformed sample: %q\n", line)
				continue
			}
			lat, errLat := strconv.ParseFloat(fields[0], 64)
			lon, errLon := strconv.ParseFloat(fields[1], 64)
			if errLat != nil || errLon != nil {
				fmt.Fprintf(os.Stderr, "Skipping malformed sample: %q\n", line)
				continue
			}

			loc := track.RawLocation{Latitude: lat, Longitude: lon, Timestamp: time.Now()}
			if len(fields) >= 3 {
				if alt, err := strconv.ParseFloat(fields[2], 64); err == nil {
					loc.Altitude = &alt
				}
			}
			rec.Offer(loc)
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: input error: %v\n", err)
		}

		result, err := rec.Stop(ctx)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Track sealed: %s\n", result.TrackID)
		fmt.Printf("   Waypoints: %d (%d dropped)\n", result.WaypointCount, result.Dropped)
		fmt.Printf("   Distance: %.1f m\n", result.TotalDistanceM)
	},
}

var trackImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a legacy coordinate file as a track",
	Long: `Import a legacy track from a file of "lon,lat[,alt]" coordinate
strings, one per line. Imported waypoints carry no accuracy or capture
timestamps but are valid for export and distance computation.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectID, _ := cmd.Flags().GetString("project")
		name, _ := cmd.Flags().GetString("name")
		if projectID == "" {
			fatal("--project is required")
		}
		if name == "" {
			name = "Imported " + args[0]
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			fatal("%v", err)
		}
		var coords []string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				coords = append(coords, line)
			}
		}

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		imported, err := track.ImportLegacyTrack(context.Background(), st, projectID, name, coords)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Imported track %s: %d waypoints, %.1f m\n",
			imported.TrackID, imported.WaypointCount, imported.TotalDistanceM)
	},
}

var trackExportCmd = &cobra.Command{
	Use:   "export <track-id>",
	Short: "Export a track as KML or GPX",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		st, err := openStore(cmd)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		ctx := context.Background()
		t, err := st.TrackByID(ctx, args[0])
		if err != nil {
			fatal("track %s not found", args[0])
		}
		wps, err := st.Waypoints(ctx, t.TrackID)
		if err != nil {
			fatal("%v", err)
		}

		switch format {
		case "kml":
			fmt.Print(track.KMLDocument(t.Name, wps))
		case "gpx":
			fmt.Print(track.GPXDocument(t.Name, wps))
		default:
			fatal("unknown format %q (want kml or gpx)", format)
		}
	},
}

var trackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's tracks",
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

		tracks, err := st.TracksByProject(context.Background(), projectID)
		if err != nil {
			fatal("%v", err)
		}
		if len(tracks) == 0 {
			fmt.Printf("No tracks for project %s\n", projectID)
			return
		}

		for _, t := range tracks {
			state := "recording"
			if t.Sealed {
				state = string(t.SyncStatus)
			}
			fmt.Printf("%s  [%s]  %s\n", t.TrackID, state, t.Name)
			fmt.Printf("   %d waypoints, %.1f m\n", t.WaypointCount, t.TotalDistanceM)
		}
	},
}

func init() {
	trackStartCmd.Flags().String("project", "", "project id")
	trackStartCmd.Flags().String("name", "", "track name")

	trackImportCmd.Flags().String("project", "", "project id")
	trackImportCmd.Flags().String("name", "", "track name")

	trackExportCmd.Flags().String("format", "kml", "export format: kml or gpx")

	trackListCmd.Flags().String("project", "", "project id")

	trackCmd.AddCommand(trackStartCmd)
	trackCmd.AddCommand(trackImportCmd)
	trackCmd.AddCommand(trackExportCmd)
	trackCmd.AddCommand(trackListCmd)
	rootCmd.AddCommand(trackCmd)
}
