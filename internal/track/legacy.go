package track

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmwatts/fieldsync/internal/store"
)

// FromLegacyCoordinates parses KML-style "lon,lat[,alt]" strings into
// waypoints. Legacy tracks were captured without GPS metadata, so
// accuracy and timestamp are zeroed; the waypoints remain valid inputs to
// every export and verification path.
//
// Returns the waypoints and their summed pairwise haversine distance.
func FromLegacyCoordinates(coords []string) ([]store.GpsWaypoint, float64, error) {
	wps := make([]store.GpsWaypoint, 0, len(coords))
	var total float64

	for i, c := range coords {
		parts := strings.Split(strings.TrimSpace(c), ",")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, 0, fmt.Errorf("coordinate %d: want \"lon,lat[,alt]\", got %q", i, c)
		}

		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("coordinate %d: bad longitude: %w", i, err)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("coordinate %d: bad latitude: %w", i, err)
		}

		wp := store.GpsWaypoint{
			Seq:       i,
			Latitude:  lat,
			Longitude: lon,
		}
		if len(parts) == 3 {
			alt, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
			if err != nil {
				return nil, 0, fmt.Errorf("coordinate %d: bad altitude: %w", i, err)
			}
			wp.Altitude = &alt
		}

		if i > 0 {
			total += HaversineM(wps[i-1].Latitude, wps[i-1].Longitude, lat, lon)
		}
		wps = append(wps, wp)
	}

	return wps, total, nil
}

// ImportLegacyTrack builds and persists a sealed track from legacy
// coordinate strings, back-filling historical tracks into the store as
// sync candidates.
func ImportLegacyTrack(ctx context.Context, st *store.Store, projectID, name string, coords []string) (*store.GpsTrack, error) {
	wps, total, err := FromLegacyCoordinates(coords)
	if err != nil {
		return nil, fmt.Errorf("failed to parse legacy coordinates: %w", err)
	}
	if len(wps) == 0 {
		return nil, fmt.Errorf("legacy track has no coordinates")
	}

	now := time.Now().UTC()
	t := &store.GpsTrack{
		TrackID:     uuid.NewString(),
		ProjectID:   projectID,
		Name:        name,
		StartTimeMs: now.UnixMilli(),
	}

	if err := st.InsertTrack(ctx, t); err != nil {
		return nil, err
	}
	if err := st.AppendWaypoints(ctx, t.TrackID, wps, total); err != nil {
		return nil, err
	}
	if err := st.SealTrack(ctx, t.TrackID, now.UnixMilli()); err != nil {
		return nil, err
	}

	return st.TrackByID(ctx, t.TrackID)
}
