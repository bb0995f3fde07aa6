package track

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/dmwatts/fieldsync/internal/store"
)

func floatPtr(f float64) *float64 { return &f }

func TestKMLCoordinates(t *testing.T) {
	wps := []store.GpsWaypoint{
		{Latitude: 27.7, Longitude: 85.3, Altitude: floatPtr(1350.5)},
		{Latitude: 27.71, Longitude: 85.31}, // no altitude
	}

	coords := KMLCoordinates(wps)
	if len(coords) != 2 {
		t.Fatalf("expected 2 coordinates, got %d", len(coords))
	}
	if coords[0] != "85.3,27.7,1350.5" {
		t.Errorf("coords[0] = %q", coords[0])
	}
	if coords[1] != "85.31,27.71,0" {
		t.Errorf("coords[1] = %q, want altitude defaulted to 0", coords[1])
	}
}

func TestGPXTrackpoints(t *testing.T) {
	wps := []store.GpsWaypoint{
		{Latitude: 27.7, Longitude: 85.3, Altitude: floatPtr(1350), TimestampMs: 1700000000000},
		{Latitude: 27.71, Longitude: 85.31}, // legacy: no timestamp
	}

	frags := GPXTrackpoints(wps)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}

	if !strings.HasPrefix(frags[0], `<trkpt lat="27.7" lon="85.3">`) {
		t.Errorf("frags[0] = %q", frags[0])
	}
	if !strings.Contains(frags[0], "<ele>1350</ele>") {
		t.Errorf("frags[0] missing elevation: %q", frags[0])
	}
	if !strings.Contains(frags[0], "<time>2023-11-14T22:13:20Z</time>") {
		t.Errorf("frags[0] missing UTC time: %q", frags[0])
	}

	if strings.Contains(frags[1], "<time>") {
		t.Errorf("zero-timestamp waypoint must not emit <time>: %q", frags[1])
	}
	if strings.Contains(frags[1], "<ele>") {
		t.Errorf("waypoint without altitude must not emit <ele>: %q", frags[1])
	}
}

func TestDocumentsWellFormed(t *testing.T) {
	wps := []store.GpsWaypoint{
		{Latitude: 1, Longitude: 2},
		{Latitude: 1.01, Longitude: 2.01},
	}

	kml := KMLDocument(`section <A> & "B"`, wps)
	if !strings.Contains(kml, "section &lt;A&gt; &amp; &quot;B&quot;") {
		t.Error("KML name not escaped")
	}
	if !strings.Contains(kml, "<coordinates>2,1,0 2.01,1.01,0</coordinates>") {
		t.Errorf("unexpected KML coordinates: %s", kml)
	}

	gpx := GPXDocument("seg", wps)
	if strings.Count(gpx, "<trkpt") != 2 {
		t.Error("GPX should contain 2 trackpoints")
	}
}

func TestFromLegacyCoordinates(t *testing.T) {
	wps, total, err := FromLegacyCoordinates([]string{
		"85.3,27.7,1350",
		"85.31,27.71",
		" 85.32 , 27.72 ",
	})
	if err != nil {
		t.Fatalf("FromLegacyCoordinates failed: %v", err)
	}
	if len(wps) != 3 {
		t.Fatalf("expected 3 waypoints, got %d", len(wps))
	}

	if wps[0].Longitude != 85.3 || wps[0].Latitude != 27.7 {
		t.Errorf("wps[0] = %+v", wps[0])
	}
	if wps[0].Altitude == nil || *wps[0].Altitude != 1350 {
		t.Errorf("wps[0] altitude = %v, want 1350", wps[0].Altitude)
	}
	if wps[1].Altitude != nil {
		t.Error("wps[1] should have no altitude")
	}

	for i, wp := range wps {
		if wp.Accuracy != 0 || wp.TimestampMs != 0 {
			t.Errorf("wps[%d]: legacy import must zero accuracy/timestamp", i)
		}
	}

	var full float64
	for i := 1; i < len(wps); i++ {
		full += HaversineM(wps[i-1].Latitude, wps[i-1].Longitude, wps[i].Latitude, wps[i].Longitude)
	}
	if math.Abs(full-total) > 1e-9 {
		t.Errorf("distance %v != recompute %v", total, full)
	}
}

func TestFromLegacyCoordinatesRejectsGarbage(t *testing.T) {
	cases := [][]string{
		{"85.3"},
		{"85.3,27.7,10,4"},
		{"east,north"},
		{"85.3,abc"},
	}
	for _, coords := range cases {
		if _, _, err := FromLegacyCoordinates(coords); err == nil {
			t.Errorf("expected error for %v", coords)
		}
	}
}

func TestImportLegacyTrack(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	tr, err := ImportLegacyTrack(ctx, st, "proj-1", "historic alignment", []string{
		"85.3,27.7",
		"85.31,27.71",
		"85.32,27.72",
	})
	if err != nil {
		t.Fatalf("ImportLegacyTrack failed: %v", err)
	}

	if !tr.Sealed {
		t.Error("imported track should be sealed")
	}
	if tr.SyncStatus != store.StatusPending {
		t.Errorf("status = %s, want pending", tr.SyncStatus)
	}
	if tr.WaypointCount != 3 {
		t.Errorf("waypoint count = %d, want 3", tr.WaypointCount)
	}
	if tr.TotalDistanceM <= 0 {
		t.Error("imported track should have positive distance")
	}

	// Export paths accept legacy waypoints.
	wps, err := st.Waypoints(ctx, tr.TrackID)
	if err != nil {
		t.Fatalf("failed to load waypoints: %v", err)
	}
	if got := len(GPXTrackpoints(wps)); got != 3 {
		t.Errorf("GPX fragments = %d, want 3", got)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Kathmandu to Pokhara, roughly 144 km great-circle.
	d := HaversineM(27.7172, 85.3240, 28.2096, 83.9856)
	if d < 140000 || d > 150000 {
		t.Errorf("distance = %v m, want ~144 km", d)
	}

	// Identity.
	if d := HaversineM(27.7, 85.3, 27.7, 85.3); d != 0 {
		t.Errorf("zero-length distance = %v, want 0", d)
	}
}
