package track

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmwatts/fieldsync/internal/store"
)

// KMLCoordinates renders waypoints as KML "lon,lat,alt" strings, altitude
// defaulted to 0 when absent.
func KMLCoordinates(wps []store.GpsWaypoint) []string {
	coords := make([]string, 0, len(wps))
	for _, wp := range wps {
		alt := 0.0
		if wp.Altitude != nil {
			alt = *wp.Altitude
		}
		coords = append(coords, fmt.Sprintf("%s,%s,%s",
			formatCoord(wp.Longitude),
			formatCoord(wp.Latitude),
			formatCoord(alt),
		))
	}
	return coords
}

// KMLDocument renders a complete KML document with one LineString.
func KMLDocument(name string, wps []store.GpsWaypoint) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<kml xmlns="http://www.opengis.net/kml/2.2">` + "\n")
	sb.WriteString("  <Placemark>\n")
	sb.WriteString("    <name>" + xmlEscape(name) + "</name>\n")
	sb.WriteString("    <LineString>\n")
	sb.WriteString("      <coordinates>" + strings.Join(KMLCoordinates(wps), " ") + "</coordinates>\n")
	sb.WriteString("    </LineString>\n")
	sb.WriteString("  </Placemark>\n")
	sb.WriteString("</kml>\n")
	return sb.String()
}

// GPXTrackpoints renders waypoints as GPX <trkpt> fragments. Elevation is
// included when present; the <time> element only when the waypoint has a
// real capture timestamp (legacy imports have none).
func GPXTrackpoints(wps []store.GpsWaypoint) []string {
	frags := make([]string, 0, len(wps))
	for _, wp := range wps {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf(`<trkpt lat="%s" lon="%s">`,
			formatCoord(wp.Latitude), formatCoord(wp.Longitude)))
		if wp.Altitude != nil {
			sb.WriteString("<ele>" + formatCoord(*wp.Altitude) + "</ele>")
		}
		if wp.TimestampMs > 0 {
			t := time.UnixMilli(wp.TimestampMs).UTC()
			sb.WriteString("<time>" + t.Format(time.RFC3339) + "</time>")
		}
		sb.WriteString("</trkpt>")
		frags = append(frags, sb.String())
	}
	return frags
}

// GPXDocument renders a complete GPX document with one track segment.
func GPXDocument(name string, wps []store.GpsWaypoint) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<gpx version="1.1" creator="fieldsync" xmlns="http://www.topografix.com/GPX/1/1">` + "\n")
	sb.WriteString("  <trk>\n")
	sb.WriteString("    <name>" + xmlEscape(name) + "</name>\n")
	sb.WriteString("    <trkseg>\n")
	for _, frag := range GPXTrackpoints(wps) {
		sb.WriteString("      " + frag + "\n")
	}
	sb.WriteString("    </trkseg>\n")
	sb.WriteString("  </trk>\n")
	sb.WriteString("</gpx>\n")
	return sb.String()
}

// formatCoord renders a coordinate with minimal digits, no exponent.
func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// xmlEscape escapes the five XML special characters.
func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
