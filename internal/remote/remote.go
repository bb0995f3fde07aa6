// Package remote defines the boundary between the on-device sync engine
// and the authoritative server, plus its HTTP implementation.
//
// Every push carries the record's client-generated local_id as an
// idempotency key: the server treats a repeated push of an already
// accepted record as a no-op and returns the original server_id, which
// the client treats as success.
package remote

import (
	"context"

	"github.com/dmwatts/fieldsync/internal/store"
)

// ProgressPush is the wire payload for one progress log entry.
type ProgressPush struct {
	LocalID     string   `json:"local_id"`
	ProjectID   string   `json:"project_id"`
	Percentage  float64  `json:"percentage"`
	Description string   `json:"description"`
	PrevHash    string   `json:"previous_hash"`
	CurrHash    string   `json:"current_hash"`
	CreatedAtMs int64    `json:"created_at_ms"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// TrackPush is the wire payload for one sealed GPS track.
type TrackPush struct {
	LocalID        string              `json:"local_id"`
	ProjectID      string              `json:"project_id"`
	Name           string              `json:"track_name"`
	Waypoints      []store.GpsWaypoint `json:"waypoints"`
	WaypointCount  int                 `json:"waypoint_count"`
	TotalDistanceM float64             `json:"total_distance_meters"`
	StartTimeMs    int64               `json:"start_time_ms"`
	EndTimeMs      *int64              `json:"end_time_ms,omitempty"`
	LinkedMediaID  string              `json:"media_id,omitempty"`
}

// MediaPush is the wire payload for one media asset registration.
type MediaPush struct {
	LocalID   string   `json:"local_id"`
	ProjectID string   `json:"project_id"`
	FileRef   string   `json:"file_ref"`
	Kind      string   `json:"kind"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Head is a project's authoritative chain head as known by the server.
// CreatedAtMs is the head entry's timestamp (zero for an empty chain);
// re-chained entries must be stamped strictly after it.
type Head struct {
	CurrentHash  string `json:"current_hash"`
	LastServerID string `json:"last_server_id"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

// Client is the remote API boundary the sync engine drains into.
//
// Implementations must map failures onto the package error taxonomy:
// ConflictError, ValidationError, TransientError.
type Client interface {
	// PushProgress uploads one progress entry and returns its server id.
	PushProgress(ctx context.Context, push ProgressPush) (string, error)

	// FetchHead returns the authoritative chain head for a project.
	// A project with no accepted entries returns a Head with the genesis
	// hash.
	FetchHead(ctx context.Context, projectID string) (*Head, error)

	// FetchChain returns a project's full authoritative chain, oldest
	// first, for resynchronization after a local integrity failure.
	FetchChain(ctx context.Context, projectID string) ([]*store.ProgressLogEntry, error)

	// PushTrack uploads one sealed GPS track and returns its server id.
	PushTrack(ctx context.Context, push TrackPush) (string, error)

	// PushMedia registers one media asset and returns its server id.
	PushMedia(ctx context.Context, push MediaPush) (string, error)

	// FetchProject returns the server's current view of a project.
	FetchProject(ctx context.Context, projectID string) (*store.ProjectMirror, error)
}
