package store

import "time"

// SyncStatus is the lifecycle state of any locally created record with
// respect to server acknowledgment.
type SyncStatus string

const (
	// StatusPending means the record is queued for upload.
	StatusPending SyncStatus = "pending"
	// StatusSyncing means an upload attempt is in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusSynced means the server acknowledged the record.
	StatusSynced SyncStatus = "synced"
	// StatusFailed means upload failed and automatic retries stopped.
	StatusFailed SyncStatus = "failed"
)

// EntityType identifies a class of syncable records.
type EntityType string

const (
	EntityProgress EntityType = "progress"
	EntityTrack    EntityType = "track"
	EntityMedia    EntityType = "media"
)

// ProjectMirror is a read-mostly cached copy of a server project.
// It is refreshed on fetch and never mutated locally except by sync replies.
type ProjectMirror struct {
	ProjectID         string    `json:"project_id"`
	Title             string    `json:"title"`
	Location          string    `json:"location,omitempty"`
	Contractor        string    `json:"contractor,omitempty"`
	Cost              float64   `json:"cost,omitempty"`
	Status            string    `json:"status"`
	PhysicalProgress  float64   `json:"physical_progress"`
	FinancialProgress float64   `json:"financial_progress"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// ProgressLogEntry is one append-only, hash-chained progress report.
// Once created, only SyncStatus, ServerID, SyncError and Attempts change.
// PrevHash/CurrHash change only when the entry is re-chained after a
// server conflict, before it has ever been accepted.
type ProgressLogEntry struct {
	LocalID     string     `json:"local_id"`
	ServerID    string     `json:"server_id,omitempty"`
	ProjectID   string     `json:"project_id"`
	Percentage  float64    `json:"percentage"`
	Description string     `json:"description"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	Accuracy    *float64   `json:"accuracy,omitempty"`
	PrevHash    string     `json:"prev_hash"`
	CurrHash    string     `json:"curr_hash"`
	CreatedAt   time.Time  `json:"created_at"`
	SyncStatus  SyncStatus `json:"sync_status"`
	SyncError   string     `json:"sync_error,omitempty"`
	Attempts    int        `json:"attempts"`
}

// GpsWaypoint is one GPS sample. Immutable once captured; ordered by Seq
// within a track.
type GpsWaypoint struct {
	Seq           int      `json:"seq"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Altitude      *float64 `json:"altitude,omitempty"`
	Accuracy      float64  `json:"accuracy"`
	Speed         *float64 `json:"speed,omitempty"`
	Bearing       *float64 `json:"bearing,omitempty"`
	TimestampMs   int64    `json:"timestamp_ms"`
	VideoOffsetMs int64    `json:"video_offset_ms"`
}

// GpsTrack is an ordered sequence of waypoints captured during one
// recording session. Mutated only by appending waypoints while recording;
// sealed once stopped.
type GpsTrack struct {
	TrackID        string     `json:"track_id"`
	ServerID       string     `json:"server_id,omitempty"`
	ProjectID      string     `json:"project_id"`
	Name           string     `json:"name"`
	WaypointCount  int        `json:"waypoint_count"`
	TotalDistanceM float64    `json:"total_distance_m"`
	StartTimeMs    int64      `json:"start_time_ms"`
	EndTimeMs      *int64     `json:"end_time_ms,omitempty"`
	Sealed         bool       `json:"sealed"`
	LinkedMediaID  string     `json:"linked_media_id,omitempty"`
	SyncStatus     SyncStatus `json:"sync_status"`
	SyncError      string     `json:"sync_error,omitempty"`
	Attempts       int        `json:"attempts"`
}

// MediaAsset is a locally captured photo or video awaiting upload.
type MediaAsset struct {
	LocalID    string     `json:"local_id"`
	ServerID   string     `json:"server_id,omitempty"`
	ProjectID  string     `json:"project_id"`
	FileRef    string     `json:"file_ref"`
	Kind       string     `json:"kind"` // photo, video
	Latitude   *float64   `json:"latitude,omitempty"`
	Longitude  *float64   `json:"longitude,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
	SyncError  string     `json:"sync_error,omitempty"`
	Attempts   int        `json:"attempts"`
}

// StatusCounts summarizes sync status for one entity type.
type StatusCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}
