// Package track provides the GPS track recorder and its import/export
// formats.
//
// The recorder is a small state machine (idle -> recording -> stopped)
// fed by an asynchronous location stream. Incoming samples are handed to
// a bounded buffer and turned into waypoints by a background worker, so a
// slow storage write never stalls the location producer; under extreme
// backpressure samples are dropped, never blocked on.
package track

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmwatts/fieldsync/internal/store"
)

// State is the recorder lifecycle state.
type State int

const (
	// Idle means no track has been started.
	Idle State = iota
	// Recording means waypoints are being captured.
	Recording
	// Stopped is terminal; a new track requires a new Recorder.
	Stopped
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RawLocation is one sample delivered by the location source.
type RawLocation struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Accuracy  float64
	Speed     *float64
	Bearing   *float64
	Timestamp time.Time
}

// TrackResult summarizes a sealed track.
type TrackResult struct {
	TrackID        string
	WaypointCount  int
	TotalDistanceM float64
	StartTime      time.Time
	EndTime        time.Time
	Dropped        int64
}

// Config holds recorder tuning knobs.
type Config struct {
	// BufferSize bounds the location intake buffer.
	BufferSize int

	// FlushBatch is how many buffered waypoints trigger a storage write.
	FlushBatch int

	// FlushInterval bounds how long a waypoint can sit unflushed.
	FlushInterval time.Duration

	// Logger for recorder activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:    256,
		FlushBatch:    16,
		FlushInterval: time.Second,
		Logger:        log.New(os.Stderr, "[track] ", log.LstdFlags),
	}
}

// Recorder samples location updates into waypoints for one track.
type Recorder struct {
	store     *store.Store
	projectID string
	config    *Config

	mu        sync.Mutex
	state     State
	trackID   string
	startTime time.Time

	locs    chan RawLocation
	wg      sync.WaitGroup
	dropped atomic.Int64

	// Worker-owned; touched only by the flush goroutine after Start.
	seq      int
	lastWp   *store.GpsWaypoint
	distance float64
}

// NewRecorder creates an idle recorder for one project.
func NewRecorder(st *store.Store, projectID string, config *Config) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Recorder{
		store:     st,
		projectID: projectID,
		config:    config,
		state:     Idle,
	}
}

// Start transitions idle -> recording, creates the track row and starts
// the background flush worker. Returns the new track id.
func (r *Recorder) Start(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Idle {
		return "", fmt.Errorf("cannot start recorder in state %s", r.state)
	}

	trackID := uuid.NewString()
	startTime := time.Now().UTC()

	err := r.store.InsertTrack(ctx, &store.GpsTrack{
		TrackID:     trackID,
		ProjectID:   r.projectID,
		Name:        name,
		StartTimeMs: startTime.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create track: %w", err)
	}

	r.trackID = trackID
	r.startTime = startTime
	r.locs = make(chan RawLocation, r.config.BufferSize)
	r.state = Recording

	r.wg.Add(1)
	go r.flushLoop()

	r.config.Logger.Printf("Recording track %s (%s)", trackID, name)
	return trackID, nil
}

// Offer hands a location sample to the recorder without blocking.
// Returns false if the sample was dropped (not recording, or buffer full).
func (r *Recorder) Offer(loc RawLocation) bool {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return false
	}
	ch := r.locs
	r.mu.Unlock()

	select {
	case ch <- loc:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Stop transitions recording -> stopped, flushes every buffered waypoint
// to durable storage and seals the track. Safe to call exactly once.
func (r *Recorder) Stop(ctx context.Context) (*TrackResult, error) {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return nil, fmt.Errorf("cannot stop recorder in state %s", r.state)
	}
	r.state = Stopped
	close(r.locs)
	r.mu.Unlock()

	// The worker drains the closed channel and flushes the remainder.
	r.wg.Wait()

	endTime := time.Now().UTC()
	if err := r.store.SealTrack(ctx, r.trackID, endTime.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to seal track: %w", err)
	}

	result := &TrackResult{
		TrackID:        r.trackID,
		WaypointCount:  r.seq,
		TotalDistanceM: r.distance,
		StartTime:      r.startTime,
		EndTime:        endTime,
		Dropped:        r.dropped.Load(),
	}
	r.config.Logger.Printf("Sealed track %s: %d waypoints, %.1f m (%d dropped)",
		r.trackID, result.WaypointCount, result.TotalDistanceM, result.Dropped)
	return result, nil
}

// State returns the current recorder state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TrackID returns the id of the track being recorded, or "" while idle.
func (r *Recorder) TrackID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackID
}

// flushLoop builds waypoints from buffered samples and writes them to
// storage in batches. It exits once the intake channel is closed and
// fully drained.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	batch := make([]store.GpsWaypoint, 0, r.config.FlushBatch)
	var batchDistance float64

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Persistence must complete even mid-shutdown, so flushes do not
		// ride a cancellable context.
		if err := r.store.AppendWaypoints(context.Background(), r.trackID, batch, batchDistance); err != nil {
			r.config.Logger.Printf("Error flushing %d waypoints: %v", len(batch), err)
		}
		batch = batch[:0]
		batchDistance = 0
	}

	for {
		select {
		case loc, ok := <-r.locs:
			if !ok {
				flush()
				return
			}

			wp, d := r.buildWaypoint(loc)
			batch = append(batch, wp)
			batchDistance += d

			if len(batch) >= r.config.FlushBatch {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// buildWaypoint converts a raw sample into the next waypoint and returns
// the incremental haversine distance from its predecessor (0 for the
// first waypoint of the track).
func (r *Recorder) buildWaypoint(loc RawLocation) (store.GpsWaypoint, float64) {
	ts := loc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	offset := ts.Sub(r.startTime).Milliseconds()
	if offset < 0 {
		offset = 0
	}

	wp := store.GpsWaypoint{
		Seq:           r.seq,
		Latitude:      loc.Latitude,
		Longitude:     loc.Longitude,
		Altitude:      loc.Altitude,
		Accuracy:      loc.Accuracy,
		Speed:         loc.Speed,
		Bearing:       loc.Bearing,
		TimestampMs:   ts.UnixMilli(),
		VideoOffsetMs: offset,
	}

	var d float64
	if r.lastWp != nil {
		d = HaversineM(r.lastWp.Latitude, r.lastWp.Longitude, wp.Latitude, wp.Longitude)
	}

	r.seq++
	r.distance += d
	last := wp
	r.lastWp = &last
	return wp, d
}
