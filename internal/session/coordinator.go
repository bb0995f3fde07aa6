// Package session coordinates a video-recording session with GPS track
// capture. The coordinator starts the track recorder the moment a
// session opens, before the camera has finished initializing, so early
// location fixes are never lost, and guarantees a single teardown path
// that flushes partial results no matter which state the session is in.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dmwatts/fieldsync/internal/store"
	"github.com/dmwatts/fieldsync/internal/track"
)

// State is one of the coordinator's session states. Exactly one of the
// concrete types below is active at a time.
type State interface {
	sessionState()
}

// Idle means no session is open.
type Idle struct{}

// Ready means a session is open and the track recorder is capturing,
// but video recording has not started yet.
type Ready struct {
	ProjectID string
	TrackID   string
}

// Recording means both the track recorder and video capture are active.
type Recording struct {
	ProjectID string
	TrackID   string
	MediaRef  string
	StartTime time.Time
}

// Completed holds the outcome of the last finished session that
// produced both a video and a track.
type Completed struct {
	ProjectID string
	MediaRef  string
	Track     *track.TrackResult
}

func (Idle) sessionState()      {}
func (Ready) sessionState()     {}
func (Recording) sessionState() {}
func (Completed) sessionState() {}

// Result is what StopSession hands back to the caller.
type Result struct {
	ProjectID string
	MediaRef  string
	Track     *track.TrackResult

	// Degraded is set when the session produced no GPS fix within the
	// acquisition timeout; the video still stands on its own.
	Degraded bool
}

// Config holds coordinator tuning knobs.
type Config struct {
	// GPSTimeout is how long to wait for a first location fix before
	// flagging the session as degraded. The session continues either way.
	GPSTimeout time.Duration

	// Recorder configures the underlying track recorder.
	Recorder *track.Config

	// Logger for session lifecycle events.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPSTimeout: 30 * time.Second,
		Logger:     log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// Coordinator binds video recording lifecycle to GPS track capture for
// one project at a time.
type Coordinator struct {
	store  *store.Store
	config *Config

	mu       sync.Mutex
	state    State
	recorder *track.Recorder
	gotFix   bool
	degraded bool
	gpsTimer *time.Timer
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(st *store.Store, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Coordinator{
		store:  st,
		config: config,
		state:  Idle{},
	}
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartSession opens a session for a project and starts GPS capture
// immediately. Valid only from Idle (or Completed, which discards the
// previous outcome).
func (c *Coordinator) StartSession(ctx context.Context, projectID, trackName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.(type) {
	case Ready, Recording:
		return "", fmt.Errorf("session already active for project %s", c.projectIDLocked())
	}

	rec := track.NewRecorder(c.store, projectID, c.config.Recorder)
	trackID, err := rec.Start(ctx, trackName)
	if err != nil {
		return "", fmt.Errorf("failed to start track capture: %w", err)
	}

	c.recorder = rec
	c.state = Ready{ProjectID: projectID, TrackID: trackID}
	c.gotFix = false
	c.degraded = false

	if c.config.GPSTimeout > 0 {
		c.gpsTimer = time.AfterFunc(c.config.GPSTimeout, c.onGPSTimeout)
	}

	c.config.Logger.Printf("Session opened for project %s (track %s)", projectID, trackID)
	return trackID, nil
}

// Offer forwards a location update to the active recorder. Safe to call
// from any state; returns false when no session is capturing or the
// recorder's buffer is full.
func (c *Coordinator) Offer(loc track.RawLocation) bool {
	c.mu.Lock()
	rec := c.recorder
	if rec == nil {
		c.mu.Unlock()
		return false
	}
	if !c.gotFix {
		c.gotFix = true
		if c.gpsTimer != nil {
			c.gpsTimer.Stop()
		}
	}
	c.mu.Unlock()

	return rec.Offer(loc)
}

// OnMediaRecordingStarted binds the video capture reference to the
// session. Valid only from Ready.
func (c *Coordinator) OnMediaRecordingStarted(mediaRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ready, ok := c.state.(Ready)
	if !ok {
		return fmt.Errorf("cannot bind media in state %T", c.state)
	}

	c.state = Recording{
		ProjectID: ready.ProjectID,
		TrackID:   ready.TrackID,
		MediaRef:  mediaRef,
		StartTime: time.Now().UTC(),
	}
	c.config.Logger.Printf("Video capture started (%s)", mediaRef)
	return nil
}

// StopSession is the single teardown path, reachable from every state.
// It stops GPS capture, flushes buffered waypoints to durable storage,
// registers the video as a media asset when one exists and links it to
// the track. From Idle it is a no-op returning nil.
func (c *Coordinator) StopSession(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var projectID, trackID, mediaRef string
	switch s := c.state.(type) {
	case Idle, Completed:
		return nil, nil
	case Ready:
		projectID, trackID = s.ProjectID, s.TrackID
	case Recording:
		projectID, trackID, mediaRef = s.ProjectID, s.TrackID, s.MediaRef
	}

	if c.gpsTimer != nil {
		c.gpsTimer.Stop()
		c.gpsTimer = nil
	}

	rec := c.recorder
	c.recorder = nil

	result, err := rec.Stop(ctx)
	if err != nil {
		c.state = Idle{}
		return nil, fmt.Errorf("failed to stop track capture: %w", err)
	}

	degraded := c.degraded || result.WaypointCount == 0
	if degraded {
		c.config.Logger.Printf("Session for project %s ended without GPS fix; keeping video only", projectID)
	}

	out := &Result{
		ProjectID: projectID,
		MediaRef:  mediaRef,
		Track:     result,
		Degraded:  degraded,
	}

	if mediaRef != "" {
		media := &store.MediaAsset{
			LocalID:   trackID + "-video",
			ProjectID: projectID,
			FileRef:   mediaRef,
			Kind:      "video",
		}
		if err := c.store.InsertMedia(ctx, media); err != nil {
			c.state = Idle{}
			return out, fmt.Errorf("failed to register session video: %w", err)
		}
		if !degraded {
			if err := c.store.LinkTrackMedia(ctx, trackID, media.LocalID); err != nil {
				c.state = Idle{}
				return out, fmt.Errorf("failed to link video to track: %w", err)
			}
		}
		c.state = Completed{ProjectID: projectID, MediaRef: mediaRef, Track: result}
	} else {
		c.state = Idle{}
	}

	c.config.Logger.Printf("Session closed for project %s: %d waypoints, %.1f m",
		projectID, result.WaypointCount, result.TotalDistanceM)
	return out, nil
}

// onGPSTimeout fires when no location fix arrived in time. The session
// keeps running; the condition is recorded on the final result.
func (c *Coordinator) onGPSTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gotFix || c.recorder == nil {
		return
	}
	c.degraded = true
	c.config.Logger.Printf("No GPS fix within %s for project %s; session continues degraded",
		c.config.GPSTimeout, c.projectIDLocked())
}

// projectIDLocked returns the active project id. Caller holds c.mu.
func (c *Coordinator) projectIDLocked() string {
	switch s := c.state.(type) {
	case Ready:
		return s.ProjectID
	case Recording:
		return s.ProjectID
	default:
		return ""
	}
}
