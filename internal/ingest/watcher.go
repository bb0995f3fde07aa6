// Package ingest registers captured media files as sync candidates.
//
// The watcher:
// 1. Scans the media drop directory on startup for files captured while
//    the process was down
// 2. Watches for new files with fsnotify
// 3. Debounces rapid write events so half-written files settle first
// 4. Registers each file as a pending MediaAsset, exactly once
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/dmwatts/fieldsync/internal/store"
)

// Config holds configuration for the watcher.
type Config struct {
	// DebounceInterval is how long a file must sit quiet before it is
	// registered. This lets the capture pipeline finish writing.
	DebounceInterval time.Duration

	// DefaultProject receives media whose sidecar names no project.
	DefaultProject string

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Sidecar is the optional per-file metadata JSON the capture pipeline
// drops next to a media file, named "<file>.json".
type Sidecar struct {
	ProjectID string   `json:"project_id,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Watcher registers files appearing in a media drop directory.
type Watcher struct {
	store    *store.Store
	mediaDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for one media drop directory. Use Start() to
// begin watching.
func New(st *store.Store, mediaDir string, config *Config) (*Watcher, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if mediaDir == "" {
		return nil, fmt.Errorf("mediaDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		store:       st,
		mediaDir:    mediaDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins watching. It registers anything already in the drop
// directory first, then blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.config.Logger.Printf("Watching media directory: %s", w.mediaDir)

	if err := w.ScanExisting(ctx); err != nil {
		return fmt.Errorf("initial media scan failed: %w", err)
	}

	if err := w.watcher.Add(w.mediaDir); err != nil {
		return fmt.Errorf("failed to watch media directory: %w", err)
	}

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
		return w.Stop()
	case <-w.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the watcher.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}

	w.wg.Wait()
	return nil
}

// ScanExisting registers every recognized media file already present in
// the drop directory. Called on startup; safe to call again.
func (w *Watcher) ScanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.mediaDir)
	if err != nil {
		return fmt.Errorf("failed to read media directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.mediaDir, entry.Name())
		if mediaKind(path) == "" {
			continue
		}
		if err := w.Register(ctx, path); err != nil {
			w.config.Logger.Printf("Warning: failed to register %s: %v", path, err)
		}
	}
	return nil
}

// Register records one media file as a pending sync candidate. A file
// already known by its path is skipped, so repeated events and rescans
// never duplicate records.
func (w *Watcher) Register(ctx context.Context, path string) error {
	kind := mediaKind(path)
	if kind == "" {
		return fmt.Errorf("unrecognized media file %s", path)
	}

	existing, err := w.store.MediaByFileRef(ctx, path)
	if err != nil && !store.ErrNotFound(err) {
		return err
	}
	if existing != nil {
		return nil
	}

	media := &store.MediaAsset{
		LocalID:   uuid.NewString(),
		ProjectID: w.config.DefaultProject,
		FileRef:   path,
		Kind:      kind,
	}

	if sc := readSidecar(path); sc != nil {
		if sc.ProjectID != "" {
			media.ProjectID = sc.ProjectID
		}
		media.Latitude = sc.Latitude
		media.Longitude = sc.Longitude
	}

	if media.ProjectID == "" {
		return fmt.Errorf("no project for media %s: missing sidecar and no default", path)
	}

	if err := w.store.InsertMedia(ctx, media); err != nil {
		return fmt.Errorf("failed to register media: %w", err)
	}

	w.config.Logger.Printf("Registered %s %s for project %s", kind, filepath.Base(path), media.ProjectID)
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if mediaKind(event.Name) == "" {
				continue
			}

			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (w *Watcher) queueChange(path string) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = time.Now()
}

// processChangeQueue registers queued files once they settle.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges registers files that have been quiet for at
// least one debounce interval.
func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			// Gone before it settled.
			delete(w.changeQueue, path)
			continue
		}

		if err := w.Register(w.ctx, path); err != nil {
			w.config.Logger.Printf("Error registering %s: %v", path, err)
		}
		delete(w.changeQueue, path)
	}
}

// readSidecar loads "<file>.json" metadata if present.
func readSidecar(path string) *Sidecar {
	data, err := os.ReadFile(path + ".json")
	if err != nil {
		return nil
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil
	}
	return &sc
}

// mediaKind maps a file extension to a media kind, or "" for files the
// watcher ignores.
func mediaKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".heic":
		return "photo"
	case ".mp4", ".mov":
		return "video"
	default:
		return ""
	}
}
