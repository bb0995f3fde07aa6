package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmwatts/fieldsync/internal/store"
)

// Fake is an in-memory Client double implementing the server's contract:
// idempotent accepts keyed by local_id, per-project chain heads, and
// conflict rejection when a push's previous hash goes stale. Tests (and
// `fieldsync serve --fake-remote`) use it to exercise the sync engine
// without a network.
type Fake struct {
	mu sync.Mutex

	// chains holds accepted entries per project, in acceptance order.
	chains map[string][]*store.ProgressLogEntry

	// accepted maps local_id -> server_id for idempotent replays, across
	// all entity types.
	accepted map[string]string

	// genesis is the previous-hash value expected from an empty chain.
	genesis string

	// FailPushes makes the next N pushes fail with FailWith.
	FailPushes int
	// FailWith is the error returned while FailPushes > 0. Defaults to a
	// timeout-shaped TransientError.
	FailWith error

	nextID int
}

// NewFake creates an empty fake server. genesisHash is the prev-hash
// value the server expects from the first entry of a chain.
func NewFake(genesisHash string) *Fake {
	return &Fake{
		chains:   make(map[string][]*store.ProgressLogEntry),
		accepted: make(map[string]string),
		genesis:  genesisHash,
	}
}

// PushProgress implements Client.PushProgress.
func (f *Fake) PushProgress(ctx context.Context, push ProgressPush) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail(); err != nil {
		return "", err
	}

	// Idempotent replay: already accepted, return the original id.
	if serverID, ok := f.accepted[push.LocalID]; ok {
		return serverID, nil
	}

	if push.ProjectID == "" || push.LocalID == "" {
		return "", &ValidationError{Detail: "missing identifiers"}
	}
	if push.Percentage < 0 || push.Percentage > 100 {
		return "", &ValidationError{Detail: fmt.Sprintf("percentage out of range: %v", push.Percentage)}
	}

	head := f.headLocked(push.ProjectID)
	if push.PrevHash != head {
		return "", &ConflictError{ProjectID: push.ProjectID, AuthoritativeHead: head}
	}
	if chain := f.chains[push.ProjectID]; len(chain) > 0 {
		if push.CreatedAtMs <= chain[len(chain)-1].CreatedAt.UnixMilli() {
			return "", &ValidationError{Detail: "entry does not postdate chain head"}
		}
	}

	serverID := f.newID("pl")
	f.chains[push.ProjectID] = append(f.chains[push.ProjectID], &store.ProgressLogEntry{
		LocalID:     push.LocalID,
		ServerID:    serverID,
		ProjectID:   push.ProjectID,
		Percentage:  push.Percentage,
		Description: push.Description,
		PrevHash:    push.PrevHash,
		CurrHash:    push.CurrHash,
		CreatedAt:   time.UnixMilli(push.CreatedAtMs).UTC(),
		Latitude:    push.Latitude,
		Longitude:   push.Longitude,
		SyncStatus:  store.StatusSynced,
	})
	f.accepted[push.LocalID] = serverID
	return serverID, nil
}

// FetchHead implements Client.FetchHead.
func (f *Fake) FetchHead(ctx context.Context, projectID string) (*Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail(); err != nil {
		return nil, err
	}

	head := &Head{CurrentHash: f.headLocked(projectID)}
	if chain := f.chains[projectID]; len(chain) > 0 {
		last := chain[len(chain)-1]
		head.LastServerID = last.ServerID
		head.CreatedAtMs = last.CreatedAt.UnixMilli()
	}
	return head, nil
}

// FetchChain implements Client.FetchChain.
func (f *Fake) FetchChain(ctx context.Context, projectID string) ([]*store.ProgressLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail(); err != nil {
		return nil, err
	}

	chain := f.chains[projectID]
	out := make([]*store.ProgressLogEntry, len(chain))
	for i, e := range chain {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// PushTrack implements Client.PushTrack.
func (f *Fake) PushTrack(ctx context.Context, push TrackPush) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail(); err != nil {
		return "", err
	}
	if serverID, ok := f.accepted[push.LocalID]; ok {
		return serverID, nil
	}
	if push.ProjectID == "" || push.LocalID == "" {
		return "", &ValidationError{Detail: "missing identifiers"}
	}

	serverID := f.newID("trk")
	f.accepted[push.LocalID] = serverID
	return serverID, nil
}

// PushMedia implements Client.PushMedia.
func (f *Fake) PushMedia(ctx context.Context, push MediaPush) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail(); err != nil {
		return "", err
	}
	if serverID, ok := f.accepted[push.LocalID]; ok {
		return serverID, nil
	}
	if push.Kind != "photo" && push.Kind != "video" {
		return "", &ValidationError{Detail: fmt.Sprintf("unknown media kind %q", push.Kind)}
	}

	serverID := f.newID("med")
	f.accepted[push.LocalID] = serverID
	return serverID, nil
}

// FetchProject implements Client.FetchProject.
func (f *Fake) FetchProject(ctx context.Context, projectID string) (*store.ProjectMirror, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.maybeFail(); err != nil {
		return nil, err
	}

	return &store.ProjectMirror{
		ProjectID: projectID,
		Title:     "Project " + projectID,
		Status:    "active",
		FetchedAt: time.Now().UTC(),
	}, nil
}

// SeedEntry appends an entry directly to the fake's chain, simulating
// another device having synced first.
func (f *Fake) SeedEntry(e *store.ProgressLogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e.ServerID = f.newID("pl")
	f.chains[e.ProjectID] = append(f.chains[e.ProjectID], e)
	f.accepted[e.LocalID] = e.ServerID
}

// ChainLen returns how many entries the fake accepted for a project.
func (f *Fake) ChainLen(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chains[projectID])
}

// AcceptedCount returns how many distinct records the fake accepted.
func (f *Fake) AcceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepted)
}

// headLocked returns the current head hash of a project's chain.
// Caller holds f.mu.
func (f *Fake) headLocked(projectID string) string {
	chain := f.chains[projectID]
	if len(chain) == 0 {
		return f.genesis
	}
	return chain[len(chain)-1].CurrHash
}

// maybeFail burns one injected failure if any remain. Caller holds f.mu.
func (f *Fake) maybeFail() error {
	if f.FailPushes <= 0 {
		return nil
	}
	f.FailPushes--
	if f.FailWith != nil {
		return f.FailWith
	}
	return &TransientError{Op: "fake", Err: context.DeadlineExceeded}
}

// newID mints a deterministic server id. Caller holds f.mu.
func (f *Fake) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%04d", prefix, f.nextID)
}
