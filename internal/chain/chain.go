// Package chain computes and verifies the per-project append-only hash
// sequence for progress logs.
//
// Each entry's hash covers the previous entry's hash, so the chain is
// tamper-evident: editing or reordering any historical entry breaks every
// hash after it. The first entry of a project links to GenesisHash.
//
// The canonical serialization is a compatibility contract shared with the
// server-side verifier. It is compact JSON with sorted keys:
//
//	{"created_at_ms":N,"description":"...","percentage":"NN.NN","prev_hash":"...","project_id":"..."}
//
// with the timestamp as integer Unix milliseconds and the percentage
// rendered to exactly two decimals. The hash is lowercase hex SHA-256.
// This encoding is fixed; changing it invalidates every deployed chain.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmwatts/fieldsync/internal/store"
)

// GenesisHash is the previous-hash value of the first entry in every
// project's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Location is an optional capture position attached to an entry.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Builder appends hash-chained progress entries to the local store and
// verifies chains. Appends are serialized per project so two concurrent
// appends can never compute conflicting links off the same head.
type Builder struct {
	store *store.Store

	mu       sync.Mutex
	projects map[string]*sync.Mutex // per-project append locks
	blocked  map[string]error       // projects with failed integrity checks
}

// NewBuilder creates a Builder backed by the given store.
func NewBuilder(st *store.Store) *Builder {
	return &Builder{
		store:    st,
		projects: make(map[string]*sync.Mutex),
		blocked:  make(map[string]error),
	}
}

// projectLock returns the append lock for a project, creating it on
// first use.
func (b *Builder) projectLock(projectID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.projects[projectID]
	if !ok {
		l = &sync.Mutex{}
		b.projects[projectID] = l
	}
	return l
}

// Append creates a new progress log entry chained onto the project's
// locally known head and persists it with sync status pending.
//
// Returns ChainIntegrityError without appending if the project is blocked
// by a prior Verify failure; call Resync to clear it.
func (b *Builder) Append(ctx context.Context, projectID string, percentage float64, description string, loc *Location) (*store.ProgressLogEntry, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	if percentage < 0 || percentage > 100 {
		return nil, fmt.Errorf("percentage must be between 0 and 100 (got %v)", percentage)
	}

	lock := b.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.blockedErr(projectID); err != nil {
		return nil, err
	}

	head, err := b.store.HeadEntry(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	prevHash := GenesisHash

	// created_at participates in the hash and orders the chain, so it must
	// strictly increase even when appends land in the same millisecond.
	createdAt := time.Now().UTC().Truncate(time.Millisecond)
	if head != nil {
		prevHash = head.CurrHash
		if !createdAt.After(head.CreatedAt) {
			createdAt = head.CreatedAt.Add(time.Millisecond)
		}
	}
	entry := &store.ProgressLogEntry{
		LocalID:     uuid.NewString(),
		ProjectID:   projectID,
		Percentage:  percentage,
		Description: description,
		PrevHash:    prevHash,
		CreatedAt:   createdAt,
		SyncStatus:  store.StatusPending,
	}
	if loc != nil {
		lat, lon, acc := loc.Latitude, loc.Longitude, loc.Accuracy
		entry.Latitude = &lat
		entry.Longitude = &lon
		entry.Accuracy = &acc
	}
	entry.CurrHash = EntryHash(entry)

	if err := b.store.InsertProgressLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to persist entry: %w", err)
	}
	return entry, nil
}

// Rechain recomputes an entry's link atop a new head hash. Used by the
// sync engine after the server rejects a push whose previous hash went
// stale.
//
// The entry's created_at is re-stamped strictly after headCreatedAt: the
// authoritative head may have been written by another device after this
// entry was captured, and the server chain must stay in chronological
// order. Any local unsynced entries queued behind the entry are re-linked
// onto its new hash in the same call, so the local chain stays intact.
func (b *Builder) Rechain(ctx context.Context, entry *store.ProgressLogEntry, newHead string, headCreatedAt time.Time) (*store.ProgressLogEntry, error) {
	lock := b.projectLock(entry.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := b.store.ProgressByProject(ctx, entry.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	idx := -1
	for i, e := range entries {
		if e.LocalID == entry.LocalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("cannot re-chain %s: entry not found", entry.LocalID)
	}

	rechained := *entry
	rechained.PrevHash = newHead
	createdAt := time.Now().UTC().Truncate(time.Millisecond)
	if !createdAt.After(headCreatedAt) {
		createdAt = headCreatedAt.Add(time.Millisecond)
	}
	rechained.CreatedAt = createdAt
	rechained.CurrHash = EntryHash(&rechained)

	updates := []*store.ProgressLogEntry{&rechained}
	prev := &rechained
	for _, e := range entries[idx+1:] {
		if e.ServerID != "" {
			return nil, fmt.Errorf("cannot re-chain %s: synced entry %s follows it", entry.LocalID, e.LocalID)
		}
		next := *e
		next.PrevHash = prev.CurrHash
		if !next.CreatedAt.After(prev.CreatedAt) {
			next.CreatedAt = prev.CreatedAt.Add(time.Millisecond)
		}
		next.CurrHash = EntryHash(&next)
		updates = append(updates, &next)
		prev = &next
	}

	if err := b.store.RechainProgress(ctx, updates); err != nil {
		return nil, err
	}
	return &rechained, nil
}

// Verify recomputes every hash in the chain and compares it against the
// stored values. The chain must be ordered by creation time.
//
// Verification anchors at the first entry's previous hash rather than
// GenesisHash: after a conflict resolution the local store may hold only
// a suffix of the project's full chain, with earlier entries living on
// the server. Every link and hash from the anchor onward is checked;
// full-chain genesis linkage is enforced by Resync and by the server.
//
// A failure is never auto-repaired: the project is blocked from further
// local appends until Resync replaces the chain from the server.
func (b *Builder) Verify(entries []*store.ProgressLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	prevHash := entries[0].PrevHash
	var prevCreated time.Time

	for i, e := range entries {
		if e.PrevHash != prevHash {
			return b.block(e.ProjectID, &IntegrityError{
				ProjectID: e.ProjectID,
				LocalID:   e.LocalID,
				Index:     i,
				Reason:    fmt.Sprintf("previous hash mismatch: have %s, want %s", short(e.PrevHash), short(prevHash)),
			})
		}
		if i > 0 && e.CreatedAt.Before(prevCreated) {
			return b.block(e.ProjectID, &IntegrityError{
				ProjectID: e.ProjectID,
				LocalID:   e.LocalID,
				Index:     i,
				Reason:    "entries out of chronological order",
			})
		}
		if got := EntryHash(e); got != e.CurrHash {
			return b.block(e.ProjectID, &IntegrityError{
				ProjectID: e.ProjectID,
				LocalID:   e.LocalID,
				Index:     i,
				Reason:    fmt.Sprintf("entry hash mismatch: computed %s, stored %s", short(got), short(e.CurrHash)),
			})
		}
		prevHash = e.CurrHash
		prevCreated = e.CreatedAt
	}
	return nil
}

// VerifyProject loads a project's chain from the store and verifies it.
func (b *Builder) VerifyProject(ctx context.Context, projectID string) error {
	entries, err := b.store.ProgressByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to load chain: %w", err)
	}
	return b.Verify(entries)
}

// Resync replaces a project's local chain with the authoritative entries
// fetched from the server and clears the append block. The replacement
// chain is verified first; an invalid authoritative chain is refused.
func (b *Builder) Resync(ctx context.Context, projectID string, authoritative []*store.ProgressLogEntry) error {
	lock := b.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	prevHash := GenesisHash
	for i, e := range authoritative {
		if e.PrevHash != prevHash || EntryHash(e) != e.CurrHash {
			return fmt.Errorf("authoritative chain for %s invalid at index %d", projectID, i)
		}
		prevHash = e.CurrHash
	}

	if err := b.store.ReplaceProjectChain(ctx, projectID, authoritative); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.blocked, projectID)
	b.mu.Unlock()
	return nil
}

// Blocked returns the integrity error currently blocking a project's
// appends, or nil.
func (b *Builder) Blocked(projectID string) error {
	return b.blockedErr(projectID)
}

func (b *Builder) blockedErr(projectID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[projectID]
}

// block records an integrity failure and returns it.
func (b *Builder) block(projectID string, err *IntegrityError) error {
	if projectID != "" {
		b.mu.Lock()
		b.blocked[projectID] = err
		b.mu.Unlock()
	}
	return err
}

// EntryHash computes the canonical SHA-256 hash of an entry's chained
// fields. Only prev_hash, project_id, percentage, description and
// created_at participate; sync bookkeeping and location are excluded so
// the hash is stable across devices and server round-trips.
func EntryHash(e *store.ProgressLogEntry) string {
	return HashFields(e.PrevHash, e.ProjectID, e.Percentage, e.Description, e.CreatedAt)
}

// HashFields computes the canonical hash from raw field values.
func HashFields(prevHash, projectID string, percentage float64, description string, createdAt time.Time) string {
	payload := "{\"created_at_ms\":" + strconv.FormatInt(createdAt.UnixMilli(), 10) +
		",\"description\":" + jsonString(description) +
		",\"percentage\":" + jsonString(strconv.FormatFloat(percentage, 'f', 2, 64)) +
		",\"prev_hash\":" + jsonString(prevHash) +
		",\"project_id\":" + jsonString(projectID) + "}"

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// jsonString renders a JSON string literal with the minimal escaping
// required by RFC 8259. Built by hand so the byte layout never depends on
// encoding/json internals.
func jsonString(s string) string {
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, []byte(fmt.Sprintf("\\u%04x", r))...)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	buf = append(buf, '"')
	return string(buf)
}

// short abbreviates a hash for error messages.
func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
