package engine

import (
	"math/rand"
	"sync"
	"time"
)

// backoffGate tracks when each record becomes eligible for another push
// attempt. Purely in-memory; a process restart retries immediately.
type backoffGate struct {
	mu      sync.Mutex
	nextTry map[string]time.Time
}

func newBackoffGate() *backoffGate {
	return &backoffGate{nextTry: make(map[string]time.Time)}
}

// eligible reports whether a record may be attempted now.
func (g *backoffGate) eligible(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	at, ok := g.nextTry[key]
	return !ok || !time.Now().Before(at)
}

// delay defers a record's next attempt by the backoff for the given
// attempt number.
func (g *backoffGate) delay(key string, attempt int, base, limit time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextTry[key] = time.Now().Add(backoffDelay(attempt, base, limit))
}

// clear removes a record's gate after success or manual retry.
func (g *backoffGate) clear(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nextTry, key)
}

// backoffDelay computes the exponential backoff with jitter for the
// given attempt number (1-based): base * 2^(attempt-1), capped at limit,
// with the upper half randomized so retry bursts from many records
// spread out.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			d = limit
			break
		}
	}
	if limit > 0 && d > limit {
		d = limit
	}

	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
