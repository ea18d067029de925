package auth

import (
	"fmt"
	"sync"
	"time"
)

// ReplayCache remembers token ids until their tokens expire.
type ReplayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewReplayCache() *ReplayCache {
	return &ReplayCache{seen: make(map[string]time.Time), now: time.Now}
}

// Record stores jti until exp. It fails when jti is already held.
func (r *ReplayCache) Record(jti string, exp time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, until := range r.seen {
		if now.After(until) {
			delete(r.seen, id)
		}
	}
	if _, exists := r.seen[jti]; exists {
		return fmt.Errorf("jti %q has already been used", jti)
	}
	r.seen[jti] = exp
	return nil
}

// Len returns the number of remembered ids.
func (r *ReplayCache) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
