package core

import (
	"sync"
	"time"
)

type lockEntry struct {
	owner      string
	acquiredAt time.Time
}

// LockTable provides per-channel mutual exclusion for dispense mutations.
// Acquire never blocks; a held lock auto-expires after the TTL so a crashed
// holder cannot wedge a channel. The TTL must exceed one full
// sign+compress+submit round trip (enforced by config validation).
type LockTable struct {
	mu   sync.Mutex
	ttl  time.Duration
	held map[string]lockEntry
	now  func() time.Time
}

func NewLockTable(ttl time.Duration) *LockTable {
	return &LockTable{
		ttl:  ttl,
		held: make(map[string]lockEntry),
		now:  time.Now,
	}
}

// Acquire takes the channel's lock for the owner. Returns false immediately
// when a different owner holds an unexpired lock; callers surface that as a
// conflict, never retry automatically. Re-acquisition by the current owner
// refreshes the hold.
func (t *LockTable) Acquire(topicID, ownerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.held[topicID]
	if ok && entry.owner != ownerID && t.now().Sub(entry.acquiredAt) < t.ttl {
		return false
	}
	t.held[topicID] = lockEntry{owner: ownerID, acquiredAt: t.now()}
	return true
}

// Release frees the channel's lock. Idempotent; a release by a non-owner is
// ignored so an expired-and-stolen lock cannot be freed by its old holder.
func (t *LockTable) Release(topicID, ownerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.held[topicID]; ok && entry.owner == ownerID {
		delete(t.held, topicID)
	}
}

// Holder reports the current owner of a channel's lock, if any.
func (t *LockTable) Holder(topicID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.held[topicID]
	if !ok || t.now().Sub(entry.acquiredAt) >= t.ttl {
		return "", false
	}
	return entry.owner, true
}
