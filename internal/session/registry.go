// Package session implements the Session Registry (C5): a bounded,
// TTL-evicting LRU mapping session identifiers to bound user ids.
package session

import (
	"container/list"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"tenantgate/pkg/logging"
)

const subsystem = "SessionRegistry"

// DefaultCapacity and DefaultIdleTTL are the session table's defaults:
// capacity 1,000, idle TTL 24h.
const (
	DefaultCapacity = 1000
	DefaultIdleTTL  = 24 * time.Hour
)

type entry struct {
	sessionID    string
	userID       string // empty ⇒ unbound, routes to default worker
	createdAt    time.Time
	lastActivity time.Time
}

// Registry is a bounded LRU session table. Reads and writes are safe for
// concurrent use; LRU recency updates on UserOf are best-effort under races,
// but the binding itself is never lost.
type Registry struct {
	mu       sync.Mutex
	capacity int
	idleTTL  time.Duration

	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

// New constructs a Registry with the given capacity and idle TTL.
func New(capacity int, idleTTL time.Duration) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Registry{
		capacity: capacity,
		idleTTL:  idleTTL,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// NewSessionID mints a fresh session identifier: 128 bits of random entropy,
// hex-encoded so it stays printable in URLs and logs.
func NewSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Touch creates an unbound session record if one does not already exist,
// refreshing recency either way. Used on event-stream open
// for a caller-supplied session id that isn't yet tracked.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(sessionID)
}

func (r *Registry) touchLocked(sessionID string) *entry {
	now := time.Now()
	if el, ok := r.entries[sessionID]; ok {
		e := el.Value.(*entry)
		e.lastActivity = now
		r.order.MoveToFront(el)
		return e
	}

	e := &entry{sessionID: sessionID, createdAt: now, lastActivity: now}
	el := r.order.PushFront(e)
	r.entries[sessionID] = el
	r.evictIfNeededLocked()
	return e
}

// Bind records session → user after a successful OAuth callback.
func (r *Registry) Bind(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.touchLocked(sessionID)
	e.userID = userID
}

// UserOf resolves a session to its bound user id. Lookup refreshes LRU
// recency and last-activity; eviction and TTL expiry are silent.
func (r *Registry) UserOf(sessionID string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, exists := r.entries[sessionID]
	if !exists {
		return "", false
	}
	e := el.Value.(*entry)
	if time.Since(e.lastActivity) > r.idleTTL {
		r.removeLocked(sessionID)
		return "", false
	}

	e.lastActivity = time.Now()
	r.order.MoveToFront(el)

	if e.userID == "" {
		return "", false
	}
	return e.userID, true
}

// Remove deletes a session record explicitly.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sessionID)
}

func (r *Registry) removeLocked(sessionID string) {
	if el, ok := r.entries[sessionID]; ok {
		r.order.Remove(el)
		delete(r.entries, sessionID)
	}
}

func (r *Registry) evictIfNeededLocked() {
	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*entry)
		r.order.Remove(oldest)
		delete(r.entries, e.sessionID)
		logging.Debug(subsystem, "evicted session %s at capacity", logging.TruncateSessionID(e.sessionID))
	}
}

// Counters reports the aggregate figures the health endpoint needs.
type Counters struct {
	Total         int
	Authenticated int
	Recent        int // active within the last 5 minutes
}

// Stats computes Counters over the current registry contents.
func (r *Registry) Stats() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()

	var c Counters
	cutoff := time.Now().Add(-5 * time.Minute)
	for el := r.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		c.Total++
		if e.userID != "" {
			c.Authenticated++
		}
		if e.lastActivity.After(cutoff) {
			c.Recent++
		}
	}
	return c
}
