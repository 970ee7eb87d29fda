package arbiter

import (
	"container/list"
	"sync"
	"time"

	"github.com/upb/mcp-acp/services"
)

// registryEntry is a session together with its LRU bookkeeping
type registryEntry struct {
	session  *Session
	lastSeen time.Time
	element  *list.Element
}

// isIdle checks if the session has had no request in flight and no activity
// for longer than ttl
func (e *registryEntry) isIdle(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	inFlight, lastActive := e.session.activity()
	if inFlight > 0 {
		return false
	}
	last := e.lastSeen
	if lastActive.After(last) {
		last = lastActive
	}
	return now.Sub(last) > ttl
}

// Registry maps transport session ids to open sessions. Sessions idle for
// longer than the TTL are closed. A full registry refuses new sessions
// rather than closing one that is still in use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	lruList *list.List // front is most recently used
	maxSize int        // 0 means unbounded
	idleTTL time.Duration
	now     func() time.Time

	rejected uint64
	expired  uint64
}

// RegistryStats represents registry statistics
type RegistryStats struct {
	Size     int
	MaxSize  int
	Rejected uint64
	Expired  uint64
}

// NewRegistry creates a new Registry with the given capacity and idle TTL
func NewRegistry(maxSize int, idleTTL time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		lruList: list.New(),
		maxSize: maxSize,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Get returns the open session for id and marks it as used. Idle sessions
// are closed and reported as missing.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return nil, false
	}
	now := r.now()
	if entry.isIdle(now, r.idleTTL) {
		r.removeEntry(id)
		r.expired++
		r.mu.Unlock()
		entry.session.Close(CloseReasonIdleTimeout)
		return nil, false
	}
	entry.lastSeen = now
	r.lruList.MoveToFront(entry.element)
	r.mu.Unlock()

	return entry.session, true
}

// Put registers a session. When the registry is full, idle sessions are
// closed to make room; if none are idle the session is refused with
// ErrSessionLimit and nothing already registered is touched.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	id := s.ID()
	now := r.now()
	if entry, exists := r.entries[id]; exists {
		entry.session = s
		entry.lastSeen = now
		r.lruList.MoveToFront(entry.element)
		r.mu.Unlock()
		return nil
	}

	var idle []*Session
	if r.maxSize > 0 && r.lruList.Len() >= r.maxSize {
		idle = r.removeIdle(now)
		if r.lruList.Len() >= r.maxSize {
			r.rejected++
			r.mu.Unlock()
			closeIdle(idle)
			return services.NewDomainError(services.ErrorTypeUnavailable, services.ErrSessionLimit.Message, nil).
				WithDetail("max_sessions", r.maxSize)
		}
	}

	entry := &registryEntry{
		session:  s,
		lastSeen: now,
	}
	entry.element = r.lruList.PushFront(id)
	r.entries[id] = entry
	r.mu.Unlock()

	closeIdle(idle)
	return nil
}

// Remove unregisters a session without closing it
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	r.removeEntry(id)
	return entry.session, true
}

// CleanupExpired closes every idle session and returns how many were closed
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	idle := r.removeIdle(r.now())
	r.mu.Unlock()

	closeIdle(idle)
	return len(idle)
}

// StartCleanupWorker periodically closes idle sessions until stopCh is closed
func (r *Registry) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

// CloseAll closes and unregisters every session
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, entry := range r.entries {
		sessions = append(sessions, entry.session)
	}
	r.entries = make(map[string]*registryEntry)
	r.lruList.Init()
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(reason)
	}
	return len(sessions)
}

// Stats returns registry statistics
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RegistryStats{
		Size:     r.lruList.Len(),
		MaxSize:  r.maxSize,
		Rejected: r.rejected,
		Expired:  r.expired,
	}
}

// removeEntry removes an entry (must be called with lock held)
func (r *Registry) removeEntry(id string) {
	if entry, exists := r.entries[id]; exists {
		r.lruList.Remove(entry.element)
		delete(r.entries, id)
	}
}

// removeIdle unregisters every idle session and returns them (must be called with lock held)
func (r *Registry) removeIdle(now time.Time) []*Session {
	var idle []*Session
	for id, entry := range r.entries {
		if entry.isIdle(now, r.idleTTL) {
			idle = append(idle, entry.session)
			r.removeEntry(id)
		}
	}
	r.expired += uint64(len(idle))
	return idle
}

func closeIdle(sessions []*Session) {
	for _, s := range sessions {
		s.Close(CloseReasonIdleTimeout)
	}
}
