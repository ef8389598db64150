package session

import (
	"sync"
	"time"

	"meetpoint/protocol"
)

// Store holds the authoritative entity map plus the local-only fields that
// snapshots must never overwrite (sharing intent, follow target). Snapshot
// application is wholesale: entities absent from a snapshot are gone.
type Store struct {
	mu    sync.RWMutex
	self  string
	name  string
	order []string
	byID  map[string]*Entity

	sharing   bool
	following string
	expiresAt time.Time
	expired   bool
}

// New creates a store for the local participant.
func New(selfID string, expiresAt time.Time) *Store {
	return &Store{
		self:      selfID,
		byID:      make(map[string]*Entity),
		expiresAt: expiresAt,
	}
}

// SelfID returns the fixed local participant id.
func (s *Store) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Apply replaces the entity map with an authoritative snapshot and returns
// the entities in stable participant order. The follow target survives only
// if it still points at a visible, online entity; the id of a cleared target
// is returned so the UI can drop the badge.
func (s *Store) Apply(locs []protocol.Location) (entities []Entity, clearedFollow string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*Entity, len(locs))
	for _, loc := range locs {
		next[loc.ParticipantID] = entityFromLocation(loc)
	}

	// Keep first-seen ordering for the participant list, dropping leavers.
	var order []string
	seen := make(map[string]bool, len(next))
	for _, id := range s.order {
		if _, ok := next[id]; ok {
			order = append(order, id)
			seen[id] = true
		}
	}
	for _, loc := range locs {
		if !seen[loc.ParticipantID] {
			order = append(order, loc.ParticipantID)
			seen[loc.ParticipantID] = true
		}
	}

	s.byID = next
	s.order = order

	if s.following != "" {
		target, ok := next[s.following]
		if !ok || !target.Online || !target.Visible() {
			clearedFollow = s.following
			s.following = ""
		}
	}

	return s.entitiesLocked(), clearedFollow
}

// ApplyLocalStop synthesizes the own entity as waiting with no position,
// ahead of any broker echo, so the UI reflects intent with zero latency.
func (s *Store) ApplyLocalStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sharing = false
	if s.following == s.self {
		s.following = ""
	}
	e, ok := s.byID[s.self]
	if !ok {
		e = &Entity{ID: s.self, Name: s.name}
		s.byID[s.self] = e
		s.order = append(s.order, s.self)
	}
	e.Status = protocol.StatusWaiting
	e.Online = true
	e.Position = nil
}

// Entities returns a copy of the current entities in participant order.
func (s *Store) Entities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entitiesLocked()
}

func (s *Store) entitiesLocked() []Entity {
	out := make([]Entity, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.byID[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Entity looks up one participant.
func (s *Store) Entity(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// SetSharing records local sharing intent.
func (s *Store) SetSharing(v bool) {
	s.mu.Lock()
	s.sharing = v
	s.mu.Unlock()
}

// Sharing reports local sharing intent.
func (s *Store) Sharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharing
}

// SetName records the local display name (truncated).
func (s *Store) SetName(name string) {
	s.mu.Lock()
	s.name = TruncateName(name)
	s.mu.Unlock()
}

// Name returns the local display name.
func (s *Store) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Follow sets the entity whose position recenters the view.
func (s *Store) Follow(id string) {
	s.mu.Lock()
	s.following = id
	s.mu.Unlock()
}

// ClearFollow drops the follow target.
func (s *Store) ClearFollow() {
	s.mu.Lock()
	s.following = ""
	s.mu.Unlock()
}

// Following returns the current follow target, if any.
func (s *Store) Following() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.following, s.following != ""
}

// ExpiresAt returns the fixed session deadline.
func (s *Store) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// MarkExpired flags the session as terminal. Returns false if it already was.
func (s *Store) MarkExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return false
	}
	s.expired = true
	s.sharing = false
	s.following = ""
	return true
}

// Expired reports whether the session hit its deadline.
func (s *Store) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}
