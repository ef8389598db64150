package data

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultStaleWindow bounds how old a restored snapshot may be before it is
// discarded. Zero disables the check entirely.
const DefaultStaleWindow = 5 * time.Minute

// Position is a persisted fix.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the local session state worth surviving a reload.
type Snapshot struct {
	IsSharing        bool      `json:"is_sharing"`
	DisplayName      string    `json:"display_name"`
	LastPosition     *Position `json:"last_position,omitempty"`
	SharingStartedAt time.Time `json:"sharing_started_at,omitempty"`
	SavedAt          time.Time `json:"saved_at"`
}

// Key namespaces the snapshot per (session, participant).
func Key(sessionID, participantID string) string {
	return fmt.Sprintf("locationSharing_%s_%s", sessionID, participantID)
}

// Bridge saves and restores one participant's snapshot. StaleWindow is
// deliberately configurable: whether restored-but-stale state should be
// silently dropped is a product decision, not a protocol one.
type Bridge struct {
	StaleWindow time.Duration

	store *Store
	key   string
	clock clockwork.Clock
}

// NewBridge creates a bridge for the given session and participant.
func NewBridge(store *Store, sessionID, participantID string, clock clockwork.Clock) *Bridge {
	return &Bridge{
		StaleWindow: DefaultStaleWindow,
		store:       store,
		key:         Key(sessionID, participantID),
		clock:       clock,
	}
}

// Save stamps and writes the snapshot.
func (b *Bridge) Save(snap Snapshot) error {
	snap.SavedAt = b.clock.Now()
	return b.store.Put(b.key, snap)
}

// Restore reads the snapshot back. Returns nil when absent, and when the
// snapshot is older than StaleWindow it is cleared and nil is returned.
func (b *Bridge) Restore() (*Snapshot, error) {
	var snap Snapshot
	ok, err := b.store.Get(b.key, &snap)
	if err != nil || !ok {
		return nil, err
	}
	if b.StaleWindow > 0 && b.clock.Now().Sub(snap.SavedAt) > b.StaleWindow {
		b.store.Delete(b.key)
		return nil, nil
	}
	return &snap, nil
}

// Clear drops the persisted snapshot. One-time on session expiry or leave.
func (b *Bridge) Clear() error {
	return b.store.Delete(b.key)
}
