// Package protocol defines the JSON wire messages exchanged with the
// session broker. Every message is a flat object tagged by "type"; unknown
// fields are ignored and messages without a type are rejected.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type tags a wire message.
type Type string

// Client to server.
const (
	TypeJoin               Type = "join"
	TypeLocationUpdate     Type = "location_update"
	TypeStopSharing        Type = "stop_sharing"
	TypeConfirmStopSharing Type = "confirm_stop_sharing"
	TypeOffline            Type = "offline"
	TypeLeave              Type = "leave"
	TypePing               Type = "ping"
	TypeNameUpdate         Type = "name_update"
	TypeNotification       Type = "notification"
	TypeSyncStatus         Type = "sync_status"
	TypeBackgroundStatus   Type = "background_status_update"
)

// Server to client. TypeLocationUpdate and TypeNotification travel in both
// directions.
const (
	TypeBackgroundChange Type = "background_status_change"
	TypeSessionExpired   Type = "session_expired"
	TypeError            Type = "error"
	TypePong             Type = "pong"
)

// Participant status values carried in snapshots.
const (
	StatusWaiting = "waiting"
	StatusSharing = "sharing"
	StatusStopped = "stopped"
)

// ExpiryMarker is the substring the broker puts into error messages when a
// session has reached its deadline.
const ExpiryMarker = "expired"

// Location is one participant entry in an authoritative snapshot.
// Coordinates are pointers because the broker sends null for participants
// without a fix.
type Location struct {
	ParticipantID   string   `json:"participant_id"`
	ParticipantName string   `json:"participant_name"`
	Status          string   `json:"status"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	Accuracy        *float64 `json:"accuracy"`
	LastUpdated     string   `json:"last_updated"`
	IsOnline        bool     `json:"is_online"`
	IsBackground    bool     `json:"is_background"`
}

// Message is the superset of all wire messages. Which fields are meaningful
// depends on Type.
type Message struct {
	Type            Type       `json:"type"`
	ParticipantID   string     `json:"participant_id,omitempty"`
	ParticipantName string     `json:"participant_name,omitempty"`
	Latitude        *float64   `json:"latitude,omitempty"`
	Longitude       *float64   `json:"longitude,omitempty"`
	Accuracy        *float64   `json:"accuracy,omitempty"`
	Timestamp       string     `json:"timestamp,omitempty"`
	IsBackground    bool       `json:"is_background,omitempty"`
	IsSharing       bool       `json:"is_sharing,omitempty"`
	HasPosition     bool       `json:"has_position,omitempty"`
	HasCachedFix    bool       `json:"has_cached_position,omitempty"`
	InitialStatus   string     `json:"initial_status,omitempty"`
	Status          string     `json:"status,omitempty"`
	ClearLocation   bool       `json:"clear_location,omitempty"`
	Locations       []Location `json:"locations,omitempty"`
	Text            string     `json:"message,omitempty"`
	Severity        string     `json:"notification_type,omitempty"`
	Icon            string     `json:"icon,omitempty"`
	ExcludeSelf     bool       `json:"exclude_self,omitempty"`
}

var ErrMalformed = errors.New("malformed message")

// Decode parses an inbound frame. Frames that are not JSON objects or carry
// no type are malformed; the caller logs and drops them.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &m, nil
}

// Encode serializes a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsExpiry reports whether an error message asserts session expiry, which is
// terminal rather than a reconnect condition.
func (m *Message) IsExpiry() bool {
	if m.Type == TypeSessionExpired {
		return true
	}
	return m.Type == TypeError && strings.Contains(strings.ToLower(m.Text), ExpiryMarker)
}

// Stamp returns an ISO-8601 timestamp for outbound messages.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
