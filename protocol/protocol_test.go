package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	m, err := Decode([]byte(`{"type":"location_update","participant_id":"p1","latitude":52.52,"longitude":13.405}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLocationUpdate, m.Type)
	assert.Equal(t, "p1", m.ParticipantID)
	require.NotNil(t, m.Latitude)
	assert.Equal(t, 52.52, *m.Latitude)
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`[1,2,3]`,
		`{"participant_id":"p1"}`, // no type
		``,
	} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, "raw=%q", raw)
	}
}

func TestDecodeUnknownFieldsIgnored(t *testing.T) {
	m, err := Decode([]byte(`{"type":"pong","some_future_field":true}`))
	require.NoError(t, err)
	assert.Equal(t, TypePong, m.Type)
}

func TestDecodeSnapshot(t *testing.T) {
	raw := `{"type":"location_update","locations":[
		{"participant_id":"a","participant_name":"Alice","status":"sharing",
		 "latitude":52.52,"longitude":13.405,"accuracy":20,"is_online":true},
		{"participant_id":"b","status":"waiting","latitude":null,"longitude":null,"is_online":true}
	]}`
	m, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, m.Locations, 2)
	assert.NotNil(t, m.Locations[0].Latitude)
	assert.Nil(t, m.Locations[1].Latitude)
}

func TestIsExpiry(t *testing.T) {
	assert.True(t, (&Message{Type: TypeSessionExpired}).IsExpiry())
	assert.True(t, (&Message{Type: TypeError, Text: "Session has EXPIRED"}).IsExpiry())
	assert.False(t, (&Message{Type: TypeError, Text: "internal error"}).IsExpiry())
	assert.False(t, (&Message{Type: TypeNotification, Text: "expired"}).IsExpiry())
}

func TestStamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2025-06-01T10:30:00Z", Stamp(ts))
}
