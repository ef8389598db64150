package notify

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetpoint/protocol"
)

type recordSink struct {
	shown []Notice
}

func (s *recordSink) Show(n Notice) { s.shown = append(s.shown, n) }

func newTestEmitter(sink Sink, send func(*protocol.Message) error, clock clockwork.Clock) *Emitter {
	return New(sink, send, "me", func() string { return "Me" }, clock, zap.NewNop().Sugar())
}

func TestEmitCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordSink{}
	e := newTestEmitter(sink, nil, clock)

	e.Emit(Notice{Message: "Alice joined the session"})
	e.Emit(Notice{Message: "Alice joined the session"})
	require.Len(t, sink.shown, 1, "duplicate inside the cooldown window")

	// A different text passes immediately.
	e.Emit(Notice{Message: "Bob joined the session"})
	require.Len(t, sink.shown, 2)

	// The same text passes once the cooldown has elapsed.
	clock.Advance(6 * time.Second)
	e.Emit(Notice{Message: "Alice joined the session"})
	require.Len(t, sink.shown, 3)
}

func TestBroadcast(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordSink{}
	var sent []*protocol.Message
	e := newTestEmitter(sink, func(m *protocol.Message) error {
		sent = append(sent, m)
		return nil
	}, clock)

	e.Broadcast(Notice{Message: "meet at the fountain", Severity: "info"}, false)

	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeNotification, sent[0].Type)
	assert.Equal(t, "meet at the fountain", sent[0].Text)
	assert.Equal(t, "me", sent[0].ParticipantID)
	require.Len(t, sink.shown, 1, "non-exclusive broadcast also shows locally")
}

func TestBroadcastExcludeSelf(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordSink{}
	var sent []*protocol.Message
	e := newTestEmitter(sink, func(m *protocol.Message) error {
		sent = append(sent, m)
		return nil
	}, clock)

	e.Broadcast(Notice{Message: "I stopped sharing"}, true)

	require.Len(t, sent, 1)
	assert.True(t, sent[0].ExcludeSelf)
	assert.Empty(t, sink.shown)
}

func TestHandleRemoteSkipsOwnEcho(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordSink{}
	e := newTestEmitter(sink, nil, clock)

	// Our own exclude-self broadcast comes back from the broker.
	e.HandleRemote(&protocol.Message{
		Type:          protocol.TypeNotification,
		ParticipantID: "me",
		ExcludeSelf:   true,
		Text:          "I stopped sharing",
	})
	assert.Empty(t, sink.shown)

	// A peer's notification is displayed.
	e.HandleRemote(&protocol.Message{
		Type:          protocol.TypeNotification,
		ParticipantID: "a",
		Text:          "running late",
		Severity:      "info",
	})
	require.Len(t, sink.shown, 1)
	assert.Equal(t, "running late", sink.shown[0].Message)
}
