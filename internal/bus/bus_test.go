package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agiraph/internal/event"
)

func newTestBus(t *testing.T) (*Bus, *event.Log) {
	t.Helper()
	log, err := event.NewLog("agent-test", t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return New(log, nil), log
}

func eventsOfType(log *event.Log, typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range log.Recent(0) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestDefaultRouteIsCoordinator(t *testing.T) {
	b, _ := newTestBus(t)

	b.Send(Human, "", "hello")
	msgs := b.Receive(Coordinator)
	require.Len(t, msgs, 1)
	assert.Equal(t, Human, msgs[0].From)
	assert.Equal(t, Coordinator, msgs[0].To)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestReceiveDrains(t *testing.T) {
	b, _ := newTestBus(t)

	b.Send(Human, Coordinator, "one")
	b.Send(Human, Coordinator, "two")

	msgs := b.Receive(Coordinator)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)

	// A second receive gets nothing.
	assert.Nil(t, b.Receive(Coordinator))
	assert.Zero(t, b.Pending(Coordinator))
}

func TestPeekDoesNotDrain(t *testing.T) {
	b, _ := newTestBus(t)
	b.Send(Human, Coordinator, "stay")

	require.Len(t, b.Peek(Coordinator), 1)
	require.Len(t, b.Peek(Coordinator), 1)
	require.Len(t, b.Receive(Coordinator), 1)
}

func TestUndeliverableIsDropped(t *testing.T) {
	b, log := newTestBus(t)

	b.Send(Coordinator, "ghost", "anyone there?")
	assert.Zero(t, b.Pending("ghost"))

	undeliverable := eventsOfType(log, event.MessageUndeliverable)
	require.Len(t, undeliverable, 1)
	assert.Equal(t, "ghost", undeliverable[0].Data["to"])
	assert.Empty(t, eventsOfType(log, event.MessageSent))
}

func TestBroadcastSkipsSender(t *testing.T) {
	b, log := newTestBus(t)
	b.Register("alice")
	b.Register("bob")

	b.Send("alice", Broadcast, "status check")

	assert.Zero(t, b.Pending("alice"))
	require.Len(t, b.Receive("bob"), 1)
	require.Len(t, b.Receive(Coordinator), 1)

	// One message.sent per actual recipient.
	sent := eventsOfType(log, event.MessageSent)
	require.Len(t, sent, 2)
	for _, ev := range sent {
		assert.Equal(t, true, ev.Data["broadcast"])
	}
}

func TestUnregisterDiscardsQueue(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("worker-1")
	b.Send(Coordinator, "worker-1", "task ready")

	b.Unregister("worker-1")
	assert.Nil(t, b.Receive("worker-1"))

	// Sends after unregister are undeliverable.
	b.Send(Coordinator, "worker-1", "still there?")
	assert.Zero(t, b.Pending("worker-1"))
}

func TestSendOrderPreserved(t *testing.T) {
	b, _ := newTestBus(t)
	b.Register("w")
	for _, content := range []string{"a", "b", "c", "d"} {
		b.Send(Coordinator, "w", content)
	}
	msgs := b.Receive("w")
	require.Len(t, msgs, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, msgs[i].Content)
	}
}
