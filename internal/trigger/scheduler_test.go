package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/event"
)

type schedFixture struct {
	home  string
	sched *Scheduler
	bus   *bus.Bus
	board *board.Board
	log   *event.Log
}

func newSchedFixture(t *testing.T, opts Options) *schedFixture {
	t.Helper()
	home := t.TempDir()
	log, err := event.NewLog("agent-test", home, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	b := bus.New(log, nil)
	bd := board.New(log, nil)
	sched := NewScheduler("agent-test", home, b, bd, log, nil, opts)
	t.Cleanup(sched.Close)
	return &schedFixture{home: home, sched: sched, bus: b, board: bd, log: log}
}

func firedCount(log *event.Log) int {
	n := 0
	for _, ev := range log.Recent(0) {
		if ev.Type == event.TriggerFired {
			n++
		}
	}
	return n
}

func TestDelayedTriggerFiresOnceAndExpires(t *testing.T) {
	f := newSchedFixture(t, Options{})

	trig, err := f.sched.Create(KindDelayed, map[string]any{"delay_seconds": 0.05}, Action{
		Kind: ActionWakeAgent,
		Task: "check the report",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, trig.Status)

	require.Eventually(t, func() bool {
		return f.bus.Pending(bus.Coordinator) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := f.bus.Receive(bus.Coordinator)
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.System, msgs[0].From)
	assert.Equal(t, "check the report", msgs[0].Content)

	require.Eventually(t, func() bool {
		for _, lt := range f.sched.List() {
			if lt.ID == trig.ID {
				return lt.Status == StatusExpired
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, firedCount(f.log))
}

func TestHeartbeatFiresRepeatedly(t *testing.T) {
	notified := make(chan struct{}, 16)
	f := newSchedFixture(t, Options{Notify: func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	}})

	_, err := f.sched.Create(KindHeartbeat, map[string]any{"interval_seconds": 0.03}, Action{
		Kind: ActionWakeAgent,
		Task: "heartbeat",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return firedCount(f.log) >= 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, notified)
}

func TestOnEventTriggerPatternMatch(t *testing.T) {
	f := newSchedFixture(t, Options{})

	_, err := f.sched.Create(KindOnEvent, map[string]any{"event_type": "node.*"}, Action{
		Kind:    ActionSendMessage,
		To:      bus.Coordinator,
		Content: "a node changed",
	})
	require.NoError(t, err)

	f.log.Emit(event.NodeCompleted, map[string]any{"node_id": "n1"})
	require.Eventually(t, func() bool {
		return f.bus.Pending(bus.Coordinator) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Non-matching events do not fire.
	before := firedCount(f.log)
	f.log.Emit(event.WorkerSpawned, map[string]any{"worker_id": "w1"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, firedCount(f.log))
}

func TestRunNodeActionResetsNodeAndTicks(t *testing.T) {
	ticked := make(chan struct{}, 1)
	f := newSchedFixture(t, Options{Tick: func() {
		select {
		case ticked <- struct{}{}:
		default:
		}
	}})

	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "rerun me"}))
	f.board.SetStatus("n1", board.StatusCompleted)

	_, err := f.sched.Create(KindDelayed, map[string]any{"delay_seconds": 0.02}, Action{
		Kind:   ActionRunNode,
		NodeID: "n1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.board.Get("n1").Status == board.StatusPending
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("tick not called")
	}
}

func TestCancelStopsTrigger(t *testing.T) {
	f := newSchedFixture(t, Options{})

	trig, err := f.sched.Create(KindHeartbeat, map[string]any{"interval_seconds": 0.02}, Action{
		Kind: ActionWakeAgent, Task: "tick",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return firedCount(f.log) >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.sched.Cancel(trig.ID))

	count := firedCount(f.log)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, count, firedCount(f.log))

	assert.False(t, f.sched.Cancel("trigger-unknown"))
}

func TestPauseAndResumeHeartbeat(t *testing.T) {
	f := newSchedFixture(t, Options{})

	trig, err := f.sched.Create(KindHeartbeat, map[string]any{"interval_seconds": 0.02}, Action{
		Kind: ActionWakeAgent, Task: "tick",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return firedCount(f.log) >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.sched.Pause(trig.ID))

	// Paused triggers stop firing but keep their definition.
	count := firedCount(f.log)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, count, firedCount(f.log))
	list := f.sched.List()
	require.Len(t, list, 1)
	assert.Equal(t, StatusPaused, list[0].Status)

	// Pausing twice and resuming an active trigger are both rejected.
	assert.False(t, f.sched.Pause(trig.ID))

	require.True(t, f.sched.Resume(trig.ID))
	assert.False(t, f.sched.Resume(trig.ID))
	require.Eventually(t, func() bool { return firedCount(f.log) > count }, 2*time.Second, 5*time.Millisecond)
}

func TestRestoreSkipsPausedTrigger(t *testing.T) {
	f := newSchedFixture(t, Options{})

	trig, err := f.sched.Create(KindHeartbeat, map[string]any{"interval_seconds": 0.02}, Action{
		Kind: ActionWakeAgent, Task: "tick",
	})
	require.NoError(t, err)
	require.True(t, f.sched.Pause(trig.ID))
	f.sched.Close()

	restored := NewScheduler("agent-test", f.home, f.bus, f.board, f.log, nil, Options{})
	defer restored.Close()

	list := restored.List()
	require.Len(t, list, 1)
	assert.Equal(t, StatusPaused, list[0].Status)

	count := firedCount(f.log)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, count, firedCount(f.log))
}

func TestCreateValidation(t *testing.T) {
	f := newSchedFixture(t, Options{})

	cases := []struct {
		kind Kind
		meta map[string]any
	}{
		{KindScheduled, map[string]any{}},
		{KindScheduled, map[string]any{"cron": "not a cron"}},
		{KindDelayed, map[string]any{}},
		{KindAtTime, map[string]any{"at": "yesterday"}},
		{KindHeartbeat, map[string]any{}},
		{KindOnEvent, map[string]any{}},
		{Kind("bogus"), map[string]any{}},
	}
	for _, tc := range cases {
		_, err := f.sched.Create(tc.kind, tc.meta, Action{Kind: ActionWakeAgent})
		assert.Error(t, err, "kind %s", tc.kind)
	}

	// on_idle without activity tracking is rejected.
	_, err := f.sched.Create(KindOnIdle, map[string]any{"idle_seconds": 1}, Action{Kind: ActionWakeAgent})
	assert.Error(t, err)
}

func TestPersistAndRestore(t *testing.T) {
	f := newSchedFixture(t, Options{})

	trig, err := f.sched.Create(KindScheduled, map[string]any{"cron": "0 9 * * *"}, Action{
		Kind: ActionWakeAgent, Task: "morning review",
	})
	require.NoError(t, err)
	f.sched.Close()

	data, err := os.ReadFile(filepath.Join(f.home, "triggers.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), trig.ID)

	// A new scheduler over the same home restores the trigger as active.
	restored := NewScheduler("agent-test", f.home, f.bus, f.board, f.log, nil, Options{})
	defer restored.Close()

	list := restored.List()
	require.Len(t, list, 1)
	assert.Equal(t, trig.ID, list[0].ID)
	assert.Equal(t, StatusActive, list[0].Status)
	assert.Equal(t, KindScheduled, list[0].Kind)
}

func TestMatchEventType(t *testing.T) {
	assert.True(t, matchEventType("node.completed", "node.completed"))
	assert.True(t, matchEventType("node.*", "node.failed"))
	assert.True(t, matchEventType("*", "anything.at.all"))
	assert.False(t, matchEventType("node.*", "worker.idle"))
	assert.False(t, matchEventType("node.completed", "node.created"))
}
