package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/config"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/llm"
	"agiraph/internal/pool"
	"agiraph/internal/scope"
	"agiraph/internal/tool"
)

type harnessFixture struct {
	deps  Deps
	store *scope.Store
	bus   *bus.Bus
	log   *event.Log
	node  *board.Node
	w     *pool.Worker
}

func newHarnessFixture(t *testing.T) *harnessFixture {
	t.Helper()
	home := t.TempDir()
	log, err := event.NewLog("agent-test", home, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	store, err := scope.New(home, log, nil)
	require.NoError(t, err)

	b := bus.New(log, nil)
	bd := board.New(log, nil)
	registry := tool.NewRegistry(nil)
	tool.RegisterBuiltins(registry)

	cfg := &config.Config{
		Home:                home,
		DefaultContextLimit: 200000,
		CompactionFraction:  0.8,
		CompactionKeepTurns: 6,
		MaxWorkerIterations: 5,
	}

	node := &board.Node{ID: "node-1", Task: "Write 42 into answer.txt", RunID: "run-1"}
	require.NoError(t, bd.Add(node))

	w := &pool.Worker{
		ID:           "worker-1",
		Name:         "scribe",
		Type:         pool.TypeHarnessed,
		Role:         "writer",
		Capabilities: tool.WorkerToolNames(),
	}
	b.Register(w.Name)

	return &harnessFixture{
		deps: Deps{
			AgentID:  "agent-test",
			RunID:    "run-1",
			Store:    store,
			Bus:      b,
			Log:      log,
			Board:    bd,
			Registry: registry,
			Config:   cfg,
		},
		store: store,
		bus:   b,
		log:   log,
		node:  node,
		w:     w,
	}
}

func (f *harnessFixture) events(typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range f.log.Recent(0) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestHarnessedWriteThenPublish(t *testing.T) {
	f := newHarnessFixture(t)
	client := llm.NewScripted("scripted").
		Call("writing", llm.ToolCall{ID: "c1", Name: tool.NameWriteFile, Args: map[string]any{
			"path": "scratch/answer.txt", "content": "42\n",
		}}).
		Call("publishing", llm.ToolCall{ID: "c2", Name: tool.NamePublish, Args: map[string]any{
			"summary": "answer written",
		}})

	h := NewHarnessed(f.deps, client)
	require.NoError(t, h.Execute(context.Background(), f.w, f.node))

	// The deliverable moved to published/.
	nodeScope := f.store.NodeScope("run-1", "node-1")
	data, err := f.store.Read(nodeScope, "published/answer.txt")
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	completed := f.events(event.NodeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "answer written", completed[0].Data["summary"])

	// _spec.md carries the task for restarts.
	spec, err := f.store.Read(nodeScope, "_spec.md")
	require.NoError(t, err)
	assert.Equal(t, f.node.Task, string(spec))
}

func TestHarnessedToolResultAdjacency(t *testing.T) {
	f := newHarnessFixture(t)
	client := llm.NewScripted("scripted").
		Call("two writes",
			llm.ToolCall{ID: "c1", Name: tool.NameWriteFile, Args: map[string]any{"path": "scratch/a.txt", "content": "a"}},
			llm.ToolCall{ID: "c2", Name: tool.NameWriteFile, Args: map[string]any{"path": "scratch/b.txt", "content": "b"}},
		).
		Call("done", llm.ToolCall{ID: "c3", Name: tool.NamePublish, Args: map[string]any{"summary": "both"}})

	h := NewHarnessed(f.deps, client)
	require.NoError(t, h.Execute(context.Background(), f.w, f.node))

	conv := LoadConversation(filepath.Join(f.store.WorkerDir("run-1", "worker-1"), "conversation.jsonl"), nil)
	msgs := conv.Messages()

	// After the two-call assistant turn, the next two messages are its tool
	// results in call order, with nothing interleaved.
	var i int
	for ; i < len(msgs); i++ {
		if msgs[i].Role == "assistant" && len(msgs[i].ToolCalls) == 2 {
			break
		}
	}
	require.Less(t, i+2, len(msgs))
	assert.Equal(t, "tool", msgs[i+1].Role)
	assert.Equal(t, "c1", msgs[i+1].ToolCallID)
	assert.Equal(t, "tool", msgs[i+2].Role)
	assert.Equal(t, "c2", msgs[i+2].ToolCallID)
}

func TestHarnessedDrainsInboxBeforeModelCall(t *testing.T) {
	f := newHarnessFixture(t)
	f.bus.Send(bus.Coordinator, "scribe", "remember to use markdown")

	client := llm.NewScripted("scripted").
		Call("ok", llm.ToolCall{ID: "c1", Name: tool.NamePublish, Args: map[string]any{"summary": "done"}})

	h := NewHarnessed(f.deps, client)
	require.NoError(t, h.Execute(context.Background(), f.w, f.node))

	// The queued message was in the request context of the first call.
	require.NotEmpty(t, client.Requests)
	var seen bool
	for _, msg := range client.Requests[0].Messages {
		if msg.Role == "user" && msg.Content == "[Message from coordinator]: remember to use markdown" {
			seen = true
		}
	}
	assert.True(t, seen)
	require.Len(t, f.events(event.MessageReceived), 1)
}

func TestHarnessedTextOnlyTurnGetsReminder(t *testing.T) {
	f := newHarnessFixture(t)
	client := llm.NewScripted("scripted").
		Respond("I think I'm done?").
		Call("fine", llm.ToolCall{ID: "c1", Name: tool.NamePublish, Args: map[string]any{"summary": "done"}})

	h := NewHarnessed(f.deps, client)
	require.NoError(t, h.Execute(context.Background(), f.w, f.node))

	require.Len(t, client.Requests, 2)
	last := client.Requests[1].Messages
	assert.Contains(t, last[len(last)-1].Content, "[Reminder]")
}

func TestHarnessedProviderFailureFailsNode(t *testing.T) {
	f := newHarnessFixture(t)
	cause := agerrors.NewProviderError("anthropic", 401, errors.New("bad key"))
	client := llm.NewScripted("scripted").Fail(cause)

	h := NewHarnessed(f.deps, client)
	err := h.Execute(context.Background(), f.w, f.node)
	require.Error(t, err)
	assert.False(t, agerrors.IsCancelled(err))

	// Failure notes were written and the coordinator was told.
	nodeScope := f.store.NodeScope("run-1", "node-1")
	notes, readErr := f.store.Read(nodeScope, "failure_notes.md")
	require.NoError(t, readErr)
	assert.Contains(t, string(notes), "bad key")

	msgs := f.bus.Receive(bus.Coordinator)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "node-1")

	require.Len(t, f.events(event.NodeFailed), 1)
}

func TestHarnessedCancellationIsQuiet(t *testing.T) {
	f := newHarnessFixture(t)
	client := llm.NewScripted("scripted")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewHarnessed(f.deps, client)
	err := h.Execute(ctx, f.w, f.node)
	assert.True(t, agerrors.IsCancelled(err))

	// No failure event, no coordinator message.
	assert.Empty(t, f.events(event.NodeFailed))
	assert.Empty(t, f.bus.Receive(bus.Coordinator))
}

func TestHarnessedIterationCap(t *testing.T) {
	f := newHarnessFixture(t)
	// Every turn writes a file and never publishes.
	client := llm.NewScripted("scripted")
	client.ExhaustFn = func(req llm.Request) (*llm.ModelResponse, error) {
		return &llm.ModelResponse{
			Text:       "still going",
			ToolCalls:  []llm.ToolCall{{ID: "c", Name: tool.NameCheckpoint, Args: map[string]any{"note": "loop"}}},
			StopReason: "tool_use",
		}, nil
	}

	h := NewHarnessed(f.deps, client)
	err := h.Execute(context.Background(), f.w, f.node)
	require.ErrorIs(t, err, agerrors.ErrMaxIterations)
	assert.Equal(t, f.deps.Config.MaxWorkerIterations, client.Calls())

	failed := f.events(event.NodeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "max_iterations", failed[0].Data["reason"])

	msgs := f.bus.Receive(bus.Coordinator)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "iteration cap")
}

func TestHarnessedFinishPublishesSummary(t *testing.T) {
	f := newHarnessFixture(t)
	client := llm.NewScripted("scripted").
		Call("finishing", llm.ToolCall{ID: "c1", Name: tool.NameFinish, Args: map[string]any{
			"summary": "nothing to hand over",
		}})

	h := NewHarnessed(f.deps, client)
	require.NoError(t, h.Execute(context.Background(), f.w, f.node))

	completed := f.events(event.NodeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "nothing to hand over", completed[0].Data["summary"])
}
