// Package coordinator runs the agent's always-live planning loop.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/llm"
	"agiraph/internal/pool"
	"agiraph/internal/tool"
	"agiraph/internal/worker"
)

// Mode of the agent goal.
const (
	ModeFinite   = "finite"
	ModeInfinite = "infinite"
)

// Status values reported through OnStatus.
const (
	StatusIdle            = "idle"
	StatusWorking         = "working"
	StatusWaitingForHuman = "waiting_for_human"
	StatusStopped         = "stopped"
	StatusCompleted       = "completed"
)

const maxThinkIterations = 25

// Coordinator owns the outer plan-monitor loop of one agent.
type Coordinator struct {
	deps   worker.Deps
	client llm.Client
	pool   *pool.Pool
	goal   string
	mode   string
	conv   *worker.Conversation

	// activity is the condition the monitor loop blocks on; Notify posts to
	// it from worker status changes, bus sends and trigger fires.
	activity chan struct{}
	stop     chan struct{}
	// OnStatus reports agent status transitions to the kernel.
	OnStatus func(status string)

	// pendingHuman holds human messages accepted at send time and journaled
	// at the next yield point, so an arrival mid-turn can never split an
	// assistant message from its tool results.
	pendingMu    sync.Mutex
	pendingHuman []string

	stopped  bool
	finished bool
	summary  string
}

func New(deps worker.Deps, client llm.Client, p *pool.Pool, goal, mode string) *Coordinator {
	if mode == "" {
		mode = ModeFinite
	}
	conv := worker.LoadConversation(filepath.Join(deps.Store.AgentPath(), "conversation.jsonl"), deps.Logger)
	return &Coordinator{
		deps:     deps,
		client:   client,
		pool:     p,
		goal:     goal,
		mode:     mode,
		conv:     conv,
		activity: make(chan struct{}, 1),
		stop:     make(chan struct{}, 1),
	}
}

// Conversation exposes the coordinator's message history.
func (c *Coordinator) Conversation() []llm.Message { return c.conv.Messages() }

// Notify signals the activity condition. Safe from any goroutine.
func (c *Coordinator) Notify() {
	select {
	case c.activity <- struct{}{}:
	default:
	}
}

// RequestStop asks the loop to enter the stopped state at its next yield
// point. The pool's executors are cancelled by the kernel before this.
func (c *Coordinator) RequestStop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
	c.Notify()
}

// Run is the outer loop. It returns when the goal completes, or when ctx is
// cancelled (agent deletion).
func (c *Coordinator) Run(ctx context.Context) error {
	d := c.deps
	c.setStatus(StatusWorking)

	// A restored agent already has history; it waits for activity instead
	// of re-planning from scratch.
	if c.conv.Len() == 0 {
		c.conv.Append(llm.Message{Role: "user", Content: "[Goal]\n" + c.goal})
		if err := c.think(ctx); err != nil {
			return c.escalate(err)
		}
	}

	for !c.finished {
		wake, err := c.waitForActivity(ctx)
		if err != nil {
			return err
		}
		if c.stopped || !wake {
			continue
		}
		c.setStatus(StatusWorking)
		if err := c.think(ctx); err != nil {
			if agerrors.IsCancelled(err) {
				return err
			}
			return c.escalate(err)
		}
		if !c.finished {
			c.setStatus(StatusIdle)
		}
	}

	d.Log.Emit(event.AgentCompleted, map[string]any{"summary": c.summary})
	c.setStatus(StatusCompleted)
	return nil
}

// waitForActivity blocks until something changed: a bus message for the
// coordinator, a worker status change, a fired trigger, or a stop request.
// It runs a yield point at least once per second. The bool result reports
// whether the coordinator should think.
func (c *Coordinator) waitForActivity(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, agerrors.ErrCancelled
		case <-c.stop:
			c.enterStopped()
		default:
		}

		humanArrived := c.yieldPoint()
		if humanArrived && c.stopped {
			// Any human message resumes a stopped agent with its context
			// intact.
			c.stopped = false
			c.setStatus(StatusWorking)
			return true, nil
		}
		if humanArrived {
			return true, nil
		}
		if !c.stopped && c.pendingWork() {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, agerrors.ErrCancelled
		case <-c.stop:
			c.enterStopped()
		case <-c.activity:
		case <-time.After(time.Second):
		}
	}
}

// yieldPoint flushes queued human messages and drains the coordinator inbox.
// Human bus deliveries are skipped here because the queue is the journal
// source; this keeps journaling exactly-once.
func (c *Coordinator) yieldPoint() bool {
	c.deps.TouchActivity()
	humanArrived := c.flushHuman()
	for _, msg := range c.deps.Bus.Receive(bus.Coordinator) {
		c.deps.Log.Emit(event.MessageReceived, map[string]any{
			"from_id": msg.From,
			"to_id":   bus.Coordinator,
		})
		if msg.From == bus.Human {
			humanArrived = true
			continue
		}
		c.conv.Append(llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Message from %s]: %s", msg.From, msg.Content),
		})
	}
	return humanArrived
}

// pendingWork reports whether a completed or failed node has not been
// reflected in planning yet: any ready node without an idle worker, or a
// fully terminal board while the goal is unfinished, needs a think.
func (c *Coordinator) pendingWork() bool {
	ready := c.deps.Board.Ready()
	if len(ready) > 0 && len(c.pool.IdleWorkers()) == 0 && c.pool.BusyCount() == 0 {
		return true
	}
	counts := c.deps.Board.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return false
	}
	active := counts[board.StatusPending] + counts[board.StatusAssigned] + counts[board.StatusRunning]
	return active == 0 && c.pool.BusyCount() == 0
}

// AppendHuman accepts a human message at send time. It is queued and
// journaled into the conversation at the next yield point, never mid-turn.
func (c *Coordinator) AppendHuman(content string) {
	c.pendingMu.Lock()
	c.pendingHuman = append(c.pendingHuman, content)
	c.pendingMu.Unlock()
}

// flushHuman journals every queued human message, exactly once. Only called
// from the loop's own goroutine, between complete assistant/tool-result
// groups.
func (c *Coordinator) flushHuman() bool {
	c.pendingMu.Lock()
	pending := c.pendingHuman
	c.pendingHuman = nil
	c.pendingMu.Unlock()
	for _, content := range pending {
		c.conv.Append(llm.Message{Role: "user", Content: content})
	}
	return len(pending) > 0
}

// think runs provider turns until the model stops calling tools.
func (c *Coordinator) think(ctx context.Context) error {
	d := c.deps
	defs := d.Registry.Defs(tool.CoordinatorToolNames()...)
	system := c.systemPrompt(defs)
	tc := &tool.Context{
		AgentID:  d.AgentID,
		RunID:    d.RunID,
		Caller:   bus.Coordinator,
		Scope:    d.Store.AgentScope(),
		Store:    d.Store,
		Bus:      d.Bus,
		Log:      d.Log,
		Board:    d.Board,
		Triggers: d.Triggers,
		Runtime:  d.Runtime,
	}

	contextLimit := d.Config.ContextLimit(c.client.Model())
	for iteration := 0; iteration < maxThinkIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return agerrors.ErrCancelled
		}
		c.yieldPoint()

		resp, err := c.client.Complete(ctx, llm.Request{
			System:   system,
			Messages: c.conv.Messages(),
			Tools:    defs,
		})
		if err != nil {
			return err
		}

		c.conv.Append(llm.Message{
			Role:          "assistant",
			Content:       resp.Text,
			ToolCalls:     resp.ToolCalls,
			ContentBlocks: resp.ContentBlocks,
		})

		if len(resp.ToolCalls) == 0 {
			if resp.Text != "" {
				d.Bus.Send(bus.Coordinator, bus.Human, resp.Text)
			}
			return nil
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return agerrors.ErrCancelled
			}
			d.TouchActivity()
			result, dispatchErr := d.Registry.Dispatch(ctx, call, tc)
			if agerrors.IsCancelled(dispatchErr) {
				return agerrors.ErrCancelled
			}
			c.conv.Append(llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    result,
			})
		}
		if c.finished {
			return nil
		}

		if c.conv.EstimateTokens(system) > int(float64(contextLimit)*d.Config.CompactionFraction) {
			reconstruction := "Goal:\n" + c.goal + "\n\nBoard:\n" + d.Board.Summary()
			if err := c.conv.Compact(reconstruction, d.Config.CompactionKeepTurns); err != nil {
				d.Logger.Warn("coordinator: compaction: %v", err)
			}
		}
	}
	return agerrors.ErrMaxIterations
}

// Finish ends the outer loop after the current think turn. In infinite mode
// the system prompt tells the model not to call it; triggers drive cycles
// instead.
func (c *Coordinator) Finish(summary string) {
	c.finished = true
	c.summary = summary
}

// enterStopped injects a synthesized context summary and parks the loop in
// waiting_for_human. Conversation context is fully preserved.
func (c *Coordinator) enterStopped() {
	if c.stopped {
		return
	}
	c.stopped = true
	c.conv.Append(llm.Message{Role: "system", Content: c.stopSummary()})
	c.deps.Log.Emit(event.AgentStopped, map[string]any{"reason": "stop_requested"})
	c.setStatus(StatusWaitingForHuman)
}

func (c *Coordinator) stopSummary() string {
	var sb strings.Builder
	sb.WriteString("[Stopped by request. State at stop time:]\n\nBoard:\n")
	sb.WriteString(c.deps.Board.Summary())
	sb.WriteString("\nWorkers:\n")
	for _, w := range c.pool.Workers() {
		fmt.Fprintf(&sb, "- %s (%s) [%s]\n", w.Name, w.Role, w.Status)
	}
	sb.WriteString("\nRecent events:\n")
	for _, ev := range c.deps.Log.Recent(10) {
		fmt.Fprintf(&sb, "- %s %s\n", ev.Ts, ev.Type)
	}
	sb.WriteString("\nWork resumes when the human sends the next message.")
	return sb.String()
}

// escalate handles a coordinator-level provider failure after its retry was
// spent: the agent parks in stopped so a human can intervene.
func (c *Coordinator) escalate(err error) error {
	c.deps.Logger.Error("coordinator error, stopping agent: %v", err)
	c.deps.Log.Emit(event.AgentStopped, map[string]any{"reason": err.Error()})
	c.setStatus(StatusStopped)
	return err
}

func (c *Coordinator) setStatus(status string) {
	if c.OnStatus != nil {
		c.OnStatus(status)
	}
}

func (c *Coordinator) systemPrompt(defs []llm.ToolDef) string {
	var sb strings.Builder
	sb.WriteString("You are the coordinator of a multi-agent team working toward a goal.\n\n")
	sb.WriteString("Break the goal into work nodes, spawn workers suited to them, and let the scheduler ")
	sb.WriteString("pair ready nodes with idle workers. Reply in plain text to talk to the human. ")
	sb.WriteString("Check the board before creating duplicate nodes.\n")
	switch c.mode {
	case ModeInfinite:
		sb.WriteString("\nThis agent runs indefinitely: never call finish. Use triggers to schedule future cycles.\n")
	default:
		sb.WriteString("\nWhen the goal is fully met, call finish with a summary.\n")
	}
	sb.WriteString("\nCurrent board:\n" + c.deps.Board.Summary())
	if guidance := c.client.ToolPrompt(defs); guidance != "" {
		sb.WriteString("\nTool guidance:\n" + guidance)
	}
	return sb.String()
}
