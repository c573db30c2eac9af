package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/config"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/llm"
	"agiraph/internal/pool"
	"agiraph/internal/scope"
	"agiraph/internal/shared/logging"
	"agiraph/internal/tool"
	"agiraph/internal/trigger"
)

// Deps are the shared handles every executor needs.
type Deps struct {
	AgentID  string
	RunID    string
	Store    *scope.Store
	Bus      *bus.Bus
	Log      *event.Log
	Board    *board.Board
	Registry *tool.Registry
	Triggers *trigger.Scheduler
	Runtime  tool.Runtime
	Config   *config.Config
	Logger   logging.Logger
	// Touch records activity for on_idle triggers. May be nil.
	Touch func()
}

// TouchActivity records activity when a tracker is wired.
func (d Deps) TouchActivity() {
	if d.Touch != nil {
		d.Touch()
	}
}

// Harnessed runs the in-process tool loop for one worker.
type Harnessed struct {
	deps   Deps
	client llm.Client
}

func NewHarnessed(deps Deps, client llm.Client) *Harnessed {
	return &Harnessed{deps: deps, client: client}
}

// Execute runs the node to publication, failure or cancellation.
func (h *Harnessed) Execute(ctx context.Context, w *pool.Worker, node *board.Node) error {
	d := h.deps
	workerDir := d.Store.WorkerDir(d.RunID, w.ID)
	nodeScope := d.Store.NodeScope(d.RunID, node.ID)
	conv := LoadConversation(filepath.Join(workerDir, "conversation.jsonl"), d.Logger)

	defs := d.Registry.Defs(w.Capabilities...)
	system := h.systemPrompt(w, node, defs)

	tc := &tool.Context{
		AgentID:  d.AgentID,
		RunID:    d.RunID,
		NodeID:   node.ID,
		WorkerID: w.ID,
		Caller:   w.Name,
		Scope:    nodeScope,
		Store:    d.Store,
		Bus:      d.Bus,
		Log:      d.Log,
		Board:    d.Board,
		Triggers: d.Triggers,
		Runtime:  d.Runtime,
	}

	if err := d.Store.Write(nodeScope, "_spec.md", []byte(node.Task)); err != nil {
		return err
	}
	h.writeRefs(nodeScope, node)

	conv.Append(llm.Message{Role: "user", Content: "[New node assigned]\n" + node.Task + h.refsNote(node)})

	contextLimit := d.Config.ContextLimit(h.client.Model())
	for iteration := 0; iteration < d.Config.MaxWorkerIterations; iteration++ {
		if err := h.yieldPoint(ctx, w, conv); err != nil {
			return err
		}

		resp, err := h.client.Complete(ctx, llm.Request{
			System:   system,
			Messages: conv.Messages(),
			Tools:    defs,
		})
		if err != nil {
			if agerrors.IsCancelled(err) {
				return agerrors.ErrCancelled
			}
			return h.fail(node, w, conv, err)
		}

		assistant := llm.Message{
			Role:          "assistant",
			Content:       resp.Text,
			ToolCalls:     resp.ToolCalls,
			ContentBlocks: resp.ContentBlocks,
		}
		conv.Append(assistant)

		if len(resp.ToolCalls) == 0 {
			// Text without a tool call makes no progress on the node.
			conv.Append(llm.Message{
				Role:    "user",
				Content: "[Reminder] Work through tools. Put deliverables in scratch/ and call publish when done.",
			})
			continue
		}

		// All results for this assistant turn are appended back to back
		// before anything else touches the conversation.
		done := false
		var doneErr error
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return agerrors.ErrCancelled
			}
			d.TouchActivity()
			result, dispatchErr := d.Registry.Dispatch(ctx, call, tc)
			if agerrors.IsCancelled(dispatchErr) {
				return agerrors.ErrCancelled
			}
			conv.Append(llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    result,
			})
			if call.Name == tool.NamePublish && dispatchErr == nil {
				done = true
			}
			if call.Name == tool.NameFinish && dispatchErr == nil {
				done = true
				doneErr = h.finishWithoutPublish(node, conv, call)
			}
		}
		if done {
			return doneErr
		}

		if conv.EstimateTokens(system) > int(float64(contextLimit)*d.Config.CompactionFraction) {
			reconstruction := Reconstruction(node.Task, d.Store.NodeDir(d.RunID, node.ID))
			if err := conv.Compact(reconstruction, d.Config.CompactionKeepTurns); err != nil {
				d.Logger.Warn("worker %s: compaction: %v", w.Name, err)
			} else {
				d.Logger.Info("worker %s: compacted conversation to %d messages", w.Name, conv.Len())
			}
		}
	}

	d.Log.Emit(event.NodeFailed, map[string]any{
		"node_id":   node.ID,
		"worker_id": w.ID,
		"reason":    "max_iterations",
	})
	d.Bus.Send(w.Name, bus.Coordinator, fmt.Sprintf("Node %s hit the iteration cap without publishing.", node.ID))
	return agerrors.ErrMaxIterations
}

// yieldPoint drains the worker's inbox into the conversation and observes
// cancellation. Runs before every provider call.
func (h *Harnessed) yieldPoint(ctx context.Context, w *pool.Worker, conv *Conversation) error {
	if err := ctx.Err(); err != nil {
		return agerrors.ErrCancelled
	}
	h.deps.TouchActivity()
	for _, msg := range h.deps.Bus.Receive(w.Name) {
		conv.Append(llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Message from %s]: %s", msg.From, msg.Content),
		})
		h.deps.Log.Emit(event.MessageReceived, map[string]any{
			"from_id": msg.From,
			"to_id":   w.Name,
		})
	}
	return nil
}

// fail persists the conversation, notifies the coordinator and fails the
// node. Called after the provider's single retry was already spent.
func (h *Harnessed) fail(node *board.Node, w *pool.Worker, conv *Conversation, cause error) error {
	d := h.deps
	notes := fmt.Sprintf("# Failure notes\n\nError: %v\n\n## Conversation\n\n", cause)
	for _, msg := range conv.Messages() {
		notes += fmt.Sprintf("### %s\n%s\n\n", msg.Role, msg.Content)
	}
	nodeScope := d.Store.NodeScope(d.RunID, node.ID)
	if err := d.Store.Write(nodeScope, "failure_notes.md", []byte(notes)); err != nil {
		d.Logger.Warn("worker %s: failure notes: %v", w.Name, err)
	}
	d.Bus.Send(w.Name, bus.Coordinator, fmt.Sprintf("Node %s failed: %v", node.ID, cause))
	d.Log.Emit(event.NodeFailed, map[string]any{
		"node_id":   node.ID,
		"worker_id": w.ID,
		"reason":    cause.Error(),
	})
	return cause
}

// finishWithoutPublish completes a node whose deliverable is its summary
// rather than published files.
func (h *Harnessed) finishWithoutPublish(node *board.Node, conv *Conversation, call llm.ToolCall) error {
	summary, _ := call.Args["summary"].(string)
	_, err := h.deps.Store.Publish(h.deps.RunID, node.ID, summary)
	return err
}

func (h *Harnessed) systemPrompt(w *pool.Worker, node *board.Node, defs []llm.ToolDef) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a %s worker in a multi-agent team.\n\n", w.Name, w.Role)
	sb.WriteString("You execute one work node at a time. Write intermediate and final files under scratch/. ")
	sb.WriteString("When the node's deliverables are ready, call publish with a summary; published files become ")
	sb.WriteString("visible to the rest of the run. Messages from teammates arrive between your turns.\n")
	if guidance := h.client.ToolPrompt(defs); guidance != "" {
		sb.WriteString("\nTool guidance:\n" + guidance)
	}
	return sb.String()
}

func (h *Harnessed) refsNote(node *board.Node) string {
	if len(node.Refs) == 0 {
		return ""
	}
	note := "\n\nUpstream references (published files you can read):\n"
	for name, ref := range node.Refs {
		note += fmt.Sprintf("- %s: %s\n", name, ref)
	}
	return note
}

func (h *Harnessed) writeRefs(nodeScope scope.Scope, node *board.Node) {
	refs := node.Refs
	if refs == nil {
		refs = map[string]string{}
	}
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return
	}
	if err := h.deps.Store.Write(nodeScope, "_refs.json", data); err != nil {
		h.deps.Logger.Warn("worker: refs write for %s: %v", node.ID, err)
	}
}
