package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/pool"
	"agiraph/internal/scope"
)

// Autonomous bridges one node to an external agent subprocess through
// files in the node directory:
//
//	_task.md      the task text
//	_context.json ids and refs
//	_inbox.md     messages delivered to the subprocess (appended)
//	_outbox.md    messages from the subprocess (appended, "---" separated)
//	_result.md    final result; its appearance ends the node
type Autonomous struct {
	deps Deps
}

func NewAutonomous(deps Deps) *Autonomous {
	return &Autonomous{deps: deps}
}

func (a *Autonomous) Execute(ctx context.Context, w *pool.Worker, node *board.Node) error {
	d := a.deps
	nodeDir := d.Store.NodeDir(d.RunID, node.ID)
	nodeScope := d.Store.NodeScope(d.RunID, node.ID)

	if err := a.seedFiles(nodeScope, w, node); err != nil {
		return err
	}

	lifeCtx := ctx
	if d.Config.MaxSubprocessLifetime > 0 {
		var cancel context.CancelFunc
		lifeCtx, cancel = context.WithTimeout(ctx, d.Config.MaxSubprocessLifetime)
		defer cancel()
	}

	cmd := exec.CommandContext(lifeCtx, "sh", "-c", w.AgentCommand)
	cmd.Dir = nodeDir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", w.AgentCommand, err)
	}
	d.Logger.Info("worker %s: subprocess pid=%d for node %s", w.Name, cmd.Process.Pid, node.ID)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// fsnotify gives prompt wakeups on _result.md and _outbox.md; the poll
	// ticker is the fallback for filesystems without events.
	var watchEvents chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(nodeDir); err == nil {
			watchEvents = make(chan fsnotify.Event, 16)
			go func() {
				for ev := range watcher.Events {
					base := filepath.Base(ev.Name)
					if base == "_result.md" || base == "_outbox.md" {
						select {
						case watchEvents <- ev:
						default:
						}
					}
				}
			}()
		}
	}

	poll := time.NewTicker(d.Config.PollInterval)
	defer poll.Stop()

	outboxOffset := int64(0)
	for {
		a.pumpInbox(nodeDir, w)
		outboxOffset = a.pumpOutbox(nodeDir, w, outboxOffset)
		d.TouchActivity()

		if _, err := os.Stat(filepath.Join(nodeDir, "_result.md")); err == nil {
			_ = cmd.Process.Kill()
			<-exited
			return a.settle(node, w, true, 0)
		}

		select {
		case err := <-exited:
			a.pumpOutbox(nodeDir, w, outboxOffset)
			exitCode := 0
			if err != nil {
				exitCode = 1
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				}
			}
			_, hasResult := fileExists(filepath.Join(nodeDir, "_result.md"))
			return a.settle(node, w, hasResult, exitCode)
		case <-watchEvents:
		case <-poll.C:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-exited
			return agerrors.ErrCancelled
		}
	}
}

func (a *Autonomous) seedFiles(nodeScope scope.Scope, w *pool.Worker, node *board.Node) error {
	d := a.deps
	if err := d.Store.Write(nodeScope, "_task.md", []byte(node.Task)); err != nil {
		return err
	}
	contextDoc, err := json.MarshalIndent(map[string]any{
		"agent_id":  d.AgentID,
		"run_id":    d.RunID,
		"node_id":   node.ID,
		"worker_id": w.ID,
		"worker":    w.Name,
		"refs":      node.Refs,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := d.Store.Write(nodeScope, "_context.json", contextDoc); err != nil {
		return err
	}
	for _, name := range []string{"_inbox.md", "_outbox.md"} {
		if err := d.Store.Write(nodeScope, name, nil); err != nil {
			return err
		}
	}
	return nil
}

// pumpInbox appends pending bus messages to _inbox.md.
func (a *Autonomous) pumpInbox(nodeDir string, w *pool.Worker) {
	d := a.deps
	msgs := d.Bus.Receive(w.Name)
	if len(msgs) == 0 {
		return
	}
	var sb strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "\n---\nfrom: %s\nts: %s\n\n%s\n", msg.From, msg.Ts, msg.Content)
		d.Log.Emit(event.MessageReceived, map[string]any{"from_id": msg.From, "to_id": w.Name})
	}
	f, err := os.OpenFile(filepath.Join(nodeDir, "_inbox.md"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.Logger.Warn("worker %s: inbox: %v", w.Name, err)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(sb.String())
}

// pumpOutbox parses new "---"-separated blocks from _outbox.md into bus
// messages. A block's optional first line "to: X" addresses it; the default
// recipient is the coordinator.
func (a *Autonomous) pumpOutbox(nodeDir string, w *pool.Worker, offset int64) int64 {
	d := a.deps
	path := filepath.Join(nodeDir, "_outbox.md")
	data, err := os.ReadFile(path)
	if err != nil || int64(len(data)) <= offset {
		return offset
	}
	fresh := string(data[offset:])
	for _, block := range strings.Split(fresh, "\n---\n") {
		block = strings.TrimSpace(strings.TrimPrefix(block, "---\n"))
		if block == "" {
			continue
		}
		to := ""
		if strings.HasPrefix(block, "to:") {
			line, rest, _ := strings.Cut(block, "\n")
			to = strings.TrimSpace(strings.TrimPrefix(line, "to:"))
			block = strings.TrimSpace(rest)
		}
		d.Bus.Send(w.Name, to, block)
	}
	return int64(len(data))
}

// settle reads _result.md, publishes on success and fails the node
// otherwise.
func (a *Autonomous) settle(node *board.Node, w *pool.Worker, hasResult bool, exitCode int) error {
	d := a.deps
	nodeDir := d.Store.NodeDir(d.RunID, node.ID)

	result := ""
	if hasResult {
		if data, err := os.ReadFile(filepath.Join(nodeDir, "_result.md")); err == nil {
			result = strings.TrimSpace(string(data))
		}
	}

	failed := exitCode != 0 && !hasResult
	if strings.HasPrefix(strings.ToLower(result), "status: failed") {
		failed = true
	}
	if failed {
		reason := result
		if reason == "" {
			reason = fmt.Sprintf("subprocess exited with code %d and no result", exitCode)
		}
		nodeScope := d.Store.NodeScope(d.RunID, node.ID)
		if err := d.Store.Write(nodeScope, "failure_notes.md", []byte(reason)); err != nil {
			d.Logger.Warn("worker %s: failure notes: %v", w.Name, err)
		}
		d.Bus.Send(w.Name, bus.Coordinator, fmt.Sprintf("Node %s failed: %s", node.ID, reason))
		d.Log.Emit(event.NodeFailed, map[string]any{
			"node_id":   node.ID,
			"worker_id": w.ID,
			"reason":    reason,
		})
		return fmt.Errorf("autonomous node %s failed: %s", node.ID, firstLine(reason))
	}

	summary := result
	if summary == "" {
		summary = "subprocess completed"
	}
	_, err := d.Store.Publish(d.RunID, node.ID, summary)
	return err
}

func fileExists(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	return info, err == nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
