package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/pool"
)

// ClaudeCode runs a single headless claude subprocess in stream-JSON mode
// and forwards its progress onto the event log. The subprocess is the loop;
// no in-process tool dispatch happens here.
type ClaudeCode struct {
	deps Deps
}

func NewClaudeCode(deps Deps) *ClaudeCode {
	return &ClaudeCode{deps: deps}
}

// streamLine is the subset of the stream-JSON schema we act on.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"content"`
	} `json:"message"`
}

func (c *ClaudeCode) Execute(ctx context.Context, w *pool.Worker, node *board.Node) error {
	d := c.deps
	nodeDir := d.Store.NodeDir(d.RunID, node.ID)
	nodeScope := d.Store.NodeScope(d.RunID, node.ID)

	if err := d.Store.Write(nodeScope, "_task.md", []byte(node.Task)); err != nil {
		return err
	}

	lifeCtx := ctx
	if d.Config.MaxSubprocessLifetime > 0 {
		var cancel context.CancelFunc
		lifeCtx, cancel = context.WithTimeout(ctx, d.Config.MaxSubprocessLifetime)
		defer cancel()
	}

	command := w.AgentCommand
	if command == "" {
		command = "claude -p --output-format stream-json --verbose"
	}
	cmd := exec.CommandContext(lifeCtx, "sh", "-c", command)
	cmd.Dir = nodeDir
	cmd.Stdin = strings.NewReader(node.Task)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}
	d.Logger.Info("worker %s: claude-code pid=%d for node %s", w.Name, cmd.Process.Pid, node.ID)

	var finalResult string
	var finalErr bool
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return agerrors.ErrCancelled
		}
		d.TouchActivity()

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			d.Logger.Debug("worker %s: non-JSON stream line: %s", w.Name, firstLine(line))
			continue
		}
		switch ev.Type {
		case "system":
			d.Log.Emit(event.ToolCalled, map[string]any{
				"tool":    "claude_code",
				"caller":  w.Name,
				"node_id": node.ID,
				"phase":   ev.Subtype,
			})
		case "assistant":
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						d.Log.Emit(event.ToolResult, map[string]any{
							"tool":    "claude_code",
							"caller":  w.Name,
							"node_id": node.ID,
							"text":    block.Text,
						})
					}
				case "tool_use":
					d.Log.Emit(event.ToolCalled, map[string]any{
						"tool":    "claude_code." + block.Name,
						"call_id": block.ID,
						"caller":  w.Name,
						"node_id": node.ID,
					})
				}
			}
		case "result":
			finalResult = ev.Result
			finalErr = ev.IsError
		}
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return agerrors.ErrCancelled
	}

	if finalErr || (finalResult == "" && waitErr != nil) {
		reason := finalResult
		if reason == "" {
			reason = fmt.Sprintf("claude-code exited: %v", waitErr)
		}
		if err := d.Store.Write(nodeScope, "failure_notes.md", []byte(reason)); err != nil {
			d.Logger.Warn("worker %s: failure notes: %v", w.Name, err)
		}
		d.Bus.Send(w.Name, bus.Coordinator, fmt.Sprintf("Node %s failed: %s", node.ID, firstLine(reason)))
		d.Log.Emit(event.NodeFailed, map[string]any{
			"node_id":   node.ID,
			"worker_id": w.ID,
			"reason":    firstLine(reason),
		})
		return fmt.Errorf("claude-code node %s failed", node.ID)
	}

	if finalResult != "" {
		if err := d.Store.Write(nodeScope, "scratch/result.md", []byte(finalResult)); err != nil {
			d.Logger.Warn("worker %s: result write: %v", w.Name, err)
		}
	}
	_, err = d.Store.Publish(d.RunID, node.ID, firstLine(finalResult))
	return err
}
