package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"

	"agiraph/internal/bus"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/llm"
	"agiraph/internal/scope"
	"agiraph/internal/trigger"
)

// Worker-facing tool names. Capabilities reference these.
const (
	NameWriteFile      = "write_file"
	NameReadFile       = "read_file"
	NameListFiles      = "list_files"
	NamePublish        = "publish"
	NameFinish         = "finish"
	NameSendMessage    = "send_message"
	NameBroadcast      = "broadcast"
	NameCheckpoint     = "checkpoint"
	NameNotebookAppend = "notebook_append"
	NameMemoryWrite    = "memory_write"
	NameAskHuman       = "ask_human"
	NameBash           = "bash"
	NameCreateNode     = "create_node"
	NameSpawnWorker    = "spawn_worker"
	NameAssignWorker   = "assign_worker"
	NameReconvene      = "reconvene"
	NameCreateTrigger  = "create_trigger"
	NamePauseTrigger   = "pause_trigger"
	NameResumeTrigger  = "resume_trigger"
	NameCancelTrigger  = "cancel_trigger"
)

// WorkerToolNames is the default capability set for harnessed workers.
func WorkerToolNames() []string {
	return []string{
		NameWriteFile, NameReadFile, NameListFiles, NamePublish, NameFinish,
		NameSendMessage, NameCheckpoint, NameNotebookAppend, NameAskHuman, NameBash,
		NameCreateNode,
	}
}

// CoordinatorToolNames is the coordinator's full tool set.
func CoordinatorToolNames() []string {
	return []string{
		NameWriteFile, NameReadFile, NameListFiles, NameFinish,
		NameSendMessage, NameBroadcast, NameMemoryWrite, NameAskHuman,
		NameCreateNode, NameSpawnWorker, NameAssignWorker, NameReconvene,
		NameCreateTrigger, NamePauseTrigger, NameResumeTrigger, NameCancelTrigger,
	}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]any, 0, len(required))
		for _, key := range required {
			req = append(req, key)
		}
		schema["required"] = req
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// RegisterBuiltins installs the full builtin tool set.
func RegisterBuiltins(r *Registry) {
	registerFileTools(r)
	registerMessagingTools(r)
	registerLifecycleTools(r)
	registerCoordinatorTools(r)
	registerTriggerTools(r)
	registerBashTool(r)
}

func registerFileTools(r *Registry) {
	r.Register(llm.ToolDef{
		Name:        NameWriteFile,
		Description: "Write a file inside your working scope, creating parent directories.",
		Parameters: objectSchema([]string{"path", "content"}, map[string]any{
			"path":    stringProp("Path relative to your scope. Workers write under scratch/."),
			"content": stringProp("Full file content."),
		}),
		Guidance: "write_file overwrites; read first if you need to preserve content",
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		p, _ := args["path"].(string)
		content, _ := args["content"].(string)
		if tc.NodeID != "" {
			// Inside a node, workers write to scratch/ only; published/ is
			// sealed by publish and the control files belong to the kernel.
			clean := path.Clean(strings.TrimPrefix(p, "./"))
			if clean != "scratch" && !strings.HasPrefix(clean, "scratch/") {
				return "", &agerrors.ScopeViolationError{Scope: "node", Path: p}
			}
		}
		if err := tc.Store.Write(tc.Scope, p, []byte(content)); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
	})

	r.Register(llm.ToolDef{
		Name:        NameReadFile,
		Description: "Read a file inside your working scope, including published files of upstream nodes referenced in your refs.",
		Parameters: objectSchema([]string{"path"}, map[string]any{
			"path": stringProp("Path relative to your scope."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		p, _ := args["path"].(string)
		data, err := tc.Store.Read(readScope(tc, p), p)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})

	r.Register(llm.ToolDef{
		Name:        NameListFiles,
		Description: "List files under a directory in your working scope.",
		Parameters: objectSchema(nil, map[string]any{
			"path": stringProp("Directory relative to your scope. Defaults to the scope root."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		dir, _ := args["path"].(string)
		if dir == "" {
			dir = "."
		}
		files, err := tc.Store.List(readScope(tc, dir), dir)
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			return "(empty)", nil
		}
		return strings.Join(files, "\n"), nil
	})

	r.Register(llm.ToolDef{
		Name:        NameMemoryWrite,
		Description: "Write a markdown file into the agent's long-term memory subtree.",
		Parameters: objectSchema([]string{"path", "content"}, map[string]any{
			"path":    stringProp("Path relative to memory/, e.g. people/alice.md."),
			"content": stringProp("Markdown content."),
		}),
		Guidance: "keep memory files small and topical; update memory/index.md when adding new files",
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		p, _ := args["path"].(string)
		content, _ := args["content"].(string)
		agentScope := tc.Store.AgentScope()
		rel := path.Join("memory", p)
		if err := tc.Store.Write(agentScope, rel, []byte(content)); err != nil {
			return "", err
		}
		tc.Log.Emit(event.MemoryWritten, map[string]any{"path": rel, "caller": tc.Caller})
		return "memory updated: " + rel, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameNotebookAppend,
		Description: "Append a dated note to your private notebook.",
		Parameters: objectSchema([]string{"content"}, map[string]any{
			"content": stringProp("Note text."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		content, _ := args["content"].(string)
		if tc.WorkerID == "" {
			return "", fmt.Errorf("notebook_append is worker-only")
		}
		entry := fmt.Sprintf("\n## %s\n%s\n", time.Now().Format(time.RFC3339), content)
		workerScope := tc.Store.WorkerScope(tc.RunID, tc.WorkerID)
		if err := tc.Store.Append(workerScope, "notebook.md", []byte(entry)); err != nil {
			return "", err
		}
		return "noted", nil
	})
}

func registerMessagingTools(r *Registry) {
	r.Register(llm.ToolDef{
		Name:        NameSendMessage,
		Description: "Send a text message to another participant: a worker name, \"coordinator\", or \"human\".",
		Parameters: objectSchema([]string{"content"}, map[string]any{
			"to":      stringProp("Recipient id. Defaults to the coordinator."),
			"content": stringProp("Message text."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		to, _ := args["to"].(string)
		content, _ := args["content"].(string)
		tc.Bus.Send(tc.Caller, to, content)
		if to == "" {
			to = bus.Coordinator
		}
		return "sent to " + to, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameBroadcast,
		Description: "Send a message to every live participant.",
		Parameters: objectSchema([]string{"content"}, map[string]any{
			"content": stringProp("Message text."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		content, _ := args["content"].(string)
		tc.Bus.Send(tc.Caller, bus.Broadcast, content)
		return "broadcast sent", nil
	})

	r.Register(llm.ToolDef{
		Name:        NameAskHuman,
		Description: "Ask the human a question and wait for the answer.",
		Parameters: objectSchema([]string{"question"}, map[string]any{
			"question": stringProp("The question to put to the human."),
		}),
		Guidance: "blocks until the human responds; use sparingly",
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		question, _ := args["question"].(string)
		if tc.Runtime == nil {
			return "", fmt.Errorf("ask_human unavailable in this context")
		}
		return tc.Runtime.AskHuman(ctx, question)
	})
}

func registerLifecycleTools(r *Registry) {
	r.Register(llm.ToolDef{
		Name:        NamePublish,
		Description: "Publish your scratch/ files as this node's final output and complete the node.",
		Parameters: objectSchema([]string{"summary"}, map[string]any{
			"summary": stringProp("One-paragraph summary of what was produced."),
		}),
		Guidance: "publish ends the node; make sure every deliverable is in scratch/ first",
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		summary, _ := args["summary"].(string)
		files, err := tc.Store.Publish(tc.RunID, tc.NodeID, summary)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("published %d files: %s", len(files), strings.Join(files, ", ")), nil
	})

	r.Register(llm.ToolDef{
		Name:        NameFinish,
		Description: "Finish: for a worker, end the current node; for the coordinator, complete the whole agent goal.",
		Parameters: objectSchema([]string{"summary"}, map[string]any{
			"summary": stringProp("Final summary."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		summary, _ := args["summary"].(string)
		if tc.Caller == bus.Coordinator && tc.Runtime != nil {
			if err := tc.Runtime.FinishAgent(summary); err != nil {
				return "", err
			}
			return "agent completed", nil
		}
		return "finished: " + summary, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameCheckpoint,
		Description: "Record a progress checkpoint for the current node.",
		Parameters: objectSchema([]string{"note"}, map[string]any{
			"note": stringProp("Short progress note."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		note, _ := args["note"].(string)
		tc.Log.Emit(event.NodeCheckpoint, map[string]any{
			"node_id": tc.NodeID,
			"caller":  tc.Caller,
			"note":    note,
		})
		line, _ := json.Marshal(map[string]any{
			"ts":   time.Now().Format(time.RFC3339Nano),
			"note": note,
		})
		if tc.NodeID != "" {
			_ = tc.Store.Append(tc.Scope, "log.jsonl", append(line, '\n'))
		}
		return "checkpoint recorded", nil
	})
}

func registerCoordinatorTools(r *Registry) {
	r.Register(llm.ToolDef{
		Name:        NameCreateNode,
		Description: "Create a work node on the board. Dependencies must form a DAG.",
		Parameters: objectSchema([]string{"task"}, map[string]any{
			"task": stringProp("Full task specification for the node."),
			"dependencies": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Node ids that must complete first.",
			},
		}),
		Guidance: "split independent work into separate nodes so workers can run them in parallel",
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Runtime == nil {
			return "", fmt.Errorf("create_node unavailable in this context")
		}
		task, _ := args["task"].(string)
		deps := stringSlice(args["dependencies"])
		parent := ""
		if tc.Caller != bus.Coordinator {
			parent = tc.NodeID
		}
		nodeID, err := tc.Runtime.CreateNode(task, deps, parent)
		if err != nil {
			return "", err
		}
		return "created node " + nodeID, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameSpawnWorker,
		Description: "Spawn a worker into the pool.",
		Parameters: objectSchema([]string{"name", "role"}, map[string]any{
			"name": stringProp("Short unique name, also the worker's message address."),
			"role": stringProp("One-line role title, e.g. \"research analyst\"."),
			"type": stringProp("\"harnessed\" (default) or \"autonomous\"."),
			"model": stringProp("Model for harnessed workers, e.g. \"anthropic/claude-sonnet-4-5\". " +
				"Defaults to the coordinator's model."),
			"agent_command": stringProp("Subprocess command for autonomous workers."),
			"capabilities": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tool names the worker may call. Defaults to the standard worker set.",
			},
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Runtime == nil {
			return "", fmt.Errorf("spawn_worker unavailable in this context")
		}
		name, _ := args["name"].(string)
		role, _ := args["role"].(string)
		workerType, _ := args["type"].(string)
		model, _ := args["model"].(string)
		command, _ := args["agent_command"].(string)
		workerID, err := tc.Runtime.SpawnWorker(name, role, workerType, model, command, stringSlice(args["capabilities"]))
		if err != nil {
			return "", err
		}
		return "spawned worker " + workerID, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameAssignWorker,
		Description: "Assign a specific worker to a specific node, overriding automatic pairing.",
		Parameters: objectSchema([]string{"node_id", "worker_id"}, map[string]any{
			"node_id":   stringProp("Node to assign."),
			"worker_id": stringProp("Worker id or name."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Runtime == nil {
			return "", fmt.Errorf("assign_worker unavailable in this context")
		}
		nodeID, _ := args["node_id"].(string)
		workerID, _ := args["worker_id"].(string)
		if err := tc.Runtime.AssignWorker(nodeID, workerID); err != nil {
			return "", err
		}
		return fmt.Sprintf("assigned %s to %s", nodeID, workerID), nil
	})

	r.Register(llm.ToolDef{
		Name:        NameReconvene,
		Description: "Gather the current stage: broadcast a reconvene note to all workers and mark the stage boundary.",
		Parameters: objectSchema([]string{"note"}, map[string]any{
			"note": stringProp("What the next stage is about."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Runtime == nil {
			return "", fmt.Errorf("reconvene unavailable in this context")
		}
		note, _ := args["note"].(string)
		if err := tc.Runtime.Reconvene(note); err != nil {
			return "", err
		}
		return "stage reconvened", nil
	})
}

func registerTriggerTools(r *Registry) {
	r.Register(llm.ToolDef{
		Name: NameCreateTrigger,
		Description: "Create a trigger that wakes the agent later. Kinds: scheduled (cron), delayed, " +
			"at_time, heartbeat, on_event, on_idle.",
		Parameters: objectSchema([]string{"kind", "action"}, map[string]any{
			"kind":             stringProp("Trigger kind."),
			"action":           stringProp("wake_agent, run_node or send_message."),
			"task":             stringProp("Task text for wake_agent."),
			"node_id":          stringProp("Node id for run_node."),
			"to":               stringProp("Recipient for send_message."),
			"content":          stringProp("Content for send_message."),
			"cron":             stringProp("Cron expression for scheduled triggers."),
			"at":               stringProp("RFC3339 time for at_time triggers."),
			"delay_seconds":    map[string]any{"type": "number", "description": "Delay for delayed triggers."},
			"interval_seconds": map[string]any{"type": "number", "description": "Interval for heartbeat triggers."},
			"idle_seconds":     map[string]any{"type": "number", "description": "Idle threshold for on_idle triggers."},
			"event_type":       stringProp("Event type pattern for on_event triggers, e.g. node.*"),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Triggers == nil {
			return "", fmt.Errorf("triggers unavailable in this context")
		}
		kind, _ := args["kind"].(string)
		actionKind, _ := args["action"].(string)
		action := trigger.Action{Kind: trigger.ActionKind(actionKind)}
		action.Task, _ = args["task"].(string)
		action.NodeID, _ = args["node_id"].(string)
		action.To, _ = args["to"].(string)
		action.Content, _ = args["content"].(string)

		metadata := map[string]any{}
		for _, key := range []string{"cron", "at", "event_type", "delay_seconds", "interval_seconds", "idle_seconds"} {
			if v, ok := args[key]; ok {
				metadata[key] = v
			}
		}
		t, err := tc.Triggers.Create(trigger.Kind(kind), metadata, action)
		if err != nil {
			return "", err
		}
		return "created trigger " + t.ID, nil
	})

	r.Register(llm.ToolDef{
		Name:        NamePauseTrigger,
		Description: "Pause an active trigger. It keeps its definition but stops firing until resumed.",
		Parameters: objectSchema([]string{"trigger_id"}, map[string]any{
			"trigger_id": stringProp("Trigger id."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Triggers == nil {
			return "", fmt.Errorf("triggers unavailable in this context")
		}
		triggerID, _ := args["trigger_id"].(string)
		if !tc.Triggers.Pause(triggerID) {
			return "", fmt.Errorf("no active trigger %s", triggerID)
		}
		return "paused " + triggerID, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameResumeTrigger,
		Description: "Resume a paused trigger.",
		Parameters: objectSchema([]string{"trigger_id"}, map[string]any{
			"trigger_id": stringProp("Trigger id."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Triggers == nil {
			return "", fmt.Errorf("triggers unavailable in this context")
		}
		triggerID, _ := args["trigger_id"].(string)
		if !tc.Triggers.Resume(triggerID) {
			return "", fmt.Errorf("no paused trigger %s", triggerID)
		}
		return "resumed " + triggerID, nil
	})

	r.Register(llm.ToolDef{
		Name:        NameCancelTrigger,
		Description: "Cancel a trigger by id.",
		Parameters: objectSchema([]string{"trigger_id"}, map[string]any{
			"trigger_id": stringProp("Trigger id."),
		}),
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		if tc.Triggers == nil {
			return "", fmt.Errorf("triggers unavailable in this context")
		}
		triggerID, _ := args["trigger_id"].(string)
		if !tc.Triggers.Cancel(triggerID) {
			return "", fmt.Errorf("unknown trigger %s", triggerID)
		}
		return "cancelled " + triggerID, nil
	})
}

func registerBashTool(r *Registry) {
	r.Register(llm.ToolDef{
		Name:        NameBash,
		Description: "Run a shell command with your scope directory as the working directory.",
		Parameters: objectSchema([]string{"command"}, map[string]any{
			"command": stringProp("Command passed to sh -c."),
			"timeout_seconds": map[string]any{
				"type":        "number",
				"description": "Kill the command after this many seconds. Default 60.",
			},
		}),
		Guidance: "output is truncated; write large results to files instead of printing them",
	}, func(ctx context.Context, tc *Context, args map[string]any) (string, error) {
		command, _ := args["command"].(string)
		timeout := 60 * time.Second
		if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "sh", "-c", command)
		cmd.Dir = tc.Scope.Root
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()
		result := out.String()
		if len(result) > 16384 {
			result = result[:16384] + "\n... (truncated)"
		}
		if err != nil {
			return fmt.Sprintf("%s\n(exit error: %v)", result, err), nil
		}
		return result, nil
	})
}

// readScope widens reads to the run scope for published output of sibling
// nodes ("nodes/<id>/published/..."). Everything else stays in the caller's
// own scope, so scratch directories remain private.
func readScope(tc *Context, p string) scope.Scope {
	if tc.RunID == "" || tc.NodeID == "" {
		return tc.Scope
	}
	clean := path.Clean(strings.TrimPrefix(p, "./"))
	parts := strings.Split(clean, "/")
	if len(parts) >= 3 && parts[0] == "nodes" && parts[2] == "published" && parts[1] != tc.NodeID {
		return tc.Store.RunScope(tc.RunID)
	}
	return tc.Scope
}

func stringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
