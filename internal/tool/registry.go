// Package tool holds the tool registry, argument validation and dispatch.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/llm"
	"agiraph/internal/scope"
	"agiraph/internal/shared/logging"
	"agiraph/internal/trigger"
)

var toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agiraph_tool_calls_total",
	Help: "Tool dispatches by tool name and outcome.",
}, []string{"tool", "outcome"})

// Runtime is the kernel surface reachable from coordinator tools. Context
// deliberately carries ids and narrow handles instead of the kernel itself.
type Runtime interface {
	CreateNode(task string, dependencies []string, parentNode string) (string, error)
	SpawnWorker(name, role, workerType, model, agentCommand string, capabilities []string) (string, error)
	AssignWorker(nodeID, workerID string) error
	Reconvene(note string) error
	FinishAgent(summary string) error
	AskHuman(ctx context.Context, question string) (string, error)
}

// Context is passed to every tool implementation. All fields are id-scoped
// handles; tools never see the agent kernel directly.
type Context struct {
	AgentID  string
	RunID    string
	NodeID   string
	WorkerID string
	// Caller is the worker id or "coordinator".
	Caller string

	Scope    scope.Scope
	Store    *scope.Store
	Bus      *bus.Bus
	Log      *event.Log
	Board    *board.Board
	Triggers *trigger.Scheduler
	Runtime  Runtime
}

// Impl runs one tool call and returns the result text fed back to the model.
type Impl func(ctx context.Context, tc *Context, args map[string]any) (string, error)

type entry struct {
	def  llm.ToolDef
	impl Impl
}

// Registry pairs tool definitions with implementations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		logger:  logging.OrNop(logger),
	}
}

// Register adds a tool. Re-registering a name replaces the previous entry.
func (r *Registry) Register(def llm.ToolDef, impl Impl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		r.logger.Warn("tool: replacing registration for %s", def.Name)
	}
	r.entries[def.Name] = entry{def: def, impl: impl}
}

// Defs returns the definitions for the named tools. An empty names list
// returns every registered tool, sorted by name.
func (r *Registry) Defs(names ...string) []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		names = make([]string, 0, len(r.entries))
		for name := range r.entries {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	var defs []llm.ToolDef
	for _, name := range names {
		if e, ok := r.entries[name]; ok {
			defs = append(defs, e.def)
		}
	}
	return defs
}

// Dispatch validates and runs one tool call, journaling tool.called and
// tool.result or tool.error. The returned string is always suitable as the
// tool-result chunk: on error it carries the error text so the model can
// recover.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall, tc *Context) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()

	tc.Log.Emit(event.ToolCalled, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"caller":  tc.Caller,
		"node_id": tc.NodeID,
		"args":    call.Args,
	})

	if !ok {
		err := &agerrors.ToolError{Tool: call.Name, Err: fmt.Errorf("unknown tool")}
		return r.failed(tc, call, err)
	}

	args, err := coerceArgs(e.def.Parameters, call.Args)
	if err != nil {
		return r.failed(tc, call, &agerrors.ToolError{Tool: call.Name, Err: err})
	}

	result, err := e.impl(ctx, tc, args)
	if err != nil {
		if agerrors.IsCancelled(err) {
			return "", err
		}
		var toolErr *agerrors.ToolError
		if !errors.As(err, &toolErr) {
			err = &agerrors.ToolError{Tool: call.Name, Err: err}
		}
		return r.failed(tc, call, err)
	}

	toolCalls.WithLabelValues(call.Name, "ok").Inc()
	tc.Log.Emit(event.ToolResult, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"caller":  tc.Caller,
		"result":  truncate(result, 512),
	})
	return result, nil
}

func (r *Registry) failed(tc *Context, call llm.ToolCall, err error) (string, error) {
	toolCalls.WithLabelValues(call.Name, "error").Inc()
	r.logger.Warn("tool %s failed: %v", call.Name, err)
	tc.Log.Emit(event.ToolError, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"caller":  tc.Caller,
		"error":   err.Error(),
	})
	return fmt.Sprintf("Error: %v", err), err
}

// coerceArgs checks required keys and coerces unambiguous scalar types
// against a JSON-Schema parameters object. Validation is deliberately loose:
// unknown extra keys pass through.
func coerceArgs(params map[string]any, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if params == nil {
		return args, nil
	}
	if required, ok := params["required"].([]any); ok {
		for _, raw := range required {
			key, _ := raw.(string)
			if key == "" {
				continue
			}
			if _, present := args[key]; !present {
				return nil, fmt.Errorf("missing required argument %q", key)
			}
		}
	}
	properties, _ := params["properties"].(map[string]any)
	for key, value := range args {
		schema, ok := properties[key].(map[string]any)
		if !ok {
			continue
		}
		wanted, _ := schema["type"].(string)
		args[key] = coerceValue(wanted, value)
	}
	return args, nil
}

func coerceValue(wanted string, value any) any {
	switch wanted {
	case "string":
		switch v := value.(type) {
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	case "integer":
		switch v := value.(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	case "number":
		if v, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	case "boolean":
		if v, ok := value.(string); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
	}
	return value
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
