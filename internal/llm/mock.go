package llm

import (
	"context"
	"sync"

	agerrors "agiraph/internal/errors"
)

// ScriptedClient replays a fixed sequence of responses and records every
// request it receives. Used by tests and by dry-run tooling.
type ScriptedClient struct {
	mu        sync.Mutex
	name      string
	script    []ScriptStep
	pos       int
	Requests  []Request
	ExhaustFn func(req Request) (*ModelResponse, error)
}

// ScriptStep is one scripted turn: either a response or an error.
type ScriptStep struct {
	Response *ModelResponse
	Err      error
}

func NewScripted(name string, steps ...ScriptStep) *ScriptedClient {
	if name == "" {
		name = "scripted"
	}
	return &ScriptedClient{name: name, script: steps}
}

// Respond appends a plain-text step.
func (c *ScriptedClient) Respond(text string) *ScriptedClient {
	c.script = append(c.script, ScriptStep{Response: &ModelResponse{Text: text, StopReason: "end_turn"}})
	return c
}

// Call appends a step that issues the given tool calls.
func (c *ScriptedClient) Call(text string, calls ...ToolCall) *ScriptedClient {
	c.script = append(c.script, ScriptStep{Response: &ModelResponse{
		Text:       text,
		ToolCalls:  calls,
		StopReason: "tool_use",
	}})
	return c
}

// Fail appends an error step.
func (c *ScriptedClient) Fail(err error) *ScriptedClient {
	c.script = append(c.script, ScriptStep{Err: err})
	return c
}

func (c *ScriptedClient) Model() string { return c.name }

func (c *ScriptedClient) ToolPrompt(defs []ToolDef) string { return guidanceLines(defs) }

func (c *ScriptedClient) Complete(ctx context.Context, req Request) (*ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, agerrors.ErrCancelled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)
	if c.pos >= len(c.script) {
		if c.ExhaustFn != nil {
			return c.ExhaustFn(req)
		}
		return &ModelResponse{Text: "done", StopReason: "end_turn"}, nil
	}
	step := c.script[c.pos]
	c.pos++
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Calls returns how many completions have been served.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}
