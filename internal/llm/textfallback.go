package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"agiraph/internal/shared/id"
	"agiraph/internal/shared/logging"
)

// toolCallMarker matches one inline tool call emitted by a model without
// native tool support.
var toolCallMarker = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// textFallback adapts any text-only client to the tool-calling contract:
// tool schemas and a call-marker format go into the system prompt, and
// responses are scanned for <tool_call>{...}</tool_call> markers. Malformed
// markers are repaired when possible, logged and skipped otherwise.
type textFallback struct {
	inner  Client
	logger logging.Logger
}

// NewTextFallback wraps a client that has no native tool-use support.
func NewTextFallback(inner Client, logger logging.Logger) Client {
	return &textFallback{inner: inner, logger: logging.OrNop(logger)}
}

func (c *textFallback) Model() string { return c.inner.Model() }

func (c *textFallback) ToolPrompt(defs []ToolDef) string {
	var sb strings.Builder
	sb.WriteString(guidanceLines(defs))
	if len(defs) == 0 {
		return sb.String()
	}
	sb.WriteString("\nAvailable tools (call by emitting the marker shown below):\n")
	for _, def := range defs {
		schema, err := json.Marshal(def.Parameters)
		if err != nil {
			schema = []byte("{}")
		}
		fmt.Fprintf(&sb, "\n## %s\n%s\nParameters (JSON Schema): %s\n", def.Name, def.Description, schema)
	}
	sb.WriteString("\nTo call a tool, emit exactly:\n" +
		`<tool_call>{"name": "<tool name>", "arguments": {...}}</tool_call>` + "\n" +
		"One marker per call. Anything outside markers is treated as your reply.\n")
	return sb.String()
}

func (c *textFallback) Complete(ctx context.Context, req Request) (*ModelResponse, error) {
	// The inner client sees no structured tools; schemas already travel in
	// the system prompt via ToolPrompt. Tool-result turns become plain user
	// turns the model can read.
	inner := Request{
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			name := msg.ToolName
			if name == "" {
				name = msg.ToolCallID
			}
			inner.Messages = append(inner.Messages, Message{
				Role:    "user",
				Content: fmt.Sprintf("[Tool result: %s]\n%s", name, msg.Content),
			})
		case "assistant":
			content := msg.Content
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Args)
				if err != nil {
					args = []byte("{}")
				}
				content += fmt.Sprintf("\n<tool_call>{\"name\": %q, \"arguments\": %s}</tool_call>", call.Name, args)
			}
			inner.Messages = append(inner.Messages, Message{Role: "assistant", Content: content})
		default:
			inner.Messages = append(inner.Messages, msg)
		}
	}

	resp, err := c.inner.Complete(ctx, inner)
	if err != nil {
		return nil, err
	}

	text, calls := c.extractCalls(resp.Text)
	resp.Text = text
	resp.ToolCalls = append(resp.ToolCalls, calls...)
	return resp, nil
}

// extractCalls pulls tool-call markers out of text, returning the stripped
// text and the decoded calls in order of appearance.
func (c *textFallback) extractCalls(text string) (string, []ToolCall) {
	matches := toolCallMarker.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var calls []ToolCall
	var kept strings.Builder
	last := 0
	for _, match := range matches {
		kept.WriteString(text[last:match[0]])
		last = match[1]

		raw := text[match[2]:match[3]]
		call, err := decodeMarker(raw)
		if err != nil {
			c.logger.Warn("text-fallback: skipping malformed tool call marker: %v", err)
			continue
		}
		calls = append(calls, call)
	}
	kept.WriteString(text[last:])
	return strings.TrimSpace(kept.String()), calls
}

func decodeMarker(raw string) (ToolCall, error) {
	var payload struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return ToolCall{}, err
		}
		if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
			return ToolCall{}, err
		}
	}
	if payload.Name == "" {
		return ToolCall{}, fmt.Errorf("marker missing tool name")
	}
	if payload.Arguments == nil {
		payload.Arguments = map[string]any{}
	}
	return ToolCall{ID: id.NewCallID(), Name: payload.Name, Args: payload.Arguments}, nil
}
