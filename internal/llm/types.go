// Package llm provides the provider adapter layer: canonical tool and
// message types plus Anthropic, OpenAI and text-fallback clients.
package llm

import "context"

// ToolDef is the canonical, provider-independent tool definition.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Guidance    string         `json:"guidance,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one turn of a conversation in canonical form. Role is one of
// "system", "user", "assistant", "tool". A tool message carries the result
// of the matching ToolCallID and must directly follow the assistant message
// that issued it. ContentBlocks, when set on an assistant message, holds the
// raw provider content blocks and is replayed verbatim on follow-up turns so
// server-side tool output (web search citations) survives multi-turn flows.
type Message struct {
	Role          string           `json:"role"`
	Content       string           `json:"content"`
	ToolCalls     []ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID    string           `json:"tool_call_id,omitempty"`
	ToolName      string           `json:"tool_name,omitempty"`
	ContentBlocks []map[string]any `json:"_content_blocks,omitempty"`
	Ts            string           `json:"ts,omitempty"`
}

// Request is a provider-independent completion request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
}

// ModelResponse is the canonical decoded completion.
type ModelResponse struct {
	Text          string
	ToolCalls     []ToolCall
	Usage         Usage
	StopReason    string
	ContentBlocks []map[string]any
}

// Client is one provider adapter.
type Client interface {
	Complete(ctx context.Context, req Request) (*ModelResponse, error)
	Model() string
	// ToolPrompt returns the guidance text to inject into the system prompt
	// for the given tools. Text-fallback adapters additionally return the
	// full schemas and the call-marker format.
	ToolPrompt(defs []ToolDef) string
}

// guidanceLines is the shared native-provider ToolPrompt body: per-tool
// guidance only, schemas travel in the structured tools field.
func guidanceLines(defs []ToolDef) string {
	out := ""
	for _, def := range defs {
		if def.Guidance == "" {
			continue
		}
		out += "- " + def.Name + ": " + def.Guidance + "\n"
	}
	return out
}
