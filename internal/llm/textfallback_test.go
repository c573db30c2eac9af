package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeText(t *testing.T, text string) *ModelResponse {
	t.Helper()
	inner := NewScripted("plain").Respond(text)
	client := NewTextFallback(inner, nil)
	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	require.NoError(t, err)
	return resp
}

func TestExtractSingleMarker(t *testing.T) {
	resp := completeText(t, `I'll write the file now.
<tool_call>{"name": "write_file", "arguments": {"path": "scratch/a.txt", "content": "hi"}}</tool_call>`)

	assert.Equal(t, "I'll write the file now.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	call := resp.ToolCalls[0]
	assert.Equal(t, "write_file", call.Name)
	assert.Equal(t, "scratch/a.txt", call.Args["path"])
	assert.NotEmpty(t, call.ID)
}

func TestExtractMultipleMarkersKeepsSurroundingText(t *testing.T) {
	resp := completeText(t, `before
<tool_call>{"name": "read_file", "arguments": {"path": "x"}}</tool_call>
between
<tool_call>{"name": "list_files", "arguments": {}}</tool_call>
after`)

	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, "list_files", resp.ToolCalls[1].Name)
	assert.Contains(t, resp.Text, "before")
	assert.Contains(t, resp.Text, "between")
	assert.Contains(t, resp.Text, "after")
	assert.NotContains(t, resp.Text, "tool_call")
}

func TestRepairMalformedMarker(t *testing.T) {
	// Trailing comma and single quotes: jsonrepair should recover this.
	resp := completeText(t, `<tool_call>{'name': 'finish', 'arguments': {'summary': 'done',}}</tool_call>`)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "finish", resp.ToolCalls[0].Name)
	assert.Equal(t, "done", resp.ToolCalls[0].Args["summary"])
}

func TestSkipUnrecoverableMarker(t *testing.T) {
	resp := completeText(t, `text
<tool_call>{"arguments": {"x": 1}}</tool_call>
<tool_call>{"name": "checkpoint", "arguments": {"note": "ok"}}</tool_call>`)

	// The nameless marker is skipped; the valid one survives.
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "checkpoint", resp.ToolCalls[0].Name)
}

func TestMarkerWithoutArguments(t *testing.T) {
	resp := completeText(t, `<tool_call>{"name": "list_files"}</tool_call>`)
	require.Len(t, resp.ToolCalls, 1)
	assert.NotNil(t, resp.ToolCalls[0].Args)
	assert.Empty(t, resp.ToolCalls[0].Args)
}

func TestPlainTextPassesThrough(t *testing.T) {
	resp := completeText(t, "just an answer, no calls")
	assert.Equal(t, "just an answer, no calls", resp.Text)
	assert.Empty(t, resp.ToolCalls)
}

func TestToolResultsBecomeUserTurns(t *testing.T) {
	inner := NewScripted("plain").Respond("ok")
	client := NewTextFallback(inner, nil)

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: "user", Content: "start"},
			{Role: "assistant", Content: "calling", ToolCalls: []ToolCall{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "x"}}}},
			{Role: "tool", ToolCallID: "c1", ToolName: "read_file", Content: "file body"},
		},
	})
	require.NoError(t, err)

	require.Len(t, inner.Requests, 1)
	msgs := inner.Requests[0].Messages
	require.Len(t, msgs, 3)

	// The assistant turn re-renders its call as a marker.
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, `<tool_call>{"name": "read_file"`)
	assert.Empty(t, msgs[1].ToolCalls)

	// The tool turn reads as a plain user message.
	assert.Equal(t, "user", msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "[Tool result: read_file]")
	assert.Contains(t, msgs[2].Content, "file body")
}

func TestToolPromptListsSchemas(t *testing.T) {
	client := NewTextFallback(NewScripted("plain"), nil)
	prompt := client.ToolPrompt([]ToolDef{
		{Name: "write_file", Description: "Write a file", Parameters: map[string]any{"type": "object"}},
	})
	assert.Contains(t, prompt, "## write_file")
	assert.Contains(t, prompt, "<tool_call>")
	assert.Contains(t, prompt, "JSON Schema")
}
