package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	agerrors "agiraph/internal/errors"
	"agiraph/internal/shared/id"
	"agiraph/internal/shared/logging"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion          = "2023-06-01"
	anthropicMessagesPath     = "/messages"
	anthropicVersionHeaderKey = "anthropic-version"
	anthropicAPIKeyHeaderKey  = "x-api-key"

	// Server-side web search tool revision.
	anthropicWebSearchType = "web_search_20250305"
)

// AnthropicOptions tunes the Anthropic adapter.
type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// NativeSearchMaxUses enables server-side web search when > 0.
	NativeSearchMaxUses int
	Logger              logging.Logger
}

type anthropicClient struct {
	model         string
	apiKey        string
	baseURL       string
	httpClient    *http.Client
	searchMaxUses int
	logger        logging.Logger
}

// NewAnthropic returns an adapter for the Anthropic messages API.
func NewAnthropic(model string, opts AnthropicOptions) (Client, error) {
	if opts.APIKey == "" {
		return nil, &agerrors.ConfigError{Field: "anthropic_api_key", Err: fmt.Errorf("missing API key")}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAnthropicBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &anthropicClient{
		model:         model,
		apiKey:        opts.APIKey,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: opts.Timeout},
		searchMaxUses: opts.NativeSearchMaxUses,
		logger:        logging.OrNop(opts.Logger),
	}, nil
}

func (c *anthropicClient) Model() string { return c.model }

func (c *anthropicClient) ToolPrompt(defs []ToolDef) string { return guidanceLines(defs) }

func (c *anthropicClient) Complete(ctx context.Context, req Request) (*ModelResponse, error) {
	requestID := id.NewRequestID()
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	payload := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages":   c.convertMessages(req.Messages),
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if tools := c.convertTools(req.Tools); len(tools) > 0 {
		payload["tools"] = tools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("%sPOST %s%s model=%s messages=%d tools=%d",
		prefix, c.baseURL, anthropicMessagesPath, c.model, len(req.Messages), len(req.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+anthropicMessagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(anthropicAPIKeyHeaderKey, c.apiKey)
	httpReq.Header.Set(anthropicVersionHeaderKey, anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, agerrors.ErrCancelled
		}
		return nil, agerrors.NewProviderError("anthropic", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%serror status=%d body=%s", prefix, resp.StatusCode, string(respBody))
		return nil, agerrors.NewProviderError("anthropic", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	var apiResp struct {
		ID         string           `json:"id"`
		Content    []map[string]any `json:"content"`
		StopReason string           `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	result := &ModelResponse{
		StopReason:    apiResp.StopReason,
		ContentBlocks: apiResp.Content,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}
	var texts []string
	for _, block := range apiResp.Content {
		switch block["type"] {
		case "text":
			if s, ok := block["text"].(string); ok {
				texts = append(texts, s)
			}
		case "tool_use":
			call := ToolCall{Args: map[string]any{}}
			call.ID, _ = block["id"].(string)
			call.Name, _ = block["name"].(string)
			if input, ok := block["input"].(map[string]any); ok {
				call.Args = input
			}
			result.ToolCalls = append(result.ToolCalls, call)
		}
	}
	result.Text = strings.Join(texts, "\n")

	c.logger.Debug("%sstop=%s tool_calls=%d tokens=%d",
		prefix, result.StopReason, len(result.ToolCalls), result.Usage.TotalTokens)
	return result, nil
}

// convertTools maps canonical defs into Anthropic tool schemas, appending
// the server-side web search tool when enabled.
func (c *anthropicClient) convertTools(defs []ToolDef) []map[string]any {
	var tools []map[string]any
	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": params,
		})
	}
	if len(tools) > 0 && c.searchMaxUses > 0 {
		tools = append(tools, map[string]any{
			"type":     anthropicWebSearchType,
			"name":     "web_search",
			"max_uses": c.searchMaxUses,
		})
	}
	return tools
}

func (c *anthropicClient) convertMessages(msgs []Message) []map[string]any {
	var out []map[string]any
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			// System content travels as the top-level system field; a
			// mid-conversation system note becomes a user turn.
			out = append(out, map[string]any{
				"role":    "user",
				"content": "[System note]\n" + msg.Content,
			})
		case "assistant":
			if len(msg.ContentBlocks) > 0 {
				// Replay the raw blocks so encrypted search results and
				// citations stay intact.
				out = append(out, map[string]any{"role": "assistant", "content": msg.ContentBlocks})
				continue
			}
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := call.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, map[string]any{"type": "text", "text": ""})
			}
			out = append(out, map[string]any{"role": "assistant", "content": blocks})
		case "tool":
			// Tool results ride in a user message and must directly follow
			// the assistant turn carrying the matching tool_use id.
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}
			if len(out) > 0 {
				last := out[len(out)-1]
				if last["role"] == "user" {
					if blocks, ok := last["content"].([]map[string]any); ok && blocks[0]["type"] == "tool_result" {
						last["content"] = append(blocks, block)
						continue
					}
				}
			}
			out = append(out, map[string]any{"role": "user", "content": []map[string]any{block}})
		default:
			out = append(out, map[string]any{"role": "user", "content": msg.Content})
		}
	}
	return out
}
