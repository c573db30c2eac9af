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
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	openAIChatPath       = "/chat/completions"
)

// OpenAIOptions tunes the OpenAI-compatible adapter. BaseURL may point at
// any chat-completions-compatible endpoint.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  logging.Logger
}

type openAIClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAI returns an adapter for the OpenAI chat completions API.
func NewOpenAI(model string, opts OpenAIOptions) (Client, error) {
	if opts.APIKey == "" {
		return nil, &agerrors.ConfigError{Field: "openai_api_key", Err: fmt.Errorf("missing API key")}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOpenAIBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &openAIClient{
		model:      model,
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logging.OrNop(opts.Logger),
	}, nil
}

func (c *openAIClient) Model() string { return c.model }

func (c *openAIClient) ToolPrompt(defs []ToolDef) string { return guidanceLines(defs) }

func (c *openAIClient) Complete(ctx context.Context, req Request) (*ModelResponse, error) {
	requestID := id.NewRequestID()
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	payload := map[string]any{
		"model":    c.model,
		"messages": c.convertMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if tools := convertOpenAITools(req.Tools); len(tools) > 0 {
		payload["tools"] = tools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("%sPOST %s%s model=%s messages=%d tools=%d",
		prefix, c.baseURL, openAIChatPath, c.model, len(req.Messages), len(req.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+openAIChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, agerrors.ErrCancelled
		}
		return nil, agerrors.NewProviderError("openai", 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%serror status=%d body=%s", prefix, resp.StatusCode, string(respBody))
		return nil, agerrors.NewProviderError("openai", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	var apiResp struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, agerrors.NewProviderError("openai", resp.StatusCode, fmt.Errorf("empty choices"))
	}

	choice := apiResp.Choices[0]
	result := &ModelResponse{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}
	for _, raw := range choice.Message.ToolCalls {
		call := ToolCall{ID: raw.ID, Name: raw.Function.Name, Args: map[string]any{}}
		if raw.Function.Arguments != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(raw.Function.Arguments), &args); err != nil {
				c.logger.Warn("%sunparseable tool arguments for %s: %v", prefix, call.Name, err)
			} else {
				call.Args = args
			}
		}
		result.ToolCalls = append(result.ToolCalls, call)
	}

	c.logger.Debug("%sfinish=%s tool_calls=%d tokens=%d",
		prefix, result.StopReason, len(result.ToolCalls), result.Usage.TotalTokens)
	return result, nil
}

func convertOpenAITools(defs []ToolDef) []map[string]any {
	var tools []map[string]any
	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  params,
			},
		})
	}
	return tools
}

func (c *openAIClient) convertMessages(system string, msgs []Message) []map[string]any {
	var out []map[string]any
	if system != "" {
		out = append(out, map[string]any{"role": "system", "content": system})
	}
	for _, msg := range msgs {
		switch msg.Role {
		case "assistant":
			entry := map[string]any{"role": "assistant", "content": msg.Content}
			if len(msg.ToolCalls) > 0 {
				var calls []map[string]any
				for _, call := range msg.ToolCalls {
					args, err := json.Marshal(call.Args)
					if err != nil {
						args = []byte("{}")
					}
					calls = append(calls, map[string]any{
						"id":   call.ID,
						"type": "function",
						"function": map[string]any{
							"name":      call.Name,
							"arguments": string(args),
						},
					})
				}
				entry["tool_calls"] = calls
			}
			out = append(out, entry)
		case "tool":
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Content,
			})
		case "system":
			out = append(out, map[string]any{"role": "system", "content": msg.Content})
		default:
			out = append(out, map[string]any{"role": "user", "content": msg.Content})
		}
	}
	return out
}
