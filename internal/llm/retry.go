package llm

import (
	"context"
	"time"

	agerrors "agiraph/internal/errors"
	"agiraph/internal/shared/logging"
)

// retryClient retries a failed completion exactly once when the failure is
// transient (timeout, 5xx, rate limit). Cancellation is never retried.
type retryClient struct {
	inner  Client
	delay  time.Duration
	logger logging.Logger
}

// WithRetry wraps a client with single-retry behavior on transient errors.
func WithRetry(inner Client, delay time.Duration, logger logging.Logger) Client {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &retryClient{inner: inner, delay: delay, logger: logging.OrNop(logger)}
}

func (c *retryClient) Model() string { return c.inner.Model() }

func (c *retryClient) ToolPrompt(defs []ToolDef) string { return c.inner.ToolPrompt(defs) }

func (c *retryClient) Complete(ctx context.Context, req Request) (*ModelResponse, error) {
	resp, err := c.inner.Complete(ctx, req)
	if err == nil || !agerrors.IsTransient(err) || agerrors.IsCancelled(err) {
		return resp, err
	}

	c.logger.Warn("transient provider error, retrying once: %v", err)
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return nil, agerrors.ErrCancelled
	}
	return c.inner.Complete(ctx, req)
}
