// Package errors defines the runtime error taxonomy and the classification
// helpers used for retry decisions.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors.
var (
	// ErrCancelled marks cooperative cancellation. It is never reported as a
	// failure; loops that observe it exit quietly.
	ErrCancelled = errors.New("cancelled")

	// ErrMaxIterations marks a harnessed worker exceeding its iteration cap.
	ErrMaxIterations = errors.New("max_iterations")
)

// ConfigError is fatal at startup: missing API key, malformed config.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error (%s): %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a startup-fatal configuration error.
func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

// InvalidDependencyError rejects a node whose dependencies are unknown or
// would introduce a cycle. The board is left unchanged.
type InvalidDependencyError struct {
	NodeID string
	Dep    string
	Reason string
}

func (e *InvalidDependencyError) Error() string {
	return fmt.Sprintf("invalid dependency on node %s: %s (%s)", e.NodeID, e.Dep, e.Reason)
}

// ScopeViolationError reports a tool reaching outside its permitted scope.
// Surfaced as a tool.error event; never fatal.
type ScopeViolationError struct {
	Scope string
	Path  string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("scope violation: %q is outside scope %s", e.Path, e.Scope)
}

// ProviderError classifies an LLM provider failure for retry purposes.
// Transient errors (timeouts, 5xx, 429) are retried exactly once.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", kind, e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", kind, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies an HTTP status into a transient or permanent
// provider error. Rate limits and server-side failures are transient.
func NewProviderError(provider string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Transient:  isTransientStatus(statusCode),
		Err:        err,
	}
}

// ToolError wraps a tool implementation failure. The executor converts it to
// a tool.error event and a tool-result chunk; the loop continues.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

func isTransientStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTransient reports whether err is worth a single retry.
func IsTransient(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsCancelled reports whether err stems from cooperative cancellation.
// Cancellation propagates distinctly from failures everywhere.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
