// Package id generates the identifiers used across the runtime.
package id

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func short() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewAgentID returns a new agent identifier.
func NewAgentID() string {
	return "agent_" + short()
}

// NewRunID returns a run identifier that sorts by creation time.
func NewRunID() string {
	return fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102T150405"), short()[:6])
}

// NewNodeID returns a new work-node identifier.
func NewNodeID() string {
	return "node_" + short()
}

// NewWorkerID returns a new worker identifier.
func NewWorkerID() string {
	return "worker_" + short()
}

// NewTriggerID returns a new trigger identifier.
func NewTriggerID() string {
	return "trigger_" + short()
}

// NewCallID returns an identifier for synthesized tool calls (text-fallback
// providers do not assign their own).
func NewCallID() string {
	return "call_" + short()
}

// NewRequestID tags one provider round-trip in the logs.
func NewRequestID() string {
	return "req_" + short()
}
