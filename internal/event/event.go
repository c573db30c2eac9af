// Package event implements the per-agent append-only event journal and its
// live fan-out.
package event

import "time"

// Type names one kind of runtime event. The set is closed; consumers switch
// on these constants.
type Type string

const (
	AgentStarted   Type = "agent.started"
	AgentStopped   Type = "agent.stopped"
	AgentCompleted Type = "agent.completed"

	NodeCreated    Type = "node.created"
	NodeAssigned   Type = "node.assigned"
	NodeStarted    Type = "node.started"
	NodeCompleted  Type = "node.completed"
	NodeFailed     Type = "node.failed"
	NodeCheckpoint Type = "node.checkpoint"

	WorkerSpawned  Type = "worker.spawned"
	WorkerLaunched Type = "worker.launched"
	WorkerIdle     Type = "worker.idle"
	WorkerBusy     Type = "worker.busy"
	WorkerStopped  Type = "worker.stopped"

	MessageSent          Type = "message.sent"
	MessageReceived      Type = "message.received"
	MessageUndeliverable Type = "message.undeliverable"

	ToolCalled Type = "tool.called"
	ToolResult Type = "tool.result"
	ToolError  Type = "tool.error"

	HumanQuestion Type = "human.question"
	HumanResponse Type = "human.response"

	FileWritten   Type = "file.written"
	MemoryWritten Type = "memory.written"

	StageStarted    Type = "stage.started"
	StageReconvened Type = "stage.reconvened"
	StageCompleted  Type = "stage.completed"

	TriggerCreated   Type = "trigger.created"
	TriggerFired     Type = "trigger.fired"
	TriggerPaused    Type = "trigger.paused"
	TriggerResumed   Type = "trigger.resumed"
	TriggerCancelled Type = "trigger.cancelled"
)

// Event is one journal entry. Seq is assigned by the log at emission and is
// strictly increasing within one agent; (Type, Ts) is the stable identity
// consumers use for backfill deduplication.
type Event struct {
	Type    Type           `json:"type"`
	AgentID string         `json:"agent_id"`
	Ts      string         `json:"ts"`
	Seq     uint64         `json:"seq"`
	Data    map[string]any `json:"data,omitempty"`
}

// DedupKey returns the stable identity used by backfill+live consumers.
func (e Event) DedupKey() string {
	return string(e.Type) + "|" + e.Ts
}

// Timestamp parses Ts; the zero time is returned for malformed entries.
func (e Event) Timestamp() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.Ts)
	return t
}
