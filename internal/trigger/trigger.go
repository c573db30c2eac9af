// Package trigger schedules time- and event-driven wakeups for one agent.
package trigger

import "time"

// Kind of trigger.
type Kind string

const (
	KindScheduled Kind = "scheduled" // cron expression
	KindDelayed   Kind = "delayed"   // fire once after a duration
	KindAtTime    Kind = "at_time"   // fire once at a wall-clock time
	KindHeartbeat Kind = "heartbeat" // fire forever at a fixed interval
	KindOnEvent   Kind = "on_event"  // fire on a matching event
	KindOnIdle    Kind = "on_idle"   // fire when the agent has been idle
)

// Status of a trigger.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
	StatusFired   Status = "fired"
)

// ActionKind selects what a firing trigger does.
type ActionKind string

const (
	ActionWakeAgent   ActionKind = "wake_agent"
	ActionRunNode     ActionKind = "run_node"
	ActionSendMessage ActionKind = "send_message"
)

// Action is dispatched each time the trigger fires.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Task    string     `json:"task,omitempty"`
	NodeID  string     `json:"node_id,omitempty"`
	To      string     `json:"to,omitempty"`
	Content string     `json:"content,omitempty"`
}

// Trigger is one registered wakeup rule.
type Trigger struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agent_id"`
	Kind     Kind           `json:"kind"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Action   Action         `json:"action"`
	Status   Status         `json:"status"`
	Created  time.Time      `json:"created_at"`
}

// Metadata keys per kind:
//
//	scheduled  "cron"              cron expression
//	delayed    "delay_seconds"     float seconds
//	at_time    "at"                RFC3339 timestamp
//	heartbeat  "interval_seconds"  float seconds
//	on_event   "event_type"        event type, "*" suffix matches a prefix
//	on_idle    "idle_seconds"      float seconds
