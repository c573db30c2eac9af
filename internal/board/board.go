// Package board tracks work nodes and their dependency graph for one agent.
package board

import (
	"sort"
	"sync"
	"time"

	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/shared/logging"
)

// Status of a work node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Node is one unit of work on the board.
type Node struct {
	ID             string            `json:"id"`
	Task           string            `json:"task"`
	Status         Status            `json:"status"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Refs           map[string]string `json:"refs,omitempty"`
	AssignedWorker string            `json:"assigned_worker,omitempty"`
	ParentNode     string            `json:"parent_node,omitempty"`
	Children       []string          `json:"children,omitempty"`
	RunID          string            `json:"run_id"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Board holds nodes and exposes readiness. It does not schedule; the
// coordinator and pool tick against it.
type Board struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	order  []string
	log    *event.Log
	logger logging.Logger
}

func New(log *event.Log, logger logging.Logger) *Board {
	return &Board{
		nodes:  make(map[string]*Node),
		log:    log,
		logger: logging.OrNop(logger),
	}
}

// Add inserts a node, rejecting dependency cycles. On rejection the board is
// unchanged. Dependencies on not-yet-created nodes are allowed; such nodes
// are simply not ready until the dependency exists and completes.
func (b *Board) Add(node *Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.nodes[node.ID]; exists {
		return &agerrors.InvalidDependencyError{NodeID: node.ID, Reason: "node id already on board"}
	}
	if err := b.checkCycle(node); err != nil {
		return err
	}

	if node.Status == "" {
		node.Status = StatusPending
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	b.nodes[node.ID] = node
	b.order = append(b.order, node.ID)
	if node.ParentNode != "" {
		if parent, ok := b.nodes[node.ParentNode]; ok {
			parent.Children = append(parent.Children, node.ID)
		}
	}

	b.log.Emit(event.NodeCreated, map[string]any{
		"node_id":      node.ID,
		"run_id":       node.RunID,
		"task":         node.Task,
		"dependencies": node.Dependencies,
		"parent_node":  node.ParentNode,
	})
	return nil
}

// checkCycle walks the dependency edges that would exist after adding node.
// Edges to unknown ids terminate the walk; a path back to node.ID is a cycle.
func (b *Board) checkCycle(node *Node) error {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == node.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		existing, ok := b.nodes[id]
		if !ok {
			return false
		}
		for _, dep := range existing.Dependencies {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	for _, dep := range node.Dependencies {
		if walk(dep) {
			return &agerrors.InvalidDependencyError{NodeID: node.ID, Dep: dep, Reason: "dependency cycle"}
		}
	}
	return nil
}

// Get returns a copy of the node, or nil.
func (b *Board) Get(id string) *Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[id]
	if !ok {
		return nil
	}
	clone := *node
	return &clone
}

// Ready returns pending nodes whose dependencies are all completed, oldest
// first. O(N+E).
func (b *Board) Ready() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Node
	for _, id := range b.order {
		node := b.nodes[id]
		if node.Status != StatusPending {
			continue
		}
		blocked := false
		for _, dep := range node.Dependencies {
			upstream, ok := b.nodes[dep]
			if !ok || upstream.Status != StatusCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			clone := *node
			out = append(out, &clone)
		}
	}
	return out
}

// ByStatus returns copies of all nodes with the given status, oldest first.
func (b *Board) ByStatus(status Status) []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Node
	for _, id := range b.order {
		if node := b.nodes[id]; node.Status == status {
			clone := *node
			out = append(out, &clone)
		}
	}
	return out
}

// All returns copies of every node, oldest first.
func (b *Board) All() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Node, 0, len(b.order))
	for _, id := range b.order {
		clone := *b.nodes[id]
		out = append(out, &clone)
	}
	return out
}

// SetStatus transitions a node. Unknown ids are ignored with a warning.
func (b *Board) SetStatus(id string, status Status) {
	b.mu.Lock()
	node, ok := b.nodes[id]
	if ok {
		node.Status = status
	}
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("board: set_status on unknown node %s", id)
	}
}

// TryAssign atomically moves a pending node to assigned. Returns false when
// the node is unknown or no longer pending.
func (b *Board) TryAssign(id, workerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	node, ok := b.nodes[id]
	if !ok || node.Status != StatusPending {
		return false
	}
	node.Status = StatusAssigned
	node.AssignedWorker = workerID
	return true
}

// Counts returns node counts per status.
func (b *Board) Counts() map[Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[Status]int)
	for _, node := range b.nodes {
		counts[node.Status]++
	}
	return counts
}

// Incomplete reports whether any node has not reached a terminal status.
func (b *Board) Incomplete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, node := range b.nodes {
		if node.Status != StatusCompleted && node.Status != StatusFailed {
			return true
		}
	}
	return false
}

// Summary renders a compact text view for prompts and context summaries.
func (b *Board) Summary() string {
	nodes := b.All()
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].CreatedAt.Before(nodes[j].CreatedAt) })
	if len(nodes) == 0 {
		return "(board empty)"
	}
	out := ""
	for _, node := range nodes {
		line := "- " + node.ID + " [" + string(node.Status) + "]"
		if node.AssignedWorker != "" {
			line += " worker=" + node.AssignedWorker
		}
		line += ": " + firstLine(node.Task) + "\n"
		out += line
	}
	return out
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
