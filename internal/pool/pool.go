// Package pool manages the worker pool and pairs ready nodes with idle
// workers.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agiraph/internal/board"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/scope"
	"agiraph/internal/shared/id"
	"agiraph/internal/shared/logging"
)

// Status of a worker.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusBusy            Status = "busy"
	StatusWaitingForHuman Status = "waiting_for_human"
	StatusStopped         Status = "stopped"
)

// Type of worker executor.
type Type string

const (
	TypeHarnessed  Type = "harnessed"
	TypeAutonomous Type = "autonomous"
)

// Worker is the pool's record of one executor.
type Worker struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         Type     `json:"type"`
	Role         string   `json:"role"`
	Model        string   `json:"model,omitempty"`
	AgentCommand string   `json:"agent_command,omitempty"`
	Status       Status   `json:"status"`
	Capabilities []string `json:"capabilities,omitempty"`
	CurrentNode  string   `json:"current_node,omitempty"`

	lastIdle time.Time
}

// Spec describes a worker to spawn.
type Spec struct {
	Name         string
	Type         Type
	Role         string
	Model        string
	AgentCommand string
	Capabilities []string
}

// Executor runs one node on one worker. Implementations handle their own
// failure journaling; the returned error only steers node status.
type Executor interface {
	Execute(ctx context.Context, w *Worker, node *board.Node) error
}

// ExecutorFactory builds the executor matching a worker's type.
type ExecutorFactory func(w *Worker) Executor

// Pool owns the workers of one run.
type Pool struct {
	runID     string
	board     *board.Board
	store     *scope.Store
	log       *event.Log
	logger    logging.Logger
	executors ExecutorFactory
	// notify signals the coordinator's activity condition on any worker
	// status change.
	notify func()

	mu      sync.Mutex
	workers map[string]*Worker
	byName  map[string]string
	cancels map[string]context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(runID string, baseCtx context.Context, bd *board.Board, store *scope.Store, log *event.Log, logger logging.Logger, executors ExecutorFactory, notify func()) *Pool {
	if notify == nil {
		notify = func() {}
	}
	return &Pool{
		runID:     runID,
		board:     bd,
		store:     store,
		log:       log,
		logger:    logging.OrNop(logger),
		executors: executors,
		notify:    notify,
		workers:   make(map[string]*Worker),
		byName:    make(map[string]string),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
	}
}

// Spawn creates a worker, writes its identity file and adds it to the pool.
func (p *Pool) Spawn(spec Spec) (*Worker, error) {
	if spec.Type == "" {
		spec.Type = TypeHarnessed
	}
	if spec.Type == TypeAutonomous && spec.AgentCommand == "" {
		return nil, fmt.Errorf("autonomous worker needs an agent_command")
	}

	w := &Worker{
		ID:           id.NewWorkerID(),
		Name:         spec.Name,
		Type:         spec.Type,
		Role:         spec.Role,
		Model:        spec.Model,
		AgentCommand: spec.AgentCommand,
		Status:       StatusIdle,
		Capabilities: spec.Capabilities,
		lastIdle:     time.Now(),
	}
	if w.Name == "" {
		w.Name = w.ID
	}

	p.mu.Lock()
	if _, taken := p.byName[w.Name]; taken {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker name %q already in use", w.Name)
	}
	p.workers[w.ID] = w
	p.byName[w.Name] = w.ID
	p.mu.Unlock()

	identity := fmt.Sprintf("# %s\n\nRole: %s\nType: %s\n", w.Name, w.Role, w.Type)
	workerScope := p.store.WorkerScope(p.runID, w.ID)
	if err := p.store.Write(workerScope, "identity.md", []byte(identity)); err != nil {
		p.logger.Warn("pool: identity write for %s: %v", w.ID, err)
	}

	p.log.Emit(event.WorkerSpawned, map[string]any{
		"worker_id": w.ID,
		"name":      w.Name,
		"type":      string(w.Type),
		"role":      w.Role,
	})
	p.notify()
	clone := *w
	return &clone, nil
}

// Resolve maps a worker id or name to the id.
func (p *Pool) Resolve(ref string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[ref]; ok {
		return ref, true
	}
	workerID, ok := p.byName[ref]
	return workerID, ok
}

// IdleWorkers returns idle workers, least-recently-used first.
func (p *Pool) IdleWorkers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleLocked()
}

func (p *Pool) idleLocked() []*Worker {
	var idle []*Worker
	for _, w := range p.workers {
		if w.Status == StatusIdle {
			clone := *w
			idle = append(idle, &clone)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].lastIdle.Before(idle[j].lastIdle) })
	return idle
}

// Workers returns copies of every worker, stable by name.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		clone := *w
		out = append(out, &clone)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the message addresses of all live workers.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, w := range p.workers {
		if w.Status != StatusStopped {
			names = append(names, w.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Assign pairs a node with a worker and launches the executor on its own
// goroutine. The status flips are atomic under the pool lock.
func (p *Pool) Assign(nodeID, workerRef string) error {
	workerID, ok := p.Resolve(workerRef)
	if !ok {
		return fmt.Errorf("unknown worker %q", workerRef)
	}
	node := p.board.Get(nodeID)
	if node == nil {
		return fmt.Errorf("unknown node %q", nodeID)
	}

	p.mu.Lock()
	w := p.workers[workerID]
	if w.Status != StatusIdle {
		p.mu.Unlock()
		return fmt.Errorf("worker %s is %s", w.Name, w.Status)
	}
	if !p.board.TryAssign(nodeID, workerID) {
		p.mu.Unlock()
		return fmt.Errorf("node %s is not pending", nodeID)
	}
	w.Status = StatusBusy
	w.CurrentNode = nodeID
	execCtx, cancel := context.WithCancel(p.baseCtx)
	p.cancels[workerID] = cancel
	snapshot := *w
	p.mu.Unlock()

	p.log.Emit(event.NodeAssigned, map[string]any{"node_id": nodeID, "worker_id": workerID})
	p.log.Emit(event.WorkerBusy, map[string]any{"worker_id": workerID, "node_id": nodeID})

	p.wg.Add(1)
	go p.run(execCtx, &snapshot, nodeID)
	return nil
}

func (p *Pool) run(ctx context.Context, w *Worker, nodeID string) {
	defer p.wg.Done()

	node := p.board.Get(nodeID)
	p.board.SetStatus(nodeID, board.StatusRunning)
	p.log.Emit(event.NodeStarted, map[string]any{"node_id": nodeID, "worker_id": w.ID})
	p.log.Emit(event.WorkerLaunched, map[string]any{"worker_id": w.ID, "node_id": nodeID})

	err := p.executors(w).Execute(ctx, w, node)

	p.mu.Lock()
	live := p.workers[w.ID]
	delete(p.cancels, w.ID)
	cancelled := agerrors.IsCancelled(err)
	switch {
	case err == nil:
		p.board.SetStatus(nodeID, board.StatusCompleted)
	case cancelled:
		// Mid-execution cancellation fails the node but is never reported
		// as a worker failure.
		p.board.SetStatus(nodeID, board.StatusFailed)
	default:
		p.board.SetStatus(nodeID, board.StatusFailed)
	}
	live.Status = StatusIdle
	live.CurrentNode = ""
	live.lastIdle = time.Now()
	p.mu.Unlock()

	if cancelled {
		p.log.Emit(event.WorkerStopped, map[string]any{"worker_id": w.ID, "node_id": nodeID, "reason": "cancelled"})
	} else {
		if err != nil {
			p.logger.Warn("pool: node %s failed on %s: %v", nodeID, w.Name, err)
		}
		p.log.Emit(event.WorkerIdle, map[string]any{"worker_id": w.ID})
	}

	p.notify()
	p.Tick()
}

// Tick pairs the current ready set with the idle set: oldest node first,
// least-recently-used worker first.
func (p *Pool) Tick() {
	ready := p.board.Ready()
	if len(ready) == 0 {
		return
	}
	idle := p.IdleWorkers()
	for i, node := range ready {
		if i >= len(idle) {
			return
		}
		if err := p.Assign(node.ID, idle[i].ID); err != nil {
			p.logger.Debug("pool: tick assign %s: %v", node.ID, err)
		}
	}
}

// StopAll cancels every running executor and waits for them to unwind.
func (p *Pool) StopAll() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Retire marks a worker stopped; it no longer receives assignments.
func (p *Pool) Retire(workerRef string) {
	workerID, ok := p.Resolve(workerRef)
	if !ok {
		return
	}
	p.mu.Lock()
	w := p.workers[workerID]
	if cancel, running := p.cancels[workerID]; running {
		cancel()
	}
	w.Status = StatusStopped
	p.mu.Unlock()
	p.log.Emit(event.WorkerStopped, map[string]any{"worker_id": workerID, "reason": "retired"})
	p.notify()
}

// BusyCount reports how many workers are currently executing.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Status == StatusBusy {
			n++
		}
	}
	return n
}
