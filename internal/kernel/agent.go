// Package kernel composes one agent's board, pool, bus, event log, triggers
// and coordinator, and exposes the lifecycle API the server layer uses.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/config"
	"agiraph/internal/coordinator"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/llm"
	"agiraph/internal/pool"
	"agiraph/internal/scope"
	"agiraph/internal/shared/id"
	"agiraph/internal/shared/logging"
	"agiraph/internal/tool"
	"agiraph/internal/trigger"
	"agiraph/internal/worker"
)

// Agent is one live agent: its state tree on disk plus the task group
// running its loops.
type Agent struct {
	ID        string
	Goal      string
	Mode      string
	Model     string
	CreatedAt time.Time
	Home      string

	cfg      *config.Config
	logger   logging.Logger
	store    *scope.Store
	log      *event.Log
	bus      *bus.Bus
	board    *board.Board
	pool     *pool.Pool
	triggers *trigger.Scheduler
	coord    *coordinator.Coordinator
	registry *tool.Registry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu           sync.Mutex
	status       string
	runID        string
	lastActivity time.Time
	clients      map[string]llm.Client
	question     string
	answers      chan string
}

// newClient builds provider clients. Swapped out in tests.
var newClient = llm.New

// Options for NewAgent. Zero values take the configured defaults.
type Options struct {
	ID    string
	Goal  string
	Mode  string
	Model string
}

// NewAgent builds (or reopens) an agent home under cfg.Home and wires every
// component. The coordinator does not run until Start.
func NewAgent(cfg *config.Config, opts Options, logger logging.Logger) (*Agent, error) {
	if opts.Goal == "" {
		return nil, fmt.Errorf("agent needs a goal")
	}
	if opts.ID == "" {
		opts.ID = id.NewAgentID()
	}
	if opts.Mode == "" {
		opts.Mode = coordinator.ModeFinite
	}
	if opts.Model == "" {
		opts.Model = "anthropic/claude-sonnet-4-5"
	}
	logger = logging.OrNop(logger)

	home := filepath.Join(cfg.Home, opts.ID)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, err
	}
	log, err := event.NewLog(opts.ID, home, logger)
	if err != nil {
		return nil, err
	}
	store, err := scope.New(home, log, logger)
	if err != nil {
		log.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	a := &Agent{
		ID:        opts.ID,
		Goal:      opts.Goal,
		Mode:      opts.Mode,
		Model:     opts.Model,
		CreatedAt: time.Now(),
		Home:      home,
		cfg:       cfg,
		logger:    logger,
		store:     store,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		status:    coordinator.StatusIdle,
		clients:   make(map[string]llm.Client),
		answers:   make(chan string, 1),
	}

	a.bus = bus.New(log, logger)
	a.bus.Register(bus.Human)
	a.board = board.New(log, logger)

	a.runID = id.NewRunID()
	store.RunPath(a.runID)

	a.triggers = trigger.NewScheduler(a.ID, home, a.bus, a.board, log, logger, trigger.Options{
		Tick:         func() { a.pool.Tick() },
		Notify:       func() { a.coord.Notify() },
		LastActivity: a.LastActivity,
	})

	a.registry = tool.NewRegistry(logger)
	tool.RegisterBuiltins(a.registry)

	a.pool = pool.New(a.runID, ctx, a.board, store, log, logger, a.executorFor, func() {
		if a.coord != nil {
			a.coord.Notify()
		}
	})

	client, err := newClient(opts.Model, cfg, logger)
	if err != nil {
		cancel()
		log.Close()
		return nil, err
	}
	a.coord = coordinator.New(a.deps(), client, a.pool, opts.Goal, opts.Mode)
	a.coord.OnStatus = a.setStatus

	a.seedIdentity()
	a.persistMeta()
	return a, nil
}

// persistMeta writes agent.json so a restart can reconstruct the agent.
func (a *Agent) persistMeta() {
	meta, err := json.MarshalIndent(map[string]any{
		"id":         a.ID,
		"goal":       a.Goal,
		"mode":       a.Mode,
		"model":      a.Model,
		"created_at": a.CreatedAt.Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(a.Home, "agent.json"), meta, 0o644); err != nil {
		a.logger.Warn("agent %s: persist meta: %v", a.ID, err)
	}
}

func (a *Agent) deps() worker.Deps {
	return worker.Deps{
		AgentID:  a.ID,
		RunID:    a.runID,
		Store:    a.store,
		Bus:      a.bus,
		Log:      a.log,
		Board:    a.board,
		Registry: a.registry,
		Triggers: a.triggers,
		Runtime:  a,
		Config:   a.cfg,
		Logger:   a.logger,
		Touch:    a.touch,
	}
}

// seedIdentity writes the identity files a fresh agent home starts with.
func (a *Agent) seedIdentity() {
	agentScope := a.store.AgentScope()
	seeds := map[string]string{
		"SOUL.md":   fmt.Sprintf("# %s\n\nA coordinator-led multi-agent team.\n", a.ID),
		"GOAL.md":   a.Goal + "\n",
		"MEMORY.md": "# Memory\n\nSee memory/ for topical files.\n",
	}
	for name, content := range seeds {
		if _, err := os.Stat(filepath.Join(a.Home, name)); err == nil {
			continue
		}
		if err := a.store.Write(agentScope, name, []byte(content)); err != nil {
			a.logger.Warn("agent %s: seed %s: %v", a.ID, name, err)
		}
	}
	_ = os.MkdirAll(filepath.Join(a.Home, "memory"), 0o755)
}

// Start launches the coordinator loop.
func (a *Agent) Start() {
	a.log.Emit(event.AgentStarted, map[string]any{
		"goal":  a.Goal,
		"mode":  a.Mode,
		"model": a.Model,
	})
	a.group.Go(func() error {
		err := a.coord.Run(a.ctx)
		if err != nil && !agerrors.IsCancelled(err) {
			a.logger.Error("agent %s: coordinator exited: %v", a.ID, err)
		}
		return nil
	})
}

// SendMessage enqueues a human message. An empty to routes to the
// coordinator; "*" broadcasts. Human messages to the coordinator are
// accepted here and journaled by the loop at its next yield point.
func (a *Agent) SendMessage(to, content string) {
	if to == "" {
		to = bus.Coordinator
	}
	if to == bus.Coordinator || to == bus.Broadcast {
		a.coord.AppendHuman(content)
	}
	a.bus.Send(bus.Human, to, content)
	a.coord.Notify()
}

// Respond feeds the answer to a pending ask_human question.
func (a *Agent) Respond(response string) error {
	a.mu.Lock()
	pending := a.question != ""
	a.question = ""
	a.mu.Unlock()
	if !pending {
		return fmt.Errorf("no pending question")
	}
	a.log.Emit(event.HumanResponse, map[string]any{"response": response})
	select {
	case a.answers <- response:
	default:
	}
	return nil
}

// Stop cancels all running workers and parks the coordinator with its
// context preserved.
func (a *Agent) Stop() {
	a.pool.StopAll()
	a.coord.RequestStop()
}

// Delete tears the agent down. The on-disk tree is removed by the registry.
func (a *Agent) Delete() {
	a.cancel()
	_ = a.group.Wait()
	a.triggers.Close()
	a.log.Close()
}

func (a *Agent) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// LastActivity reports the last yield-point drain or tool call.
func (a *Agent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

func (a *Agent) setStatus(status string) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// Status returns the agent status.
func (a *Agent) Status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Summary is the read-only view served over HTTP.
type Summary struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Mode      string    `json:"mode"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
	RunID     string    `json:"run_id"`
	Question  string    `json:"pending_question,omitempty"`
}

func (a *Agent) Summary() Summary {
	a.mu.Lock()
	question := a.question
	a.mu.Unlock()
	return Summary{
		ID:        a.ID,
		Goal:      a.Goal,
		Mode:      a.Mode,
		Model:     a.Model,
		Status:    a.Status(),
		CreatedAt: a.CreatedAt,
		Path:      a.Home,
		RunID:     a.runID,
		Question:  question,
	}
}

// Views used by the server layer.

func (a *Agent) Board() *board.Board              { return a.board }
func (a *Agent) Pool() *pool.Pool                 { return a.pool }
func (a *Agent) Events() *event.Log               { return a.log }
func (a *Agent) Store() *scope.Store              { return a.store }
func (a *Agent) Triggers() *trigger.Scheduler     { return a.triggers }
func (a *Agent) Conversation() []llm.Message      { return a.coord.Conversation() }
func (a *Agent) RunID() string                    { return a.runID }

// executorFor builds the executor matching a worker's type. Autonomous
// commands invoking the claude CLI get the stream-JSON bridge.
func (a *Agent) executorFor(w *pool.Worker) pool.Executor {
	deps := a.deps()
	if w.Type == pool.TypeAutonomous {
		head := strings.Fields(w.AgentCommand)
		if len(head) > 0 && filepath.Base(head[0]) == "claude" {
			return worker.NewClaudeCode(deps)
		}
		return worker.NewAutonomous(deps)
	}
	return worker.NewHarnessed(deps, a.clientFor(w))
}

func (a *Agent) clientFor(w *pool.Worker) llm.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[w.ID]; ok {
		return client
	}
	model := w.Model
	if model == "" {
		model = a.Model
	}
	client, err := newClient(model, a.cfg, a.logger)
	if err != nil {
		// Spawn validated the model; this is a fallback for restored state.
		a.logger.Error("agent %s: client for %s: %v", a.ID, w.Name, err)
		client = llm.NewScripted("unconfigured",
			llm.ScriptStep{Err: agerrors.NewProviderError(model, 401, fmt.Errorf("no client available"))})
	}
	a.clients[w.ID] = client
	return client
}

// tool.Runtime implementation.

// CreateNode adds a node to the board and synchronously kicks the
// scheduler so no yield intervenes between creation and pairing.
func (a *Agent) CreateNode(task string, dependencies []string, parentNode string) (string, error) {
	node := &board.Node{
		ID:           id.NewNodeID(),
		Task:         task,
		Dependencies: dependencies,
		ParentNode:   parentNode,
		RunID:        a.runID,
	}
	if err := a.board.Add(node); err != nil {
		return "", err
	}
	nodeScope := a.store.NodeScope(a.runID, node.ID)
	if err := a.store.Write(nodeScope, "_spec.md", []byte(task)); err != nil {
		a.logger.Warn("agent %s: node spec write: %v", a.ID, err)
	}
	a.pool.Tick()
	return node.ID, nil
}

func (a *Agent) SpawnWorker(name, role, workerType, model, agentCommand string, capabilities []string) (string, error) {
	if model == "" {
		model = a.Model
	}
	if len(capabilities) == 0 {
		capabilities = tool.WorkerToolNames()
	}
	w, err := a.pool.Spawn(pool.Spec{
		Name:         name,
		Role:         role,
		Type:         pool.Type(workerType),
		Model:        model,
		AgentCommand: agentCommand,
		Capabilities: capabilities,
	})
	if err != nil {
		return "", err
	}
	if w.Type == pool.TypeHarnessed {
		client, err := newClient(model, a.cfg, a.logger)
		if err != nil {
			a.pool.Retire(w.ID)
			return "", err
		}
		a.mu.Lock()
		a.clients[w.ID] = client
		a.mu.Unlock()
	}
	a.bus.Register(w.Name)
	a.pool.Tick()
	return w.ID, nil
}

func (a *Agent) AssignWorker(nodeID, workerID string) error {
	return a.pool.Assign(nodeID, workerID)
}

// Reconvene closes the current stage: broadcast the note and mark the
// boundary on the event log before the next stage opens.
func (a *Agent) Reconvene(note string) error {
	a.log.Emit(event.StageCompleted, map[string]any{"note": note})
	a.log.Emit(event.StageReconvened, map[string]any{"note": note})
	a.bus.Send(bus.Coordinator, bus.Broadcast, "[Reconvene] "+note)
	a.log.Emit(event.StageStarted, map[string]any{"note": note})
	return nil
}

func (a *Agent) FinishAgent(summary string) error {
	a.coord.Finish(summary)
	return nil
}

// AskHuman blocks the caller until the human responds or the context is
// cancelled.
func (a *Agent) AskHuman(ctx context.Context, question string) (string, error) {
	a.mu.Lock()
	if a.question != "" {
		a.mu.Unlock()
		return "", fmt.Errorf("another question is already pending")
	}
	a.question = question
	a.mu.Unlock()

	a.log.Emit(event.HumanQuestion, map[string]any{"question": question})
	prior := a.Status()
	a.setStatus(coordinator.StatusWaitingForHuman)
	defer a.setStatus(prior)

	select {
	case answer := <-a.answers:
		return answer, nil
	case <-ctx.Done():
		a.mu.Lock()
		a.question = ""
		a.mu.Unlock()
		return "", agerrors.ErrCancelled
	}
}
