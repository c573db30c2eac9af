package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agiraph/internal/config"
	"agiraph/internal/shared/logging"
)

// Registry is the process-wide map of live agents. Each agent runs on its
// own task group; agents never share in-memory state.
type Registry struct {
	cfg    *config.Config
	logger logging.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewRegistry(cfg *config.Config, logger logging.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logging.OrNop(logger),
		agents: make(map[string]*Agent),
	}
}

// Start creates and launches a new agent.
func (r *Registry) Start(opts Options) (*Agent, error) {
	a, err := NewAgent(r.cfg, opts, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		a.Delete()
		return nil, fmt.Errorf("agent %s already running", a.ID)
	}
	r.agents[a.ID] = a
	r.mu.Unlock()

	a.Start()
	r.logger.Info("registry: started agent %s (%s)", a.ID, a.Mode)
	return a, nil
}

// Restore scans the home directory and relaunches every agent that has a
// persisted agent.json. Triggers re-register through the scheduler; the
// coordinator parks on its preserved conversation until activity arrives.
func (r *Registry) Restore() {
	entries, err := os.ReadDir(r.cfg.Home)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(r.cfg.Home, entry.Name(), "agent.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta struct {
			ID        string `json:"id"`
			Goal      string `json:"goal"`
			Mode      string `json:"mode"`
			Model     string `json:"model"`
			CreatedAt string `json:"created_at"`
		}
		if err := json.Unmarshal(data, &meta); err != nil || meta.ID == "" {
			r.logger.Warn("registry: unreadable %s: %v", metaPath, err)
			continue
		}
		a, err := r.Start(Options{ID: meta.ID, Goal: meta.Goal, Mode: meta.Mode, Model: meta.Model})
		if err != nil {
			r.logger.Warn("registry: cannot restore %s: %v", meta.ID, err)
			continue
		}
		if created, err := time.Parse(time.RFC3339Nano, meta.CreatedAt); err == nil {
			a.CreatedAt = created
		}
		r.logger.Info("registry: restored agent %s", meta.ID)
	}
}

// Get returns a live agent.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// List returns summaries of every live agent, oldest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stop cooperatively stops an agent, preserving its context.
func (r *Registry) Stop(agentID string) error {
	a, ok := r.Get(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	a.Stop()
	return nil
}

// Delete stops an agent and removes it and its directory.
func (r *Registry) Delete(agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	a.Delete()
	if err := os.RemoveAll(a.Home); err != nil {
		return fmt.Errorf("remove %s: %w", a.Home, err)
	}
	r.logger.Info("registry: deleted agent %s", agentID)
	return nil
}

// Close stops every agent without deleting state.
func (r *Registry) Close() {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()
	for _, a := range agents {
		a.Delete()
	}
}
