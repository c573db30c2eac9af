package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agiraph/internal/board"
	"agiraph/internal/bus"
	"agiraph/internal/event"
	"agiraph/internal/shared/id"
	"agiraph/internal/shared/logging"
)

// Options wires the scheduler into the rest of the kernel.
type Options struct {
	// Tick kicks the work scheduler after a run_node action.
	Tick func()
	// Notify signals the coordinator's activity condition.
	Notify func()
	// LastActivity reports the agent's last yield-point or tool activity,
	// used by on_idle triggers.
	LastActivity func() time.Time
}

// Scheduler runs all triggers of one agent and persists them to
// triggers.json in the agent home.
type Scheduler struct {
	agentID string
	path    string
	bus     *bus.Bus
	board   *board.Board
	log     *event.Log
	logger  logging.Logger
	opts    Options

	mu       sync.Mutex
	triggers map[string]*Trigger
	cancels  map[string]chan struct{}
	cronIDs  map[string]cron.EntryID
	cron     *cron.Cron
	closed   bool
}

func NewScheduler(agentID, home string, b *bus.Bus, bd *board.Board, log *event.Log, logger logging.Logger, opts Options) *Scheduler {
	s := &Scheduler{
		agentID:  agentID,
		path:     filepath.Join(home, "triggers.json"),
		bus:      b,
		board:    bd,
		log:      log,
		logger:   logging.OrNop(logger),
		opts:     opts,
		triggers: make(map[string]*Trigger),
		cancels:  make(map[string]chan struct{}),
		cronIDs:  make(map[string]cron.EntryID),
		cron:     cron.New(),
	}
	s.cron.Start()
	s.restore()
	return s
}

// restore loads triggers.json and re-registers every active trigger.
func (s *Scheduler) restore() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var saved []*Trigger
	if err := json.Unmarshal(data, &saved); err != nil {
		s.logger.Warn("trigger: unreadable triggers.json: %v", err)
		return
	}
	for _, t := range saved {
		s.triggers[t.ID] = t
		if t.Status == StatusActive {
			if err := s.startDriver(t); err != nil {
				s.logger.Warn("trigger: cannot restart %s: %v", t.ID, err)
				t.Status = StatusExpired
			}
		}
	}
	s.logger.Info("trigger: restored %d triggers", len(saved))
}

// Create registers and starts a trigger.
func (s *Scheduler) Create(kind Kind, metadata map[string]any, action Action) (*Trigger, error) {
	t := &Trigger{
		ID:       id.NewTriggerID(),
		AgentID:  s.agentID,
		Kind:     kind,
		Metadata: metadata,
		Action:   action,
		Status:   StatusActive,
		Created:  time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("trigger scheduler closed")
	}
	if err := s.startDriver(t); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.triggers[t.ID] = t
	s.persistLocked()
	s.mu.Unlock()

	s.log.Emit(event.TriggerCreated, map[string]any{
		"trigger_id": t.ID,
		"kind":       string(kind),
		"action":     string(action.Kind),
		"metadata":   metadata,
	})
	return t, nil
}

// startDriver launches the driver for t. Caller holds the lock (or is the
// constructor, before the scheduler is shared).
func (s *Scheduler) startDriver(t *Trigger) error {
	switch t.Kind {
	case KindScheduled:
		expr, _ := t.Metadata["cron"].(string)
		if expr == "" {
			return fmt.Errorf("scheduled trigger needs a cron expression")
		}
		entryID, err := s.cron.AddFunc(expr, func() { s.fire(t.ID) })
		if err != nil {
			return fmt.Errorf("bad cron expression %q: %w", expr, err)
		}
		s.cronIDs[t.ID] = entryID
		return nil

	case KindDelayed:
		delay := metadataSeconds(t.Metadata, "delay_seconds")
		if delay <= 0 {
			return fmt.Errorf("delayed trigger needs delay_seconds > 0")
		}
		return s.runOnce(t.ID, time.Now().Add(delay))

	case KindAtTime:
		raw, _ := t.Metadata["at"].(string)
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("bad at_time %q: %w", raw, err)
		}
		return s.runOnce(t.ID, at)

	case KindHeartbeat:
		interval := metadataSeconds(t.Metadata, "interval_seconds")
		if interval <= 0 {
			return fmt.Errorf("heartbeat trigger needs interval_seconds > 0")
		}
		stop := s.cancelCh(t.ID)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.fire(t.ID)
				case <-stop:
					return
				}
			}
		}()
		return nil

	case KindOnEvent:
		pattern, _ := t.Metadata["event_type"].(string)
		if pattern == "" {
			return fmt.Errorf("on_event trigger needs event_type")
		}
		stop := s.cancelCh(t.ID)
		events, cancel := s.log.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					if matchEventType(pattern, string(ev.Type)) {
						s.fire(t.ID)
					}
				case <-stop:
					return
				}
			}
		}()
		return nil

	case KindOnIdle:
		threshold := metadataSeconds(t.Metadata, "idle_seconds")
		if threshold <= 0 {
			return fmt.Errorf("on_idle trigger needs idle_seconds > 0")
		}
		if s.opts.LastActivity == nil {
			return fmt.Errorf("on_idle trigger needs activity tracking")
		}
		stop := s.cancelCh(t.ID)
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			baseline := time.Time{}
			for {
				select {
				case <-ticker.C:
					last := s.opts.LastActivity()
					if last.Before(baseline) {
						last = baseline
					}
					if time.Since(last) >= threshold {
						s.fire(t.ID)
						baseline = time.Now()
					}
				case <-stop:
					return
				}
			}
		}()
		return nil

	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

func (s *Scheduler) runOnce(triggerID string, at time.Time) error {
	stop := s.cancelCh(triggerID)
	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			s.fire(triggerID)
			s.expire(triggerID)
		case <-stop:
		}
	}()
	return nil
}

func (s *Scheduler) cancelCh(triggerID string) chan struct{} {
	ch := make(chan struct{})
	s.cancels[triggerID] = ch
	return ch
}

// fire dispatches the trigger's action.
func (s *Scheduler) fire(triggerID string) {
	s.mu.Lock()
	t, ok := s.triggers[triggerID]
	if !ok || t.Status != StatusActive || s.closed {
		s.mu.Unlock()
		return
	}
	action := t.Action
	kind := t.Kind
	s.mu.Unlock()

	s.log.Emit(event.TriggerFired, map[string]any{
		"trigger_id": triggerID,
		"kind":       string(kind),
		"action":     string(action.Kind),
	})

	switch action.Kind {
	case ActionWakeAgent:
		s.bus.Send(bus.System, bus.Coordinator, action.Task)
	case ActionRunNode:
		s.board.SetStatus(action.NodeID, board.StatusPending)
		if s.opts.Tick != nil {
			s.opts.Tick()
		}
	case ActionSendMessage:
		s.bus.Send(bus.System, action.To, action.Content)
	default:
		s.logger.Warn("trigger %s: unknown action %q", triggerID, action.Kind)
	}
	if s.opts.Notify != nil {
		s.opts.Notify()
	}
}

func (s *Scheduler) expire(triggerID string) {
	s.mu.Lock()
	if t, ok := s.triggers[triggerID]; ok && t.Status == StatusActive {
		t.Status = StatusExpired
		s.persistLocked()
	}
	s.mu.Unlock()
}

// Pause stops a trigger's driver without discarding it. A paused trigger
// does not fire and is not restarted on restore until resumed.
func (s *Scheduler) Pause(triggerID string) bool {
	s.mu.Lock()
	t, ok := s.triggers[triggerID]
	if !ok || t.Status != StatusActive {
		s.mu.Unlock()
		return false
	}
	t.Status = StatusPaused
	s.stopDriverLocked(triggerID)
	s.persistLocked()
	s.mu.Unlock()

	s.log.Emit(event.TriggerPaused, map[string]any{"trigger_id": triggerID})
	return true
}

// Resume restarts a paused trigger. One-shot timers are rescheduled from
// now, cron and interval drivers pick up their normal cadence.
func (s *Scheduler) Resume(triggerID string) bool {
	s.mu.Lock()
	t, ok := s.triggers[triggerID]
	if !ok || t.Status != StatusPaused || s.closed {
		s.mu.Unlock()
		return false
	}
	if err := s.startDriver(t); err != nil {
		s.mu.Unlock()
		s.logger.Warn("trigger: cannot resume %s: %v", triggerID, err)
		return false
	}
	t.Status = StatusActive
	s.persistLocked()
	s.mu.Unlock()

	s.log.Emit(event.TriggerResumed, map[string]any{"trigger_id": triggerID})
	return true
}

// Cancel stops a trigger and marks it expired.
func (s *Scheduler) Cancel(triggerID string) bool {
	s.mu.Lock()
	t, ok := s.triggers[triggerID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t.Status = StatusExpired
	s.stopDriverLocked(triggerID)
	s.persistLocked()
	s.mu.Unlock()

	s.log.Emit(event.TriggerCancelled, map[string]any{"trigger_id": triggerID})
	return true
}

// List returns copies of all triggers.
func (s *Scheduler) List() []*Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		clone := *t
		out = append(out, &clone)
	}
	return out
}

// Close stops every driver. Triggers stay persisted for the next start.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for triggerID := range s.cancels {
		s.stopDriverLocked(triggerID)
	}
	s.mu.Unlock()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) stopDriverLocked(triggerID string) {
	if ch, ok := s.cancels[triggerID]; ok {
		close(ch)
		delete(s.cancels, triggerID)
	}
	if entryID, ok := s.cronIDs[triggerID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, triggerID)
	}
}

func (s *Scheduler) persistLocked() {
	out := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		s.logger.Warn("trigger: persist marshal: %v", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Warn("trigger: persist write: %v", err)
	}
}

func metadataSeconds(metadata map[string]any, key string) time.Duration {
	switch v := metadata[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

// matchEventType supports exact matches and a trailing-* prefix match
// ("node.*" matches "node.completed").
func matchEventType(pattern, eventType string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == eventType
}
