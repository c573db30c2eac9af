package event

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agiraph/internal/shared/logging"
)

// subscriberBuffer is the bounded live-delivery buffer per subscriber.
// Overflow drops the oldest buffered event; journaled events are never lost.
const subscriberBuffer = 256

var emittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agiraph_events_emitted_total",
		Help: "Events emitted per agent event type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(emittedTotal)
}

// Log is one agent's append-only journal. Emission assigns a monotonic
// sequence, appends to events.jsonl, and fans out to live subscribers
// without ever blocking on a slow one.
type Log struct {
	agentID string
	path    string
	logger  logging.Logger

	mu     sync.Mutex
	seq    uint64
	recent []Event
	subs   map[uint64]chan Event
	nextID uint64
	file   *os.File
}

// recentCap bounds the in-memory tail served by Recent.
const recentCap = 1024

// NewLog opens (or creates) the journal at dir/events.jsonl and restores the
// sequence counter from the existing tail.
func NewLog(agentID, dir string, logger logging.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "events.jsonl")

	l := &Log{
		agentID: agentID,
		path:    path,
		logger:  logging.OrNop(logger),
		subs:    make(map[uint64]chan Event),
	}
	if err := l.restore(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = file
	return l, nil
}

func (l *Log) restore() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			l.logger.Warn("skipping malformed journal line: %v", err)
			continue
		}
		if ev.Seq > l.seq {
			l.seq = ev.Seq
		}
		l.recent = append(l.recent, ev)
		if len(l.recent) > recentCap {
			l.recent = l.recent[len(l.recent)-recentCap:]
		}
	}
	return scanner.Err()
}

// Emit journals the event and delivers it to every live subscriber in
// emission order. It returns the assigned timestamp.
func (l *Log) Emit(typ Type, data map[string]any) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev := Event{
		Type:    typ,
		AgentID: l.agentID,
		Ts:      time.Now().UTC().Format(time.RFC3339Nano),
		Seq:     l.seq,
		Data:    data,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("marshal event %s: %v", typ, err)
		return ev.Ts
	}
	if l.file != nil {
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			l.logger.Error("append journal: %v", err)
		}
	}

	l.recent = append(l.recent, ev)
	if len(l.recent) > recentCap {
		l.recent = l.recent[len(l.recent)-recentCap:]
	}

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Buffer full: drop the oldest live event for this subscriber.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}

	emittedTotal.WithLabelValues(string(typ)).Inc()
	return ev.Ts
}

// Recent returns up to limit most recent events, oldest first.
func (l *Log) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.recent) {
		limit = len(l.recent)
	}
	out := make([]Event, limit)
	copy(out, l.recent[len(l.recent)-limit:])
	return out
}

// Subscribe registers a live subscriber. Delivery order matches emission
// order. Call the returned cancel function to unsubscribe.
func (l *Log) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan Event, subscriberBuffer)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close closes the journal file and all subscriptions.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
