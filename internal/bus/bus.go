// Package bus implements typed, per-recipient message delivery between the
// human, the coordinator, and workers.
package bus

import (
	"sync"
	"time"

	"agiraph/internal/event"
	"agiraph/internal/shared/logging"
)

// Reserved participant ids.
const (
	Human       = "human"
	Coordinator = "coordinator"
	System      = "system"
	Broadcast   = "*"
)

// Message is free-form text from one participant to another.
type Message struct {
	From    string `json:"from_id"`
	To      string `json:"to_id"`
	Content string `json:"content"`
	Ts      string `json:"ts"`
}

// Bus holds one queue per registered recipient. Messages to an unknown
// recipient are journaled as message.undeliverable and dropped.
type Bus struct {
	log    *event.Log
	logger logging.Logger

	mu     sync.Mutex
	queues map[string][]Message
}

// New creates a bus with the coordinator queue pre-registered.
func New(log *event.Log, logger logging.Logger) *Bus {
	b := &Bus{
		log:    log,
		logger: logging.OrNop(logger),
		queues: make(map[string][]Message),
	}
	b.queues[Coordinator] = nil
	return b
}

// Register adds a recipient queue. Registering twice is a no-op.
func (b *Bus) Register(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[recipient]; !ok {
		b.queues[recipient] = nil
	}
}

// Unregister removes a recipient and discards its pending messages.
func (b *Bus) Unregister(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, recipient)
}

// Participants returns the registered recipient ids.
func (b *Bus) Participants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for name := range b.queues {
		out = append(out, name)
	}
	return out
}

// Send delivers content from one participant to another. An empty to routes
// to the coordinator; to == "*" broadcasts to every live non-sender. Each
// delivery emits message.sent.
func (b *Bus) Send(from, to, content string) {
	if to == "" {
		to = Coordinator
	}
	if to == Broadcast {
		b.broadcast(from, content)
		return
	}

	msg := Message{From: from, To: to, Content: content, Ts: now()}

	b.mu.Lock()
	_, known := b.queues[to]
	if known {
		b.queues[to] = append(b.queues[to], msg)
	}
	b.mu.Unlock()

	if !known {
		b.logger.Warn("undeliverable message from %s to unknown recipient %s", from, to)
		b.log.Emit(event.MessageUndeliverable, map[string]any{
			"from": from, "to": to, "content": content,
		})
		return
	}
	b.log.Emit(event.MessageSent, map[string]any{
		"from": from, "to": to, "content": content,
	})
}

// broadcast delivers to every registered recipient except the sender,
// emitting one message.sent per recipient.
func (b *Bus) broadcast(from, content string) {
	ts := now()

	b.mu.Lock()
	recipients := make([]string, 0, len(b.queues))
	for name := range b.queues {
		if name == from {
			continue
		}
		recipients = append(recipients, name)
		b.queues[name] = append(b.queues[name], Message{From: from, To: name, Content: content, Ts: ts})
	}
	b.mu.Unlock()

	for _, to := range recipients {
		b.log.Emit(event.MessageSent, map[string]any{
			"from": from, "to": to, "content": content, "broadcast": true,
		})
	}
}

// Receive drains and returns the recipient's pending messages in send order.
func (b *Bus) Receive(recipient string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[recipient]
	if len(msgs) == 0 {
		return nil
	}
	b.queues[recipient] = nil
	return msgs
}

// Peek returns the recipient's pending messages without draining.
func (b *Bus) Peek(recipient string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[recipient]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Pending reports how many messages await the recipient.
func (b *Bus) Pending(recipient string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[recipient])
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
