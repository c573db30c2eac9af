// Package worker implements the node executors: the harnessed ReAct loop
// and the autonomous subprocess bridge.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"agiraph/internal/llm"
	"agiraph/internal/shared/logging"
)

// Conversation is an append-only message history backed by a JSONL file.
// Every appended message is journaled immediately so a process restart can
// reconstruct the full history. Safe for concurrent use: the HTTP surface
// reads the history while the owning loop is mid-turn.
type Conversation struct {
	mu       sync.Mutex
	path     string
	messages []llm.Message
	logger   logging.Logger
}

// LoadConversation opens (or creates) the conversation at path and replays
// any existing lines.
func LoadConversation(path string, logger logging.Logger) *Conversation {
	c := &Conversation{path: path, logger: logging.OrNop(logger)}
	f, err := os.Open(path)
	if err != nil {
		return c
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.logger.Warn("conversation: skipping unreadable line in %s: %v", path, err)
			continue
		}
		c.messages = append(c.messages, msg)
	}
	return c
}

// Append adds a message and journals it.
func (c *Conversation) Append(msg llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(msg)
}

func (c *Conversation) appendLocked(msg llm.Message) {
	if msg.Ts == "" {
		msg.Ts = time.Now().Format(time.RFC3339Nano)
	}
	c.messages = append(c.messages, msg)
	c.journal(msg)
}

func (c *Conversation) journal(msg llm.Message) {
	if c.path == "" {
		return
	}
	line, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("conversation: marshal: %v", err)
		return
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.logger.Warn("conversation: open %s: %v", c.path, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		c.logger.Warn("conversation: write: %v", err)
	}
}

// Messages returns a snapshot of the history.
func (c *Conversation) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// EstimateTokens approximates the token count of the history plus the
// system prompt.
func (c *Conversation) EstimateTokens(system string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := estimateTokens(system)
	for _, msg := range c.messages {
		total += estimateTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Args)
			total += estimateTokens(call.Name) + estimateTokens(string(args))
		}
		// Raw provider blocks carry search results that count against the
		// window but are not mirrored in Content.
		if len(msg.ContentBlocks) > 0 && msg.Content == "" {
			raw, _ := json.Marshal(msg.ContentBlocks)
			total += estimateTokens(string(raw))
		}
		total += 4
	}
	return total
}

var encoding *tiktoken.Tiktoken

func init() {
	// Offline fallback below keeps estimation working when the BPE data
	// cannot be loaded.
	encoding, _ = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// Compact archives the current history and rebuilds it as: a reconstruction
// note derived from the worker's files, then the last keepTurns messages.
// The archive is never deleted.
func (c *Conversation) Compact(reconstruction string, keepTurns int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keepTurns <= 0 {
		keepTurns = 6
	}
	if len(c.messages) <= keepTurns+1 {
		return nil
	}

	if c.path != "" {
		archive := fmt.Sprintf("%s.pre_compact.%s", c.path, time.Now().Format("20060102T150405"))
		if err := os.Rename(c.path, archive); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archive conversation: %w", err)
		}
	}

	tail := append([]llm.Message(nil), c.messages[len(c.messages)-keepTurns:]...)
	// Never start the tail on a tool result: its assistant turn was cut.
	for len(tail) > 0 && tail[0].Role == "tool" {
		tail = tail[1:]
	}

	c.messages = nil
	c.appendLocked(llm.Message{
		Role:    "user",
		Content: "[Context compacted. Reconstructed from your files:]\n" + reconstruction,
	})
	for _, msg := range tail {
		c.appendLocked(msg)
	}
	return nil
}

// Reconstruction builds the compaction note from the files visible in dir.
func Reconstruction(task, dir string) string {
	var sb strings.Builder
	sb.WriteString("Task:\n" + task + "\n\nFiles in your directory:\n")
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		fmt.Fprintf(&sb, "- %s (%d bytes)\n", rel, info.Size())
		return nil
	})
	return sb.String()
}
