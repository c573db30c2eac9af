// Package scope owns the on-disk layout of an agent and enforces read/write
// scoping for all file tools.
package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/shared/logging"
)

// Scope identifies one directory subtree with its own permissions.
type Scope struct {
	// Kind is one of "agent", "run", "node", "worker".
	Kind string
	// Root is the absolute directory of the scope.
	Root string
}

// previewLimit bounds the content preview carried by file.written events.
const previewLimit = 512

// Store resolves scope-relative paths under one agent home and journals
// every successful write.
type Store struct {
	home   string
	log    *event.Log
	logger logging.Logger
}

// New creates a store rooted at the agent's home directory.
func New(home string, log *event.Log, logger logging.Logger) (*Store, error) {
	abs, err := filepath.Abs(home)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{home: abs, log: log, logger: logging.OrNop(logger)}, nil
}

// AgentPath returns the agent home directory.
func (s *Store) AgentPath() string { return s.home }

// RunPath returns (and creates) the directory of one run.
func (s *Store) RunPath(runID string) string {
	p := filepath.Join(s.home, "runs", runID)
	_ = os.MkdirAll(filepath.Join(p, "_messages"), 0o755)
	return p
}

// NodeDir returns (and creates) a node's directory with its fixed layout.
func (s *Store) NodeDir(runID, nodeID string) string {
	p := filepath.Join(s.RunPath(runID), "nodes", nodeID)
	_ = os.MkdirAll(filepath.Join(p, "scratch"), 0o755)
	_ = os.MkdirAll(filepath.Join(p, "published"), 0o755)
	return p
}

// WorkerDir returns (and creates) a worker's directory.
func (s *Store) WorkerDir(runID, workerID string) string {
	p := filepath.Join(s.RunPath(runID), "workers", workerID)
	_ = os.MkdirAll(p, 0o755)
	return p
}

// AgentScope covers the agent home (identity, memory, journals).
func (s *Store) AgentScope() Scope { return Scope{Kind: "agent", Root: s.home} }

// RunScope covers one run directory.
func (s *Store) RunScope(runID string) Scope {
	return Scope{Kind: "run", Root: s.RunPath(runID)}
}

// NodeScope covers one node directory.
func (s *Store) NodeScope(runID, nodeID string) Scope {
	return Scope{Kind: "node", Root: s.NodeDir(runID, nodeID)}
}

// WorkerScope covers one worker directory.
func (s *Store) WorkerScope(runID, workerID string) Scope {
	return Scope{Kind: "worker", Root: s.WorkerDir(runID, workerID)}
}

// Resolve maps relpath into the scope, rejecting traversal: "..", absolute
// paths outside the scope, and symlinks pointing outside.
func (s *Store) Resolve(sc Scope, relpath string) (string, error) {
	trimmed := strings.TrimSpace(relpath)
	if trimmed == "" {
		return "", &agerrors.ScopeViolationError{Scope: sc.Kind, Path: relpath}
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(sc.Root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(sc.Root, candidate) {
		return "", &agerrors.ScopeViolationError{Scope: sc.Kind, Path: relpath}
	}

	// A symlink anywhere on the resolved path must not escape the scope.
	// The target may not exist yet, so evaluate the deepest existing
	// ancestor instead of the path itself.
	if !within(mustEval(sc.Root), evalExisting(candidate)) {
		return "", &agerrors.ScopeViolationError{Scope: sc.Kind, Path: relpath}
	}
	return candidate, nil
}

// evalExisting resolves symlinks on the longest existing prefix of path and
// rejoins the missing suffix.
func evalExisting(path string) string {
	current := path
	var suffix []string
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		suffix = append(suffix, filepath.Base(current))
		current = parent
	}
}

func mustEval(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Read returns the file contents at relpath inside the scope.
func (s *Store) Read(sc Scope, relpath string) ([]byte, error) {
	path, err := s.Resolve(sc, relpath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write stores data at relpath inside the scope, creating parent
// directories, and emits file.written with a bounded preview.
func (s *Store) Write(sc Scope, relpath string, data []byte) error {
	path, err := s.Resolve(sc, relpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	s.log.Emit(event.FileWritten, map[string]any{
		"scope":   sc.Kind,
		"path":    relativeTo(sc.Root, path),
		"abs":     path,
		"bytes":   len(data),
		"preview": preview(data),
	})
	return nil
}

// Append appends data to the file at relpath inside the scope.
func (s *Store) Append(sc Scope, relpath string, data []byte) error {
	path, err := s.Resolve(sc, relpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return err
	}
	s.log.Emit(event.FileWritten, map[string]any{
		"scope":   sc.Kind,
		"path":    relativeTo(sc.Root, path),
		"abs":     path,
		"bytes":   len(data),
		"preview": preview(data),
		"append":  true,
	})
	return nil
}

// List returns the relative paths of regular files under dir inside the
// scope, sorted by walk order.
func (s *Store) List(sc Scope, dir string) ([]string, error) {
	root, err := s.Resolve(sc, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, relativeTo(root, path))
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

func relativeTo(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}

// preview truncates data to previewLimit bytes at a UTF-8 boundary.
func preview(data []byte) string {
	if len(data) <= previewLimit {
		return string(data)
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut])
}

// Publish atomically moves every file under the node's scratch/ into
// published/, writes _status.md, and emits a single node.completed carrying
// the published file list. Calling it again is a no-op: published/ is
// immutable once the node completed.
func (s *Store) Publish(runID, nodeID, summary string) ([]string, error) {
	nodeDir := s.NodeDir(runID, nodeID)
	scratch := filepath.Join(nodeDir, "scratch")
	published := filepath.Join(nodeDir, "published")

	if done, _ := os.ReadFile(filepath.Join(nodeDir, "_status.md")); strings.HasPrefix(string(done), "completed") {
		return publishedFiles(published)
	}

	var moved []string
	entries, err := os.ReadDir(scratch)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, entry := range entries {
		src := filepath.Join(scratch, entry.Name())
		dst := filepath.Join(published, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("publish %s: %w", entry.Name(), err)
		}
		moved = append(moved, entry.Name())
	}

	status := fmt.Sprintf("completed\n\n%s\n", summary)
	if err := os.WriteFile(filepath.Join(nodeDir, "_status.md"), []byte(status), 0o644); err != nil {
		return nil, err
	}

	s.log.Emit(event.NodeCompleted, map[string]any{
		"node_id": nodeID,
		"run_id":  runID,
		"summary": summary,
		"files":   moved,
	})
	return moved, nil
}

func publishedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
