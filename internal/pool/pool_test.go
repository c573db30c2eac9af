package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agiraph/internal/board"
	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
	"agiraph/internal/scope"
)

// fakeExecutor completes, fails or blocks per node id.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	fail     map[string]error
	block    map[string]chan struct{}
}

func (e *fakeExecutor) Execute(ctx context.Context, w *Worker, node *board.Node) error {
	e.mu.Lock()
	e.executed = append(e.executed, node.ID)
	failErr := e.fail[node.ID]
	blockCh := e.block[node.ID]
	e.mu.Unlock()

	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return agerrors.ErrCancelled
		}
	}
	return failErr
}

func (e *fakeExecutor) ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.executed))
	copy(out, e.executed)
	return out
}

type poolFixture struct {
	pool  *Pool
	board *board.Board
	log   *event.Log
	exec  *fakeExecutor
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	home := t.TempDir()
	log, err := event.NewLog("agent-test", home, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	store, err := scope.New(home, log, nil)
	require.NoError(t, err)

	bd := board.New(log, nil)
	exec := &fakeExecutor{fail: map[string]error{}, block: map[string]chan struct{}{}}
	p := New("run-1", context.Background(), bd, store, log, nil,
		func(w *Worker) Executor { return exec }, nil)
	return &poolFixture{pool: p, board: bd, log: log, exec: exec}
}

func TestSpawnDefaultsAndIdentity(t *testing.T) {
	f := newPoolFixture(t)

	w, err := f.pool.Spawn(Spec{Name: "researcher", Role: "research analyst"})
	require.NoError(t, err)
	assert.Equal(t, TypeHarnessed, w.Type)
	assert.Equal(t, StatusIdle, w.Status)
	assert.NotEmpty(t, w.ID)

	// Duplicate names are rejected.
	_, err = f.pool.Spawn(Spec{Name: "researcher", Role: "again"})
	require.Error(t, err)

	// Autonomous workers need a command.
	_, err = f.pool.Spawn(Spec{Name: "auto", Type: TypeAutonomous})
	require.Error(t, err)
}

func TestAssignRunsNodeToCompletion(t *testing.T) {
	f := newPoolFixture(t)
	w, err := f.pool.Spawn(Spec{Name: "w1", Role: "worker"})
	require.NoError(t, err)
	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "do it", RunID: "run-1"}))

	require.NoError(t, f.pool.Assign("n1", w.ID))

	require.Eventually(t, func() bool {
		return f.board.Get("n1").Status == board.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n1"}, f.exec.ran())

	require.Eventually(t, func() bool {
		return len(f.pool.IdleWorkers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssignByName(t *testing.T) {
	f := newPoolFixture(t)
	_, err := f.pool.Spawn(Spec{Name: "by-name", Role: "worker"})
	require.NoError(t, err)
	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "x"}))

	require.NoError(t, f.pool.Assign("n1", "by-name"))
	require.Eventually(t, func() bool {
		return f.board.Get("n1").Status == board.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAssignRejectsBusyWorkerAndNonPendingNode(t *testing.T) {
	f := newPoolFixture(t)
	w, err := f.pool.Spawn(Spec{Name: "w1", Role: "worker"})
	require.NoError(t, err)

	release := make(chan struct{})
	f.exec.block["n1"] = release
	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "slow"}))
	require.NoError(t, f.board.Add(&board.Node{ID: "n2", Task: "queued"}))

	require.NoError(t, f.pool.Assign("n1", w.ID))
	require.Error(t, f.pool.Assign("n2", w.ID), "busy worker")
	require.Error(t, f.pool.Assign("n1", w.ID), "node no longer pending")

	close(release)
	require.Eventually(t, func() bool {
		return f.board.Get("n1").Status == board.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecutorFailureFailsNode(t *testing.T) {
	f := newPoolFixture(t)
	w, err := f.pool.Spawn(Spec{Name: "w1", Role: "worker"})
	require.NoError(t, err)

	f.exec.fail["n1"] = errors.New("tool exploded")
	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "doomed"}))
	require.NoError(t, f.pool.Assign("n1", w.ID))

	require.Eventually(t, func() bool {
		return f.board.Get("n1").Status == board.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// The worker returns to idle and can take new work.
	require.Eventually(t, func() bool {
		return len(f.pool.IdleWorkers()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopAllCancelsRunningWork(t *testing.T) {
	f := newPoolFixture(t)
	w, err := f.pool.Spawn(Spec{Name: "w1", Role: "worker"})
	require.NoError(t, err)

	f.exec.block["n1"] = make(chan struct{}) // never released
	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "hangs"}))
	require.NoError(t, f.pool.Assign("n1", w.ID))

	require.Eventually(t, func() bool { return f.pool.BusyCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.pool.StopAll()

	assert.Equal(t, board.StatusFailed, f.board.Get("n1").Status)

	// Cancellation shows up as worker.stopped, never worker.idle for this run.
	var stopped bool
	for _, ev := range f.log.Recent(0) {
		if ev.Type == event.WorkerStopped && ev.Data["reason"] == "cancelled" {
			stopped = true
		}
	}
	assert.True(t, stopped)
}

func TestTickPairsReadyWithIdle(t *testing.T) {
	f := newPoolFixture(t)
	_, err := f.pool.Spawn(Spec{Name: "w1", Role: "worker"})
	require.NoError(t, err)
	_, err = f.pool.Spawn(Spec{Name: "w2", Role: "worker"})
	require.NoError(t, err)

	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "a"}))
	require.NoError(t, f.board.Add(&board.Node{ID: "n2", Task: "b"}))
	require.NoError(t, f.board.Add(&board.Node{ID: "n3", Task: "c"}))

	f.pool.Tick()

	// Two workers, three nodes: everything eventually completes because each
	// finishing worker re-ticks.
	require.Eventually(t, func() bool {
		counts := f.board.Counts()
		return counts[board.StatusCompleted] == 3
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRetire(t *testing.T) {
	f := newPoolFixture(t)
	w, err := f.pool.Spawn(Spec{Name: "w1", Role: "worker"})
	require.NoError(t, err)

	f.pool.Retire(w.ID)
	assert.Empty(t, f.pool.IdleWorkers())
	assert.Empty(t, f.pool.Names())

	require.NoError(t, f.board.Add(&board.Node{ID: "n1", Task: "x"}))
	require.Error(t, f.pool.Assign("n1", w.ID))
}
