package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agiraph/internal/event"
	agerrors "agiraph/internal/errors"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	log, err := event.NewLog("agent-test", t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return New(log, nil)
}

func TestAddAndReady(t *testing.T) {
	b := newTestBoard(t)

	require.NoError(t, b.Add(&Node{ID: "a", Task: "first"}))
	require.NoError(t, b.Add(&Node{ID: "b", Task: "second", Dependencies: []string{"a"}}))

	ready := b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	b.SetStatus("a", StatusCompleted)
	ready = b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Add(&Node{ID: "a", Task: "first"}))
	err := b.Add(&Node{ID: "a", Task: "again"})
	var depErr *agerrors.InvalidDependencyError
	require.ErrorAs(t, err, &depErr)
}

func TestAddRejectsCycle(t *testing.T) {
	b := newTestBoard(t)

	require.NoError(t, b.Add(&Node{ID: "a", Task: "a", Dependencies: []string{"b"}}))
	require.NoError(t, b.Add(&Node{ID: "b", Task: "b", Dependencies: []string{"c"}}))

	// c -> a would close the loop a -> b -> c -> a.
	err := b.Add(&Node{ID: "c", Task: "c", Dependencies: []string{"a"}})
	var depErr *agerrors.InvalidDependencyError
	require.ErrorAs(t, err, &depErr)

	// The board is unchanged: c was not added.
	assert.Nil(t, b.Get("c"))
	assert.Len(t, b.All(), 2)
}

func TestForwardDependencyAllowed(t *testing.T) {
	b := newTestBoard(t)

	// Depending on a node that does not exist yet is legal; the node is
	// just not ready.
	require.NoError(t, b.Add(&Node{ID: "late", Task: "waits", Dependencies: []string{"future"}}))
	assert.Empty(t, b.Ready())

	require.NoError(t, b.Add(&Node{ID: "future", Task: "arrives"}))
	assert.Empty(t, filterIDs(b.Ready(), "late"))

	b.SetStatus("future", StatusCompleted)
	ready := b.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "late", ready[0].ID)
}

func TestForwardDependencyCycleRejected(t *testing.T) {
	b := newTestBoard(t)

	require.NoError(t, b.Add(&Node{ID: "a", Task: "first", Dependencies: []string{"b"}}))

	// Closing the loop through the forward reference is still a cycle.
	err := b.Add(&Node{ID: "b", Task: "second", Dependencies: []string{"a"}})
	require.Error(t, err)

	all := b.All()
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, []string{"b"}, all[0].Dependencies)
}

func filterIDs(nodes []*Node, id string) []*Node {
	var out []*Node
	for _, n := range nodes {
		if n.ID == id {
			out = append(out, n)
		}
	}
	return out
}

func TestReadyOrderIsOldestFirst(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Add(&Node{ID: "n1", Task: "one"}))
	require.NoError(t, b.Add(&Node{ID: "n2", Task: "two"}))
	require.NoError(t, b.Add(&Node{ID: "n3", Task: "three"}))

	ready := b.Ready()
	require.Len(t, ready, 3)
	assert.Equal(t, "n1", ready[0].ID)
	assert.Equal(t, "n2", ready[1].ID)
	assert.Equal(t, "n3", ready[2].ID)
}

func TestTryAssign(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Add(&Node{ID: "a", Task: "work"}))

	assert.True(t, b.TryAssign("a", "w1"))
	// Second claim loses the race.
	assert.False(t, b.TryAssign("a", "w2"))
	assert.False(t, b.TryAssign("missing", "w1"))

	node := b.Get("a")
	assert.Equal(t, StatusAssigned, node.Status)
	assert.Equal(t, "w1", node.AssignedWorker)
}

func TestGetReturnsCopy(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Add(&Node{ID: "a", Task: "work"}))

	clone := b.Get("a")
	clone.Status = StatusFailed
	assert.Equal(t, StatusPending, b.Get("a").Status)
}

func TestIncompleteAndCounts(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Add(&Node{ID: "a", Task: "a"}))
	require.NoError(t, b.Add(&Node{ID: "b", Task: "b"}))

	assert.True(t, b.Incomplete())
	b.SetStatus("a", StatusCompleted)
	b.SetStatus("b", StatusFailed)
	assert.False(t, b.Incomplete())

	counts := b.Counts()
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestParentChildLink(t *testing.T) {
	b := newTestBoard(t)
	require.NoError(t, b.Add(&Node{ID: "parent", Task: "split the work"}))
	require.NoError(t, b.Add(&Node{ID: "child", Task: "one shard", ParentNode: "parent"}))

	assert.Equal(t, []string{"child"}, b.Get("parent").Children)
	assert.Equal(t, "parent", b.Get("child").ParentNode)
}

func TestSummary(t *testing.T) {
	b := newTestBoard(t)
	assert.Equal(t, "(board empty)", b.Summary())

	require.NoError(t, b.Add(&Node{ID: "a", Task: "line one\nline two"}))
	b.SetStatus("a", StatusRunning)
	out := b.Summary()
	assert.Contains(t, out, "a [running]")
	assert.Contains(t, out, "line one")
	assert.NotContains(t, out, "line two")
}
