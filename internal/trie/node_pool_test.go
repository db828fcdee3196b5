package trie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodePoolRecyclesPutNodes(t *testing.T) {
	np := newNodePool(2)

	b := np.getBranch()
	b.prefix = FromBytes([]byte("x"))
	np.putBranch(b)

	got := np.getBranch()
	require.Same(t, b, got, "a recycled branchNode should be the same struct handed back out")
	require.True(t, got.prefix.IsEmpty(), "putBranch must reset the node before it re-enters the pool")
}

func TestNodePoolDropsNodesPastMaxSize(t *testing.T) {
	np := newNodePool(0)
	np.initialize()

	term := &terminalNode{prefix: FromBytes([]byte("y"))}
	np.putTerminal(term)
	require.Equal(t, int64(0), np.size.Load(), "a pool at its cap must not grow Size on Put")
}

func TestMutableInsertRemoveReusesNodesThroughThePool(t *testing.T) {
	m, _ := newTestMutable(t)

	keys := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, k := range keys {
		existed, err := m.Insert(FromBytes([]byte(k)), Value(i))
		require.NoError(t, err)
		require.False(t, existed)
	}

	for _, k := range keys {
		removed, err := m.Remove(FromBytes([]byte(k)))
		require.NoError(t, err)
		require.True(t, removed)
	}

	require.Equal(t, uint64(0), m.Size())

	// Re-inserting the same keys after removal must still produce correct
	// values — regardless of whether the underlying node structs were
	// recycled from the pool along the way.
	for i, k := range keys {
		existed, err := m.Insert(FromBytes([]byte(k)), Value(i*10))
		require.NoError(t, err)
		require.False(t, existed)
	}
	for i, k := range keys {
		v, ok := m.Find(FromBytes([]byte(k)))
		require.True(t, ok)
		require.Equal(t, Value(i*10), v)
	}
}
