package trie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func insertAll(t *testing.T, s *store, root TriePtr, kvs map[string]Value) TriePtr {
	t.Helper()
	gc := &gcList{}
	for k, v := range kvs {
		p, err := s.insertLeaf(root, FromBytes([]byte(k)), v, COW, gc)
		require.NoError(t, err)
		root = p
	}
	return root
}

func findValue(t *testing.T, s *store, root TriePtr, key string) (Value, bool) {
	t.Helper()
	res := s.resolveKey(root, FromBytes([]byte(key)))
	if res.kind != matchTerminal {
		return 0, false
	}
	return res.value, true
}

func TestMergeNoOpWhenSrcUnchanged(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"a": 1})
	dest := insertAll(t, s, base, map[string]Value{"b": 2})

	gc := &gcList{}
	res, err := s.mergeThreeWay(base, base, dest, COW, mergeOptions{}, gc)
	require.NoError(t, err)
	require.True(t, res.Root.Equal(dest))
}

func TestMergeFastPathWhenDestUnchanged(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"a": 1})
	src := insertAll(t, s, base, map[string]Value{"b": 2})

	gc := &gcList{}
	res, err := s.mergeThreeWay(base, src, base, COW, mergeOptions{}, gc)
	require.NoError(t, err)

	v, ok := findValue(t, s, res.Root, "b")
	require.True(t, ok)
	require.Equal(t, Value(2), v)
}

// TestMergeNonConflictingConcurrentInserts is seed scenario S4: two
// independent transactions insert disjoint keys against the same base; both
// should be visible after a sequential pair of commits (modelled directly as
// two mergeThreeWay calls against an evolving dest, mirroring what
// Transaction.Commit does serially under the named lock).
func TestMergeNonConflictingConcurrentInserts(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"k": 1})

	src1 := insertAll(t, s, base, map[string]Value{"x": 10})
	src2 := insertAll(t, s, base, map[string]Value{"y": 20})

	gc := &gcList{}
	mid, err := s.mergeThreeWay(base, src1, base, COW, mergeOptions{}, gc)
	require.NoError(t, err)

	final, err := s.mergeThreeWay(base, src2, mid.Root, COW, mergeOptions{}, gc)
	require.NoError(t, err)

	for key, want := range map[string]Value{"k": 1, "x": 10, "y": 20} {
		v, ok := findValue(t, s, final.Root, key)
		require.True(t, ok, "missing key %q", key)
		require.Equal(t, want, v)
	}
}

// TestMergeOverlappingReplaceOrderMatters is seed scenario S5: base {k:1}.
// TX1 replaces k with 2, TX2 replaces k with 3, both against the same base.
// Under DefaultInsertConflict (srcVal wins), whichever transaction merges
// second always overwrites: TX1 then TX2 yields k:3, TX2 then TX1 yields k:2.
func TestMergeOverlappingReplaceOrderMatters(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"k": 1})
	tx1 := insertAll(t, s, base, map[string]Value{"k": 2})
	tx2 := insertAll(t, s, base, map[string]Value{"k": 3})

	// TX1 commits first, then TX2.
	gc := &gcList{}
	afterTX1, err := s.mergeThreeWay(base, tx1, base, COW, mergeOptions{}, gc)
	require.NoError(t, err)
	afterTX2, err := s.mergeThreeWay(base, tx2, afterTX1.Root, COW, mergeOptions{}, gc)
	require.NoError(t, err)
	v, ok := findValue(t, s, afterTX2.Root, "k")
	require.True(t, ok)
	require.Equal(t, Value(3), v)

	// TX2 commits first, then TX1, against a fresh base-rooted dest.
	gc2 := &gcList{}
	afterTX2First, err := s.mergeThreeWay(base, tx2, base, COW, mergeOptions{}, gc2)
	require.NoError(t, err)
	afterTX1Second, err := s.mergeThreeWay(base, tx1, afterTX2First.Root, COW, mergeOptions{}, gc2)
	require.NoError(t, err)
	v2, ok := findValue(t, s, afterTX1Second.Root, "k")
	require.True(t, ok)
	require.Equal(t, Value(2), v2)
}

func TestMergeInsertConflictCallbackOverridesDefault(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"k": 1})
	src := insertAll(t, s, base, map[string]Value{"k": 2})
	dest := insertAll(t, s, base, map[string]Value{"k": 3})

	opts := mergeOptions{onInsert: func(key Fragment, baseVal, srcVal, destVal Value, baseOk bool) Value {
		return srcVal + destVal
	}}

	gc := &gcList{}
	res, err := s.mergeThreeWay(base, src, dest, COW, opts, gc)
	require.NoError(t, err)
	v, ok := findValue(t, s, res.Root, "k")
	require.True(t, ok)
	require.Equal(t, Value(5), v)
}

func TestMergeRemoveVsDestUnchangedRemoves(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"k": 1, "keep": 9})

	gc := &gcList{}
	src, _, err := s.removeLeaf(base, FromBytes([]byte("k")), COW, gc)
	require.NoError(t, err)
	// dest diverges from base on an unrelated key so the merge takes the
	// general diff path rather than the dest==base fast path (which never
	// populates Removed).
	dest := insertAll(t, s, base, map[string]Value{"other": 5})

	res, err := s.mergeThreeWay(base, src, dest, COW, mergeOptions{}, gc)
	require.NoError(t, err)

	_, ok := findValue(t, s, res.Root, "k")
	require.False(t, ok)
	_, ok = findValue(t, s, res.Root, "keep")
	require.True(t, ok)
	require.Len(t, res.Removed, 1)
	require.Equal(t, Value(1), res.Removed[0])
}

func TestMergeRemoveConflictCallbackKeepsDestChange(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"k": 1})

	gc := &gcList{}
	src, _, err := s.removeLeaf(base, FromBytes([]byte("k")), COW, gc)
	require.NoError(t, err)
	dest := insertAll(t, s, base, map[string]Value{"k": 42})

	opts := mergeOptions{onRemove: func(key Fragment, baseVal, destVal Value) bool { return true }}
	res, err := s.mergeThreeWay(base, src, dest, COW, opts, gc)
	require.NoError(t, err)

	v, ok := findValue(t, s, res.Root, "k")
	require.True(t, ok)
	require.Equal(t, Value(42), v)
	require.Empty(t, res.Removed)
}

func TestMergeNewKeyFromSrcIsInserted(t *testing.T) {
	s := newStore(NewAllocator())
	base := insertAll(t, s, Null(), map[string]Value{"k": 1})
	src := insertAll(t, s, base, map[string]Value{"new": 7})

	gc := &gcList{}
	res, err := s.mergeThreeWay(base, src, base, COW, mergeOptions{}, gc)
	require.NoError(t, err)

	v, ok := findValue(t, s, res.Root, "new")
	require.True(t, ok)
	require.Equal(t, Value(7), v)
	require.Contains(t, res.Inserted, Value(7))
}
