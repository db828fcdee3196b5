package trie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datacratic/DasDB-sub001/internal/epoch"
	"github.com/datacratic/DasDB-sub001/internal/region"
)

func newTestSlot(t *testing.T) (*Slot, *store, *epoch.Manager) {
	t.Helper()
	dir := t.TempDir()
	r, err := region.Open(filepath.Join(dir, "data"), region.Read|region.Write, 0)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	md := NewMetadata(r)
	slot, err := md.AllocateSlot("m")
	require.NoError(t, err)

	s := newStore(NewAllocator())
	e := epoch.New()
	return slot, s, e
}

func TestTransactionCommitPublishesWrites(t *testing.T) {
	slot, s, e := newTestSlot(t)

	tx := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, tx.Insert(FromBytes([]byte("k")), 1))

	v, ok := tx.Find(FromBytes([]byte("k")))
	require.True(t, ok)
	require.Equal(t, Value(1), v)

	require.NoError(t, tx.Commit())

	res := s.resolveKey(slot.Root(), FromBytes([]byte("k")))
	require.Equal(t, matchTerminal, res.kind)
	require.Equal(t, Value(1), res.value)
}

func TestTransactionCommitTwiceErrors(t *testing.T) {
	slot, s, e := newTestSlot(t)
	tx := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, tx.Insert(FromBytes([]byte("k")), 1))
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	slot, s, e := newTestSlot(t)

	seed := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, seed.Insert(FromBytes([]byte("kept")), 9))
	require.NoError(t, seed.Commit())

	tx := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, tx.Insert(FromBytes([]byte("temp")), 100))

	inserted := tx.Rollback()
	require.Equal(t, []Value{100}, inserted)

	root := slot.Root()
	res := s.resolveKey(root, FromBytes([]byte("temp")))
	require.NotEqual(t, matchTerminal, res.kind)
	res = s.resolveKey(root, FromBytes([]byte("kept")))
	require.Equal(t, matchTerminal, res.kind)
	require.Equal(t, Value(9), res.value)
}

func TestTransactionRollbackTwiceIsNoop(t *testing.T) {
	slot, s, e := newTestSlot(t)
	tx := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, tx.Insert(FromBytes([]byte("k")), 1))
	tx.Rollback()
	require.Nil(t, tx.Rollback())
}

func TestTransactionClearIsUnsupported(t *testing.T) {
	slot, s, e := newTestSlot(t)
	tx := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.ErrorIs(t, tx.Clear(), ErrClearNotSupportedInTransaction)
}

// TestTransactionConcurrentCommitsMergeNonConflictingWrites exercises seed
// scenario S4 through the public Transaction API: two transactions opened
// against the same base insert disjoint keys; both survive after each
// commits in turn.
func TestTransactionConcurrentCommitsMergeNonConflictingWrites(t *testing.T) {
	slot, s, e := newTestSlot(t)

	seed := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, seed.Insert(FromBytes([]byte("base")), 0))
	require.NoError(t, seed.Commit())

	tx1 := NewTransaction("m", slot, s, e, TransactionOptions{})
	tx2 := NewTransaction("m", slot, s, e, TransactionOptions{})

	require.NoError(t, tx1.Insert(FromBytes([]byte("x")), 10))
	require.NoError(t, tx2.Insert(FromBytes([]byte("y")), 20))

	require.NoError(t, tx1.Commit())
	require.NoError(t, tx2.Commit())

	root := slot.Root()
	for key, want := range map[string]Value{"base": 0, "x": 10, "y": 20} {
		res := s.resolveKey(root, FromBytes([]byte(key)))
		require.Equal(t, matchTerminal, res.kind, "missing key %q", key)
		require.Equal(t, want, res.value)
	}
}

// TestTransactionOverlappingReplaceOrderMatters is seed scenario S5 via the
// Transaction API: both transactions replace the same key; whichever commits
// second wins under DefaultInsertConflict.
func TestTransactionOverlappingReplaceOrderMatters(t *testing.T) {
	slot, s, e := newTestSlot(t)

	seed := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, seed.Insert(FromBytes([]byte("k")), 1))
	require.NoError(t, seed.Commit())

	tx1 := NewTransaction("m", slot, s, e, TransactionOptions{})
	tx2 := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, tx1.Insert(FromBytes([]byte("k")), 2))
	require.NoError(t, tx2.Insert(FromBytes([]byte("k")), 3))

	require.NoError(t, tx1.Commit())
	require.NoError(t, tx2.Commit())

	res := s.resolveKey(slot.Root(), FromBytes([]byte("k")))
	require.Equal(t, matchTerminal, res.kind)
	require.Equal(t, Value(3), res.value)
}

func TestTransactionTryCommitFailsWhileLockHeld(t *testing.T) {
	slot, s, e := newTestSlot(t)
	lock := commitLockFor("m")
	require.True(t, lock.TryLock())
	defer lock.Unlock()

	tx := NewTransaction("m", slot, s, e, TransactionOptions{})
	require.NoError(t, tx.Insert(FromBytes([]byte("k")), 1))

	ok, err := tx.TryCommit()
	require.NoError(t, err)
	require.False(t, ok)
}
