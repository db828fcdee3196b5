package dasdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapTransactionCommitIsVisibleAfterCommit(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})

	tx := m.Transaction(TransactionOptions[uint64]{})
	require.NoError(t, tx.Insert("a", 1))

	_, ok := m.Find("a")
	require.False(t, ok, "an uncommitted transaction must not be visible through the map")

	require.NoError(t, tx.Commit())

	v, ok := m.Find("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
}

func TestMapTransactionRollbackFreesInsertedExternalValues(t *testing.T) {
	m := newTestMap[string, string](t, "m", StringKeyCodec{}, StringValueCodec{})

	tx := m.Transaction(TransactionOptions[string]{})
	require.NoError(t, tx.Insert("a", "hello"))

	tx.Rollback()

	_, ok := m.Find("a")
	require.False(t, ok)
}

func TestMapTransactionNoConflictMergesCleanly(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("base", 0)
	require.NoError(t, err)

	tx := m.Transaction(TransactionOptions[uint64]{})
	require.NoError(t, tx.Insert("a", 1))

	// A disjoint key inserted directly on the map commits independently.
	_, err = m.Insert("b", 2)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())

	va, ok := m.Find("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), va)

	vb, ok := m.Find("b")
	require.True(t, ok)
	require.Equal(t, uint64(2), vb)
}

func TestMapTransactionInsertConflictRaisesErrConflictUnresolved(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	opts := TransactionOptions[uint64]{
		OnInsertConflict: func(baseVal, srcVal, destVal uint64, baseOk bool) (uint64, bool) {
			return 0, false
		},
	}
	tx := m.Transaction(opts)
	require.NoError(t, tx.Insert("a", 2))

	// Concurrently change "a" on the live map so the transaction's own
	// change to "a" conflicts against a dest that has moved since base.
	ok, _, err := m.CompareAndSwap("a", 1, 3)
	require.NoError(t, err)
	require.True(t, ok)

	err = tx.Commit()
	require.ErrorIs(t, err, ErrConflictUnresolved)
}

func TestMapTransactionInsertConflictResolved(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	opts := TransactionOptions[uint64]{
		OnInsertConflict: func(baseVal, srcVal, destVal uint64, baseOk bool) (uint64, bool) {
			return srcVal + destVal, true
		},
	}
	tx := m.Transaction(opts)
	require.NoError(t, tx.Insert("a", 2))

	ok, _, err := m.CompareAndSwap("a", 1, 3)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tx.Commit())

	v, ok := m.Find("a")
	require.True(t, ok)
	require.Equal(t, uint64(5), v)
}

func TestMapTransactionClearIsForbidden(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	tx := m.Transaction(TransactionOptions[uint64]{})
	require.Error(t, tx.Clear())
}
