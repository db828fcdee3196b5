package trie

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datacratic/DasDB-sub001/internal/epoch"
	"github.com/datacratic/DasDB-sub001/internal/keyfragment"
	"github.com/datacratic/DasDB-sub001/internal/region"
)

// FromBytes builds a Fragment covering a byte string, for test keys.
func FromBytes(b []byte) Fragment { return keyfragment.FromBytes(b) }

// FromBits64 builds a single-byte Fragment, for bit-order tests.
func FromBits64(b byte) Fragment { return keyfragment.FromBits(uint64(b), 8) }

func newTestMutable(t *testing.T) (*Mutable, *store) {
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
	return NewMutable(slot, s, e), s
}

// TestBasicInsertFindRemove exercises seed scenario S1: insert a handful of
// distinct keys, confirm each is found with the right value, remove one and
// confirm it is gone while the rest survive.
func TestBasicInsertFindRemove(t *testing.T) {
	m, _ := newTestMutable(t)

	keys := map[string]Value{"alpha": 1, "beta": 2, "gamma": 3}
	for k, v := range keys {
		existed, err := m.Insert(FromBytes([]byte(k)), v)
		require.NoError(t, err)
		require.False(t, existed)
	}

	for k, v := range keys {
		got, ok := m.Find(FromBytes([]byte(k)))
		require.True(t, ok)
		require.Equal(t, v, got)
	}

	removed, err := m.Remove(FromBytes([]byte("beta")))
	require.NoError(t, err)
	require.True(t, removed)

	_, ok := m.Find(FromBytes([]byte("beta")))
	require.False(t, ok)

	for _, k := range []string{"alpha", "gamma"} {
		_, ok := m.Find(FromBytes([]byte(k)))
		require.True(t, ok)
	}

	require.Equal(t, uint64(2), m.Size())
}

// TestInsertExistingKeyReportsExisted confirms Insert's (existing, false)
// contract and that a second insert of the same key is a no-op on value.
func TestInsertExistingKeyReportsExisted(t *testing.T) {
	m, _ := newTestMutable(t)

	existed, err := m.Insert(FromBytes([]byte("k")), 1)
	require.NoError(t, err)
	require.False(t, existed)

	existed, err = m.Insert(FromBytes([]byte("k")), 2)
	require.NoError(t, err)
	require.True(t, existed)

	got, ok := m.Find(FromBytes([]byte("k")))
	require.True(t, ok)
	require.Equal(t, Value(1), got)
}

// TestReverseBitOrderInsert is seed scenario S2: keys chosen so their
// natural insertion order is the reverse of their bit-lexicographic order,
// confirming that store.allKV, the sorted entry list Path is built on,
// comes back in ascending order regardless of insertion order.
func TestReverseBitOrderInsert(t *testing.T) {
	m, s := newTestMutable(t)

	// single-byte keys, inserted high-to-low.
	for b := 255; b >= 0; b -= 17 {
		_, err := m.Insert(FromBits64(byte(b)), Value(b))
		require.NoError(t, err)
	}

	root, release := m.CurrentRoot()
	defer release()

	kvs := s.allKV(root, Fragment{})
	require.NotEmpty(t, kvs)
	for i := 1; i < len(kvs); i++ {
		require.Less(t, kvs[i-1].Key.Compare(kvs[i].Key), 0, "expected ascending bit-lexicographic order")
	}
}

// TestCompareAndSwapAndRemove exercises the predicate-gated ops.
func TestCompareAndSwapAndRemove(t *testing.T) {
	m, _ := newTestMutable(t)

	_, err := m.Insert(FromBytes([]byte("k")), 10)
	require.NoError(t, err)

	ok, cur, err := m.CompareAndSwap(FromBytes([]byte("k")), 999, 20)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Value(10), cur)

	ok, _, err = m.CompareAndSwap(FromBytes([]byte("k")), 10, 20)
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := m.Find(FromBytes([]byte("k")))
	require.Equal(t, Value(20), got)

	removedOK, err := m.CompareAndRemove(FromBytes([]byte("k")), 999)
	require.NoError(t, err)
	require.False(t, removedOK)

	removedOK, err = m.CompareAndRemove(FromBytes([]byte("k")), 20)
	require.NoError(t, err)
	require.True(t, removedOK)

	_, ok = m.Find(FromBytes([]byte("k")))
	require.False(t, ok)
}

// TestClearRemovesEverything exercises Clear() and that the trie is empty
// afterwards.
func TestClearRemovesEverything(t *testing.T) {
	m, _ := newTestMutable(t)

	for i := 0; i < 20; i++ {
		_, err := m.Insert(FromBytes([]byte(fmt.Sprintf("key-%03d", i))), Value(i))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(20), m.Size())

	require.NoError(t, m.Clear())
	require.Equal(t, uint64(0), m.Size())
}

// TestConcurrentInsertsAllSucceed is seed scenario S3: many goroutines
// racing CAS-loop inserts of distinct keys all converge without lost
// updates.
func TestConcurrentInsertsAllSucceed(t *testing.T) {
	m, _ := newTestMutable(t)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := m.Insert(FromBytes([]byte(fmt.Sprintf("concurrent-%04d", i))), Value(i))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, uint64(n), m.Size())
	for i := 0; i < n; i++ {
		v, ok := m.Find(FromBytes([]byte(fmt.Sprintf("concurrent-%04d", i))))
		require.True(t, ok)
		require.Equal(t, Value(i), v)
	}
}
