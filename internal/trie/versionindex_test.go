package trie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestVersionIndex(t *testing.T) *VersionIndex {
	t.Helper()
	dir := t.TempDir()
	vi, err := OpenVersionIndex(filepath.Join(dir, "versions"))
	require.NoError(t, err)
	t.Cleanup(func() { vi.Close() })
	return vi
}

func TestVersionIndexStoreThenLoadRoundTrips(t *testing.T) {
	vi := newTestVersionIndex(t)

	p, err := FromBits(KindBasicKeyedTerm, COW, 42)
	require.NoError(t, err)

	require.NoError(t, vi.Store(1, p))

	got, ok := vi.Load(1)
	require.True(t, ok)
	require.True(t, got.Equal(p))
}

func TestVersionIndexLoadMissingVersionReturnsFalse(t *testing.T) {
	vi := newTestVersionIndex(t)

	_, ok := vi.Load(5)
	require.False(t, ok)
}

func TestVersionIndexGrowsAcrossWidelySpacedVersions(t *testing.T) {
	vi := newTestVersionIndex(t)

	p1, err := FromBits(KindInlineTerm, COW, 1)
	require.NoError(t, err)
	p2, err := FromBits(KindInlineTerm, COW, 2)
	require.NoError(t, err)

	require.NoError(t, vi.Store(0, p1))
	require.NoError(t, vi.Store(100, p2))

	got0, ok := vi.Load(0)
	require.True(t, ok)
	require.True(t, got0.Equal(p1))

	got100, ok := vi.Load(100)
	require.True(t, ok)
	require.True(t, got100.Equal(p2))
}

func TestMutableRecordsVersionOnEverySuccessfulMutation(t *testing.T) {
	slot, s, e := newTestSlot(t)
	m := NewMutable(slot, s, e)
	vi := newTestVersionIndex(t)
	m.AttachVersionIndex(vi)

	_, err := m.Insert(FromBytes([]byte("a")), 1)
	require.NoError(t, err)

	v1 := slot.Version()
	root1, ok := vi.Load(v1)
	require.True(t, ok)
	require.True(t, root1.Equal(slot.Root()))

	_, err = m.Insert(FromBytes([]byte("b")), 2)
	require.NoError(t, err)

	v2 := slot.Version()
	require.NotEqual(t, v1, v2)
	root2, ok := vi.Load(v2)
	require.True(t, ok)
	require.True(t, root2.Equal(slot.Root()))
}

func TestMutableWithoutVersionIndexIsNoop(t *testing.T) {
	slot, s, e := newTestSlot(t)
	m := NewMutable(slot, s, e)

	_, err := m.Insert(FromBytes([]byte("a")), 1)
	require.NoError(t, err)
	require.Nil(t, m.vidx)
}
