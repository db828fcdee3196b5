package dasdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMap[K, V any](t *testing.T, name string, keys KeyCodec[K], vals ValueCodec[V]) *Map[K, V] {
	t.Helper()
	h := newTestHandle(t)
	require.NoError(t, h.AllocateMap(name))
	m, err := OpenMap[K, V](h, name, keys, vals)
	require.NoError(t, err)
	return m
}

func TestMapInsertFindInline(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})

	inserted, err := m.Insert("a", 1)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = m.Insert("a", 2)
	require.NoError(t, err)
	require.False(t, inserted, "second insert of an existing key must not overwrite")

	v, ok := m.Find("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), v)

	_, ok = m.Find("missing")
	require.False(t, ok)
}

func TestMapInsertFindExternal(t *testing.T) {
	m := newTestMap[string, string](t, "m", StringKeyCodec{}, StringValueCodec{})

	inserted, err := m.Insert("name", "alice")
	require.NoError(t, err)
	require.True(t, inserted)

	v, ok := m.Find("name")
	require.True(t, ok)
	require.Equal(t, "alice", v)
}

func TestMapReplace(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})

	_, ok, err := m.Replace("a", 5)
	require.NoError(t, err)
	require.False(t, ok, "replace of an absent key must not insert")

	_, err = m.Insert("a", 5)
	require.NoError(t, err)

	old, ok, err := m.Replace("a", 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), old)

	v, _ := m.Find("a")
	require.Equal(t, uint64(9), v)
}

func TestMapRemove(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})

	removed, err := m.Remove("a")
	require.NoError(t, err)
	require.False(t, removed)

	_, err = m.Insert("a", 1)
	require.NoError(t, err)

	removed, err = m.Remove("a")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok := m.Find("a")
	require.False(t, ok)
}

func TestMapCompareAndSwap(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	ok, cur, err := m.CompareAndSwap("a", 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), cur)

	ok, cur, err = m.CompareAndSwap("a", 1, 3)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(2), cur)
}

func TestMapFetchAndAdd(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("counter", 10)
	require.NoError(t, err)

	v, err := m.FetchAndAdd("counter", func(cur uint64) uint64 { return cur + 5 })
	require.NoError(t, err)
	require.Equal(t, uint64(15), v)

	v, _ = m.Find("counter")
	require.Equal(t, uint64(15), v)
}

func TestMapFetchAndAddMissingKeyErrors(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.FetchAndAdd("missing", func(cur uint64) uint64 { return cur + 1 })
	require.Error(t, err)
}

func TestMapSizeAndClear(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, _ = m.Insert("a", 1)
	_, _ = m.Insert("b", 2)
	require.Equal(t, uint64(2), m.Size())

	require.NoError(t, m.Clear())
	require.Equal(t, uint64(0), m.Size())
}
