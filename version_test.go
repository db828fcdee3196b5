package dasdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapVersionFindIsolatedFromLaterMutation(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	v := m.Current()
	defer v.Release()

	_, err = m.Insert("b", 2)
	require.NoError(t, err)

	_, ok := v.Find("b")
	require.False(t, ok, "a version must not observe mutations after it was taken")

	got, ok := v.Find("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), got)
}

func TestMapVersionIterationOrder(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	for i, k := range []string{"b", "a", "c"} {
		_, err := m.Insert(k, uint64(i))
		require.NoError(t, err)
	}

	v := m.Current()
	defer v.Release()

	var keys []string
	for it := v.Begin(); it.Valid(); it = it.Next() {
		keys = append(keys, it.Key())
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMapVersionEqualAcrossVersionsIsWrongVersion(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	v1 := m.Current()
	defer v1.Release()

	_, err = m.Insert("b", 2)
	require.NoError(t, err)

	v2 := m.Current()
	defer v2.Release()

	_, err = v1.Begin().Equal(v2.Begin())
	require.ErrorIs(t, err, ErrWrongVersion)
}

func TestMapVersionLowerUpperBound(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	for _, k := range []string{"a", "c", "e"} {
		_, err := m.Insert(k, 0)
		require.NoError(t, err)
	}

	v := m.Current()
	defer v.Release()

	lo, hi := v.Bounds("b", "d")
	require.True(t, lo.Valid())
	require.Equal(t, "c", lo.Key())
	require.True(t, hi.Valid())
	require.Equal(t, "e", hi.Key())
}

func TestMapAtVersionResolvesAHistoricalRoot(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	asOf := m.Version()

	_, err = m.Insert("b", 2)
	require.NoError(t, err)

	v, ok := m.AtVersion(asOf)
	require.True(t, ok)
	defer v.Release()

	_, ok = v.Find("b")
	require.False(t, ok, "a version pinned at an earlier version must not see a later insert")

	got, ok := v.Find("a")
	require.True(t, ok)
	require.Equal(t, uint64(1), got)
}

func TestMapAtVersionUnknownVersionFails(t *testing.T) {
	m := newTestMap[string, uint64](t, "m", StringKeyCodec{}, Uint64ValueCodec{})
	_, err := m.Insert("a", 1)
	require.NoError(t, err)

	_, ok := m.AtVersion(m.Version() + 1000)
	require.False(t, ok)
}
