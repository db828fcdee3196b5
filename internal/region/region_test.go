package region

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenGrowPin(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "data"), Read|Write, 0)
	require.NoError(t, err)
	defer r.Close()

	require.Greater(t, r.Length(), 0)

	g := r.Pin()
	b := g.Bytes()
	require.Equal(t, r.Length(), len(b))
	g.Release()
}

func TestGrowIsIdempotentBelowCurrentLength(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "data"), Read|Write, 0)
	require.NoError(t, err)
	defer r.Close()

	before := r.Length()
	require.NoError(t, r.Grow(before/2))
	require.Equal(t, before, r.Length())
}

func TestGrowExclusiveExpands(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "data"), Read|Write, 0)
	require.NoError(t, err)
	defer r.Close()

	before := r.Length()
	require.NoError(t, r.GrowExclusive(before*3))
	require.Greater(t, r.Length(), before)
}

func TestNamedLockExclusion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resize.lock")

	l1, err := OpenNamedLock(path)
	require.NoError(t, err)
	defer l1.Close()

	require.NoError(t, l1.Lock())

	l2, err := OpenNamedLock(path)
	require.NoError(t, err)
	defer l2.Close()

	ok, err := l2.TryLock()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l1.Unlock())

	ok, err = l2.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
}
