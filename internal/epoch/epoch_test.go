package epoch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeferBarrierRunsWork(t *testing.T) {
	m := New()
	ran := false

	tok := m.LockShared()
	m.Defer(func() { ran = true })
	tok.Unpin()

	m.DeferBarrier()
	require.True(t, ran)
}

func TestDeferBarrierWithNoPendingWorkIsNoop(t *testing.T) {
	m := New()
	require.NotPanics(t, func() { m.DeferBarrier() })
}

func TestSharedLocksDoNotBlockEachOther(t *testing.T) {
	m := New()
	t1 := m.LockShared()
	t2 := m.LockShared()
	t1.Unpin()
	t2.Unpin()
}
