// Package epoch implements the process-wide RCU-style reclamation manager
// described in spec §4.2 (C2). Readers pin a generation while converting
// offsets to pointers; deferred work (node reclamation) runs only once
// every generation pinned at enqueue time has been released.
//
// The teacher (sirgallo/mari) has no equivalent of this component — it
// relies on path-copying plus a sync.Pool of discarded nodes instead of
// true RCU, so CoW nodes from a losing CAS are recycled immediately rather
// than deferred. DasDB needs real deferral because §4.9/§4.10 require that
// "no node visible in the trie ever mutates" until no reader can still see
// it; this is grounded on original_source/mmap's epoch/GC discipline
// (gc_list.cc) generalised into a small, self-contained manager.
package epoch

import (
	"sync"

	"go.uber.org/atomic"
)

// Manager tracks currently-pinned readers (shared holders) and serialises
// them against exclusive holders (resize, snapshot hand-off).
type Manager struct {
	mu sync.RWMutex

	generation atomic.Uint64

	pendingMu sync.Mutex
	pending   []deferred
}

type deferred struct {
	atGeneration uint64
	work         func()
}

// New creates an epoch manager starting at generation 0.
func New() *Manager {
	return &Manager{}
}

// Token represents one pinned reader; Unpin releases it.
type Token struct {
	m *Manager
}

// LockShared pins the caller's epoch. Multiple concurrent shared holders
// are permitted; it only excludes a concurrent LockExclusive.
func (m *Manager) LockShared() *Token {
	m.mu.RLock()
	return &Token{m: m}
}

// Unpin releases a token obtained from LockShared.
func (t *Token) Unpin() {
	t.m.mu.RUnlock()
}

// LockExclusive serialises with all shared and other exclusive holders; used
// only by region resize and snapshot hand-off (§4.2).
func (m *Manager) LockExclusive() func() {
	m.mu.Lock()
	m.generation.Add(1)
	return m.mu.Unlock
}

// Defer enqueues work to run once every reader pinned at the moment of the
// call has unpinned. Because LockShared/LockExclusive are backed by a
// sync.RWMutex, the simplest correct implementation is to run work as soon
// as an exclusive lock can be momentarily acquired — that action cannot
// succeed while any earlier shared pin is still held, which is exactly the
// grace-period guarantee §4.2 asks for.
func (m *Manager) Defer(work func()) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, deferred{atGeneration: m.generation.Load(), work: work})
	m.pendingMu.Unlock()

	go m.reclaimWhenQuiescent()
}

// reclaimWhenQuiescent blocks for a grace period (an exclusive acquisition)
// then drains everything enqueued before that point.
func (m *Manager) reclaimWhenQuiescent() {
	unlock := m.LockExclusive()
	unlock()

	m.drain()
}

func (m *Manager) drain() {
	m.pendingMu.Lock()
	ready := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	for _, d := range ready {
		d.work()
	}
}

// DeferBarrier blocks until all previously-deferred work has run.
func (m *Manager) DeferBarrier() {
	unlock := m.LockExclusive()
	unlock()
	m.drain()
}
