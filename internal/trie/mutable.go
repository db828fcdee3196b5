// Mutable implements the lock-free copy-on-write trie of spec §4.9 (C9):
// every mutation rebuilds the path from a leaf to the root as new COW
// nodes, then CASes the COWRegion slot's root pointer. A losing CAS
// restarts the whole attempt against the current root; no node built by
// the losing attempt is reused.
//
// Grounded on sirgallo/mari's Put/Delete retry loop (Operation.go): the
// "RWResizeLock + version check + CAS, else runtime.Gosched() and retry"
// shape is kept, generalised from mari's single-root-pointer CAS to
// operating against a named COWRegion Slot (C12) and scheduling reclaimed
// nodes through epoch.Manager.Defer instead of recycling them into a
// sync.Pool immediately (mari has no RCU: a losing writer's discarded copy
// is immediately safe to reuse because mari never shares a CoW node across
// readers the way §4.9 requires).
package trie

import (
	"github.com/datacratic/DasDB-sub001/internal/epoch"
)

// Mutable is a CoW trie rooted at a given COWRegion metadata slot.
type Mutable struct {
	slot  *Slot
	store *store
	epoch *epoch.Manager
	vidx  *VersionIndex
}

// NewMutable builds a mutable trie over slot, sharing store's node table and
// epoch's reclamation discipline with every other trie (transactional or
// mutable) over the same map.
func NewMutable(slot *Slot, s *store, e *epoch.Manager) *Mutable {
	return &Mutable{slot: slot, store: s, epoch: e}
}

// NewMap constructs a fresh Mutable over slot with its own node table, for
// callers above this package (C11's typed map facade) that have no access
// to the unexported store type and so cannot call NewMutable directly.
func NewMap(slot *Slot, e *epoch.Manager, alloc Allocator) *Mutable {
	return NewMutable(slot, newStore(alloc), e)
}

// Transaction opens a transactional workspace (C10) sharing m's node table
// and epoch manager, so its commit can see and merge against everything m's
// store already knows about.
func (m *Mutable) Transaction(name string, opts TransactionOptions) *Transaction {
	return NewTransaction(name, m.slot, m.store, m.epoch, opts)
}

// Find resolves key against the currently published root.
func (m *Mutable) Find(key Fragment) (Value, bool) {
	tok := m.epoch.LockShared()
	defer tok.Unpin()

	root := m.slot.Root()
	res := m.store.resolveKey(root, key)
	if res.kind == matchTerminal {
		return res.value, true
	}
	return 0, false
}

// CurrentRoot returns the root as currently published, pinned against
// concurrent reclamation for the lifetime of the returned release func.
func (m *Mutable) CurrentRoot() (TriePtr, func()) {
	tok := m.epoch.LockShared()
	return m.slot.Root(), tok.Unpin
}

// Version returns the version number of the currently published root. A
// successful Insert, Remove, CompareAndSwap, CompareAndRemove or Clear
// through m records its root under this number in m's attached
// VersionIndex, for a later PinAtVersion. A Transaction commit advances the
// number without recording it, so PinAtVersion does not resolve a version
// produced by a commit.
func (m *Mutable) Version() uint64 {
	return m.slot.Version()
}

// deferReclaim schedules every node on gc for reclamation once no pinned
// reader could still observe it (spec §4.9's "schedule the old path's
// nodes... for deferred reclamation via C2").
func (m *Mutable) deferReclaim(gc *gcList) {
	old := gc.old
	m.epoch.Defer(func() {
		for _, p := range old {
			m.store.deallocate(p)
		}
	})
}

// discardUnpublished frees nodes built during a losing attempt synchronously
// — safe because, per §4.9, no other reader can have observed them yet.
func (m *Mutable) discardUnpublished(gc *gcList) {
	for _, p := range gc.old {
		m.store.deallocate(p)
	}
}

// Insert implements §4.9's `insert`: find, build a new path tagged COW, CAS
// the slot, and on failure rebuild from the current root and retry.
func (m *Mutable) Insert(key Fragment, value Value) (existed bool, err error) {
	for {
		tok := m.epoch.LockShared()
		root := m.slot.Root()

		res := m.store.resolveKey(root, key)
		if res.kind == matchTerminal {
			tok.Unpin()
			return true, nil
		}

		gc := &gcList{}
		newRoot, ierr := m.store.insertLeaf(root, key, value, COW, gc)
		if ierr != nil {
			tok.Unpin()
			return false, ierr
		}

		if m.slot.CompareAndSwapRoot(root, newRoot) {
			m.slot.bumpVersion()
			m.recordVersion()
			m.deferReclaim(gc)
			tok.Unpin()
			return false, nil
		}

		// Losing CAS: the new path we built is unreachable. Since our
		// nodes are immutable value objects rather than unsafely-reused
		// memory, "fast retry" reduces to discarding the new nodes
		// synchronously (safe: nothing else can have observed them,
		// per §4.9's "no node visible in the trie ever mutates between
		// retries") and looping to rebuild against the now-current root.
		m.store.deallocate(newRoot)
		m.discardUnpublished(gc)
		tok.Unpin()
	}
}

// Remove implements §4.9's `remove`.
func (m *Mutable) Remove(key Fragment) (removed bool, err error) {
	for {
		tok := m.epoch.LockShared()
		root := m.slot.Root()

		gc := &gcList{}
		newRoot, found, rerr := m.store.removeLeaf(root, key, COW, gc)
		if rerr != nil {
			tok.Unpin()
			return false, rerr
		}
		if !found {
			tok.Unpin()
			return false, nil
		}

		if m.slot.CompareAndSwapRoot(root, newRoot) {
			m.slot.bumpVersion()
			m.recordVersion()
			m.deferReclaim(gc)
			tok.Unpin()
			return true, nil
		}

		if !newRoot.IsNull() {
			m.store.deallocate(newRoot)
		}
		m.discardUnpublished(gc)
		tok.Unpin()
	}
}

// CompareAndSwap implements §4.9's `compareAndSwap`: fail-fast when the
// predicate (current value equals old) does not hold.
func (m *Mutable) CompareAndSwap(key Fragment, old, new Value) (ok bool, current Value, err error) {
	for {
		tok := m.epoch.LockShared()
		root := m.slot.Root()

		res := m.store.resolveKey(root, key)
		if res.kind != matchTerminal || res.value != old {
			cur := Value(0)
			if res.kind == matchTerminal {
				cur = res.value
			}
			tok.Unpin()
			return false, cur, nil
		}

		gc := &gcList{}
		newRoot, ierr := m.store.insertLeaf(root, key, new, COW, gc)
		if ierr != nil {
			tok.Unpin()
			return false, 0, ierr
		}

		if m.slot.CompareAndSwapRoot(root, newRoot) {
			m.slot.bumpVersion()
			m.recordVersion()
			m.deferReclaim(gc)
			tok.Unpin()
			return true, new, nil
		}

		m.store.deallocate(newRoot)
		m.discardUnpublished(gc)
		tok.Unpin()
	}
}

// CompareAndRemove implements §4.9's `compareAndRemove`.
func (m *Mutable) CompareAndRemove(key Fragment, old Value) (ok bool, err error) {
	for {
		tok := m.epoch.LockShared()
		root := m.slot.Root()

		res := m.store.resolveKey(root, key)
		if res.kind != matchTerminal || res.value != old {
			tok.Unpin()
			return false, nil
		}

		gc := &gcList{}
		newRoot, found, rerr := m.store.removeLeaf(root, key, COW, gc)
		if rerr != nil || !found {
			tok.Unpin()
			return false, rerr
		}

		if m.slot.CompareAndSwapRoot(root, newRoot) {
			m.slot.bumpVersion()
			m.recordVersion()
			m.deferReclaim(gc)
			tok.Unpin()
			return true, nil
		}

		if !newRoot.IsNull() {
			m.store.deallocate(newRoot)
		}
		m.discardUnpublished(gc)
		tok.Unpin()
	}
}

// Clear implements §4.9's `clear`: CAS the root to null and schedule the
// old subtree for recursive reclamation.
func (m *Mutable) Clear() error {
	for {
		tok := m.epoch.LockShared()
		root := m.slot.Root()
		if m.slot.CompareAndSwapRoot(root, Null()) {
			m.slot.bumpVersion()
			m.recordVersion()
			m.epoch.Defer(func() { m.store.deallocateSubtree(root) })
			tok.Unpin()
			return nil
		}
		tok.Unpin()
	}
}

// Size returns the number of values reachable from the currently published
// root.
func (m *Mutable) Size() uint64 {
	tok := m.epoch.LockShared()
	defer tok.Unpin()
	return m.store.size(m.slot.Root())
}
