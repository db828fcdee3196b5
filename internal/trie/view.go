package trie

// View is a read-only handle onto one trie root, used by anything above
// this package (C11's MapVersion, C8's iterator) that needs Path/Begin/End/
// FindKey without being handed the unexported store type path.go's
// functions take. A View obtained from Mutable.Pin holds the epoch pinned
// until Release is called, matching spec §4.12's "MapVersion... holds the
// epoch lock until dropped"; a View obtained from Transaction.View needs no
// pin at all, since only the owning goroutine ever touches a transaction's
// workspace before commit/rollback.
type View struct {
	s       *store
	root    TriePtr
	release func()
}

// Pin snapshots m's currently published root and holds it pinned against
// RCU reclamation until Release is called.
func (m *Mutable) Pin() *View {
	tok := m.epoch.LockShared()
	return &View{s: m.store, root: m.slot.Root(), release: tok.Unpin}
}

// PinAtVersion resolves the root recorded at version through m's attached
// VersionIndex (§12.2's recovered feature) and pins it, for the
// MinVersion-restricted scan spec §4.12 describes. Reports ok=false if no
// VersionIndex is attached or version was never recorded.
//
// Unlike Pin, the returned View offers no guarantee that every node
// reachable from that historical root is still resident: epoch reclamation
// runs independently of the version index, exactly as in the teacher's own
// loadStartOffset/storeStartOffset (mari never retains old nodes for this
// purpose either). This is most reliable for a version recorded recently
// relative to the map's current version, or paired with an external
// retention policy this package does not itself implement.
func (m *Mutable) PinAtVersion(version uint64) (*View, bool) {
	if m.vidx == nil {
		return nil, false
	}
	root, ok := m.vidx.Load(version)
	if !ok {
		return nil, false
	}
	tok := m.epoch.LockShared()
	return &View{s: m.store, root: root, release: tok.Unpin}, true
}

// View exposes t's private workspace root for iteration; no epoch pin is
// needed since a transaction's IN_PLACE workspace has exactly one reader.
func (t *Transaction) View() *View {
	return &View{s: t.store, root: t.root}
}

// Release drops the epoch pin a Mutable-derived View holds. A no-op for a
// Transaction-derived View.
func (v *View) Release() {
	if v.release != nil {
		v.release()
	}
}

// Root returns the TriePtr this view is pinned against.
func (v *View) Root() TriePtr { return v.root }

// Find resolves key against the view's root.
func (v *View) Find(key Fragment) (Value, bool) {
	res := v.s.resolveKey(v.root, key)
	if res.kind == matchTerminal {
		return res.value, true
	}
	return 0, false
}

// Begin returns the first path over the view's root (spec §4.8's `begin`).
func (v *View) Begin() Path { return Begin(v.s, v.root) }

// End returns the off-the-end path (spec §4.8's `end`).
func (v *View) End() Path { return End(v.s, v.root) }

// FindKey implements §4.8's `findKey` against the view's root.
func (v *View) FindKey(key Fragment) Path { return FindKey(v.s, v.root, key) }

// FindIndex implements §4.8's `findIndex` against the view's root.
func (v *View) FindIndex(i int) Path { return FindIndex(v.s, v.root, i) }

// LowerBound returns the path to the smallest entry >= key.
func (v *View) LowerBound(key Fragment) Path { return LowerBound(v.s, v.root, key) }

// UpperBound returns the path to the smallest entry > key.
func (v *View) UpperBound(key Fragment) Path { return UpperBound(v.s, v.root, key) }

// Size returns the number of values reachable under the view's root.
func (v *View) Size() uint64 { return Size(v.s, v.root) }
