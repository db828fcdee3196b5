package dasdb

import (
	"github.com/sirgallo/utils"

	"github.com/datacratic/DasDB-sub001/internal/trie"
)

// MapVersion is spec §4.12's `MapVersion<K,V>`: an immutable snapshot
// obtained via Map.Current, holding the epoch lock until Release is
// called. All reads through a MapVersion observe one consistent root.
type MapVersion[K, V any] struct {
	m    *Map[K, V]
	view *trie.View
}

// Release drops the epoch pin this version holds. Every MapVersion must
// be released exactly once.
func (mv *MapVersion[K, V]) Release() {
	mv.view.Release()
}

// Find implements Version<K,V>::find.
func (mv *MapVersion[K, V]) Find(k K) (V, bool) {
	leaf, ok := mv.view.Find(mv.m.keys.Encode(k))
	if !ok {
		return utils.GetZero[V](), false
	}
	return mv.m.fromLeaf(leaf), true
}

// Size implements Version<K,V>::size.
func (mv *MapVersion[K, V]) Size() uint64 { return mv.view.Size() }

// Iter is a read-only cursor bound to the MapVersion that created it (spec
// §4.12: "iterators are read-only and bound to a single version").
type Iter[K, V any] struct {
	mv   *MapVersion[K, V]
	path trie.Path
}

// sameVersion asserts the precondition spec §4.12 calls out: "comparing
// iterators across versions is undefined" — realised here as a checked
// PreconditionViolated rather than silent undefined behaviour.
func (mv *MapVersion[K, V]) sameVersion(other *MapVersion[K, V]) error {
	if !mv.view.Root().Equal(other.view.Root()) {
		return ErrWrongVersion
	}
	return nil
}

// Begin implements Version<K,V>::begin.
func (mv *MapVersion[K, V]) Begin() Iter[K, V] { return Iter[K, V]{mv: mv, path: mv.view.Begin()} }

// End implements Version<K,V>::end.
func (mv *MapVersion[K, V]) End() Iter[K, V] { return Iter[K, V]{mv: mv, path: mv.view.End()} }

// FindIter implements Version<K,V>::find returning an iterator position.
func (mv *MapVersion[K, V]) FindIter(k K) Iter[K, V] {
	return Iter[K, V]{mv: mv, path: mv.view.FindKey(mv.m.keys.Encode(k))}
}

// LowerBound implements Version<K,V>::lower_bound.
func (mv *MapVersion[K, V]) LowerBound(k K) Iter[K, V] {
	return Iter[K, V]{mv: mv, path: mv.view.LowerBound(mv.m.keys.Encode(k))}
}

// UpperBound implements Version<K,V>::upper_bound.
func (mv *MapVersion[K, V]) UpperBound(k K) Iter[K, V] {
	return Iter[K, V]{mv: mv, path: mv.view.UpperBound(mv.m.keys.Encode(k))}
}

// Bounds implements Version<K,V>::bounds: [lowerBound(lo), upperBound(hi)].
func (mv *MapVersion[K, V]) Bounds(lo, hi K) (Iter[K, V], Iter[K, V]) {
	return mv.LowerBound(lo), mv.UpperBound(hi)
}

// Valid reports whether it points at an actual entry.
func (it Iter[K, V]) Valid() bool { return it.path.Valid() }

// Key returns the entry's key. Panics if !Valid(), per spec §7's
// PreconditionViolated class for an off-the-end iterator dereference.
func (it Iter[K, V]) Key() K {
	return it.mv.m.keys.Decode(it.path.KV().Key)
}

// Value returns the entry's value. Panics if !Valid().
func (it Iter[K, V]) Value() V {
	return it.mv.m.fromLeaf(it.path.KV().Value)
}

// Next advances the iterator by one rank.
func (it Iter[K, V]) Next() Iter[K, V] {
	return Iter[K, V]{mv: it.mv, path: it.path.Advance(1)}
}

// Prev moves the iterator back by one rank.
func (it Iter[K, V]) Prev() Iter[K, V] {
	return Iter[K, V]{mv: it.mv, path: it.path.Advance(-1)}
}

// Equal reports whether two iterators denote the same position, asserting
// they belong to the same MapVersion first (spec §4.12's "asserted
// against... requiring equal root pointers").
func (it Iter[K, V]) Equal(other Iter[K, V]) (bool, error) {
	if err := it.mv.sameVersion(other.mv); err != nil {
		return false, err
	}
	return it.path.Equal(other.path), nil
}
