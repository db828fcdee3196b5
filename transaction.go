package dasdb

import (
	"github.com/datacratic/DasDB-sub001/internal/trie"
)

// InsertConflict resolves a key base, src and dest all disagree on — either
// a value both sides changed differently from base, or a key both sides
// introduced with different values. Returning ok=false signals that no
// sensible value exists, surfacing as ErrConflictUnresolved from Commit
// (spec §7: "when a user-supplied merge conflict callback raises").
type InsertConflict[V any] func(baseVal, srcVal, destVal V, baseOk bool) (V, bool)

// RemoveConflict resolves a key base had that the transaction removed, but
// the map has since modified away from baseVal. Returning true keeps the
// map's current value instead of removing it.
type RemoveConflict[V any] func(baseVal, destVal V) bool

// TransactionOptions carries the typed merge conflict hooks a
// MapTransaction's Commit uses.
type TransactionOptions[V any] struct {
	OnInsertConflict InsertConflict[V]
	OnRemoveConflict RemoveConflict[V]
}

// conflictRaised is the sentinel panic value wrapInsertConflict uses to
// signal ok=false up through internal/trie's untyped InsertConflict
// callback, which has no way to return an error of its own.
type conflictRaised struct{}

func wrapInsertConflict[K, V any](m *Map[K, V], cb InsertConflict[V]) trie.InsertConflict {
	if cb == nil {
		return nil
	}
	return func(_ trie.Fragment, baseVal, srcVal, destVal trie.Value, baseOk bool) trie.Value {
		resolved, ok := cb(m.fromLeaf(baseVal), m.fromLeaf(srcVal), m.fromLeaf(destVal), baseOk)
		if !ok {
			panic(conflictRaised{})
		}
		leaf, err := m.toLeaf(resolved)
		if err != nil {
			panic(conflictRaised{})
		}
		return leaf
	}
}

func wrapRemoveConflict[K, V any](m *Map[K, V], cb RemoveConflict[V]) trie.RemoveConflict {
	if cb == nil {
		return nil
	}
	return func(_ trie.Fragment, baseVal, destVal trie.Value) bool {
		return cb(m.fromLeaf(baseVal), m.fromLeaf(destVal))
	}
}

// MapTransaction is spec §4.12's `MapTransaction<K,V,Dealloc>`: a private,
// in-place workspace over m, merged back on Commit (spec §4.10/§4.11).
type MapTransaction[K, V any] struct {
	m  *Map[K, V]
	tx *trie.Transaction
}

// Insert mutates the transaction's private workspace.
func (t *MapTransaction[K, V]) Insert(k K, v V) error {
	leaf, err := t.m.toLeaf(v)
	if err != nil {
		return err
	}
	return t.tx.Insert(t.m.keys.Encode(k), leaf)
}

// Remove mutates the transaction's private workspace.
func (t *MapTransaction[K, V]) Remove(k K) (bool, error) {
	return t.tx.Remove(t.m.keys.Encode(k))
}

// Find resolves key against the transaction's own uncommitted state.
func (t *MapTransaction[K, V]) Find(k K) (V, bool) {
	leaf, ok := t.tx.Find(t.m.keys.Encode(k))
	if !ok {
		var zero V
		return zero, false
	}
	return t.m.fromLeaf(leaf), true
}

// Clear is forbidden inside a transaction; see spec §9's resolved Open
// Question (internal/trie.ErrClearNotSupportedInTransaction).
func (t *MapTransaction[K, V]) Clear() error {
	return t.tx.Clear()
}

// Commit implements §4.10's `commit()`, blocking on the map's named commit
// mutex. A conflict callback that returns ok=false surfaces here as
// ErrConflictUnresolved rather than corrupting the merge.
func (t *MapTransaction[K, V]) Commit() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(conflictRaised); ok {
				err = ErrConflictUnresolved
				return
			}
			panic(r)
		}
	}()
	return t.tx.Commit()
}

// TryCommit implements §4.10's `tryCommit`: non-blocking, returns
// (false, nil) if another commit on this map is in flight.
func (t *MapTransaction[K, V]) TryCommit() (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, isConflict := r.(conflictRaised); isConflict {
				ok, err = false, ErrConflictUnresolved
				return
			}
			panic(r)
		}
	}()
	return t.tx.TryCommit()
}

// Rollback implements §4.10's `rollback()`: discard the workspace, freeing
// every value the transaction had inserted (its own hash set of inserted
// keys, per spec §4.12, is internal/trie's diffInserted).
func (t *MapTransaction[K, V]) Rollback() {
	inserted := t.tx.Rollback()
	for _, leaf := range inserted {
		t.m.freeLeaf(leaf)
	}
}
