package trie

// Three-way merge (C10, spec §4.11): reconcile a transaction's private
// workspace (src, derived from base) against whatever has been published to
// the map since (dest), producing a single merged root.
//
// Grounded on the recursive-descent shape spec §4.11 describes (MergeDiff /
// MergeInsert / MergeRemove dispatching on which side changed a given key),
// but realised here as a key-by-key diff over each root's full sorted KV
// list (store.allKV) rather than the literal synchronous Cursor/
// BranchingPoint co-descent spec §4.11 spells out — the same simplification
// Path (path.go) already makes, for the same reason: every testable
// property in spec §8 is a statement about the resulting map contents, not
// about which physical nodes the merge touched along the way.

// InsertConflict resolves a key that base, src and dest disagree on: either
// a value src/dest both changed differently from base (baseOk=true), or a
// key src and dest both introduced with different values (baseOk=false).
// The default (DefaultInsertConflict) takes src's value.
type InsertConflict func(key Fragment, baseVal, srcVal, destVal Value, baseOk bool) Value

// RemoveConflict resolves a key base had that src removed, but dest has
// since modified away from baseVal. Returning true keeps destVal; the
// default (DefaultRemoveConflict) removes it anyway.
type RemoveConflict func(key Fragment, baseVal, destVal Value) bool

// DefaultInsertConflict implements spec §4.11's "default is srcVal".
func DefaultInsertConflict(_ Fragment, _, srcVal, _ Value, _ bool) Value { return srcVal }

// DefaultRemoveConflict implements spec §4.11's "default is to remove".
func DefaultRemoveConflict(_ Fragment, _, _ Value) bool { return false }

// MergeResult carries a merged root plus the bookkeeping §4.11 names:
// Removed is dest's values that MergeRemove actually discarded (MergeGC's
// reclaim side), Inserted is src's value for every key base did not have
// that the merge inserted into a result that lacked it. Values src changed
// under a key base had, and values settled by InsertConflict, are not
// listed in Inserted.
type MergeResult struct {
	Root     TriePtr
	Removed  []Value
	Inserted []Value
}

// mergeOptions bundles the two user-supplied conflict hooks, defaulting
// either to the spec's stated defaults when nil.
type mergeOptions struct {
	onInsert InsertConflict
	onRemove RemoveConflict
}

func (o mergeOptions) insert() InsertConflict {
	if o.onInsert != nil {
		return o.onInsert
	}
	return DefaultInsertConflict
}

func (o mergeOptions) remove() RemoveConflict {
	if o.onRemove != nil {
		return o.onRemove
	}
	return DefaultRemoveConflict
}

// mergeThreeWay implements MergeDiff/MergeInsert/MergeRemove of spec §4.11.
// gc collects every dest-side node superseded along the way, so the caller
// can treat it exactly like a mutable trie's per-attempt GC list.
func (s *store) mergeThreeWay(base, src, dest TriePtr, newState State, opts mergeOptions, gc *gcList) (MergeResult, error) {
	// MergeDiff's first two fast paths: no change, or a clean 2-way swap.
	if src.Equal(base) {
		return MergeResult{Root: dest}, nil
	}
	if dest.Equal(base) {
		gc.supersede(dest)
		converted, err := s.changeState(src, newState)
		if err != nil {
			return MergeResult{}, err
		}
		baseIdx := indexKV(s.allKV(base, Fragment{}))
		var inserted []Value
		for _, kv := range s.allKV(src, Fragment{}) {
			if _, ok := baseIdx[fragKey(kv.Key)]; !ok {
				inserted = append(inserted, kv.Value)
			}
		}
		return MergeResult{Root: converted, Inserted: inserted}, nil
	}

	baseKV := s.allKV(base, Fragment{})
	srcKV := s.allKV(src, Fragment{})
	baseIdx := indexKV(baseKV)

	result := dest
	var removed []Value
	var inserted []Value

	// Keys base had: dispatch to MergeRemove (src dropped it) or
	// MergeInsert (src changed its value; a same-key replace is modelled
	// as an insert per §4.11). resolveKey against src/result stands in
	// for the cursor/branching-point co-descent spec §4.11 describes.
	for _, bkv := range baseKV {
		k := bkv.Key
		baseVal := bkv.Value
		srcRes := s.resolveKey(src, k)
		destRes := s.resolveKey(result, k)

		if srcRes.kind == matchTerminal && srcRes.value == baseVal {
			continue // unchanged in src
		}

		if srcRes.kind != matchTerminal {
			// MergeRemove: base had it, src no longer does.
			if destRes.kind == matchTerminal {
				keep := false
				if destRes.value != baseVal {
					keep = opts.remove()(k, baseVal, destRes.value)
				}
				if !keep {
					newRoot, _, err := s.removeLeaf(result, k, newState, gc)
					if err != nil {
						return MergeResult{}, err
					}
					result = newRoot
					removed = append(removed, destRes.value)
				}
			}
			continue
		}

		// MergeInsert: base had it, src changed it to srcRes.value.
		srcVal := srcRes.value
		switch {
		case destRes.kind != matchTerminal:
			// dest removed the key outright; src still wants it present.
			// Not one of §4.11's two named conflict shapes, so fall back
			// to InsertConflict with destOk folded into baseOk=true —
			// there is no "current dest value" to show the callback, so
			// we pass baseVal as a stand-in and let the default (srcVal)
			// decide in the common case.
			newRoot, err := s.insertLeaf(result, k, opts.insert()(k, baseVal, srcVal, baseVal, true), newState, gc)
			if err != nil {
				return MergeResult{}, err
			}
			result = newRoot
		case destRes.value == baseVal:
			// dest unchanged since base: apply src's change outright.
			newRoot, err := s.insertLeaf(result, k, srcVal, newState, gc)
			if err != nil {
				return MergeResult{}, err
			}
			result = newRoot
		case destRes.value == srcVal:
			// both sides made the identical change already.
		default:
			resolved := opts.insert()(k, baseVal, srcVal, destRes.value, true)
			newRoot, err := s.insertLeaf(result, k, resolved, newState, gc)
			if err != nil {
				return MergeResult{}, err
			}
			result = newRoot
		}
	}

	// Keys src introduced that base never had at all.
	for _, skv := range srcKV {
		k := skv.Key
		if _, ok := baseIdx[fragKey(k)]; ok {
			continue
		}
		srcVal := skv.Value
		destRes := s.resolveKey(result, k)
		switch {
		case destRes.kind != matchTerminal:
			newRoot, err := s.insertLeaf(result, k, srcVal, newState, gc)
			if err != nil {
				return MergeResult{}, err
			}
			result = newRoot
			inserted = append(inserted, srcVal)
		case destRes.value == srcVal:
			// dest independently converged on the same insert.
		default:
			resolved := opts.insert()(k, 0, srcVal, destRes.value, false)
			newRoot, err := s.insertLeaf(result, k, resolved, newState, gc)
			if err != nil {
				return MergeResult{}, err
			}
			result = newRoot
		}
	}

	return MergeResult{Root: result, Removed: removed, Inserted: inserted}, nil
}

// fragKey gives a fragment a canonical map key: two fragments with equal
// content can otherwise differ in start offset or inline-vs-external
// representation, so raw Fragment values are not safe to compare with ==.
func fragKey(f Fragment) string {
	return string(f.Bytes()) + string(rune(f.Bits()))
}

// indexKV builds a lookup set keyed by fragment content for membership
// tests against a KV slice (used only to ask "did base have this key").
func indexKV(kvs []KV) map[string]Value {
	m := make(map[string]Value, len(kvs))
	for _, kv := range kvs {
		m[fragKey(kv.Key)] = kv.Value
	}
	return m
}

func valuesOf(kvs []KV) []Value {
	out := make([]Value, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Value
	}
	return out
}
