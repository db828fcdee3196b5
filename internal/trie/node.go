package trie

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/datacratic/DasDB-sub001/internal/keyfragment"
)

// Fragment is re-exported under the trie package's vocabulary to avoid every
// call site spelling out keyfragment.Fragment.
type Fragment = keyfragment.Fragment

// Value is the opaque 64-bit leaf payload of spec §3's KV: either a literal
// inlineable value, or (per C11) an offset into the external value
// allocator when V does not fit in 64 bits.
type Value uint64

// KV is spec §3's (key, value64, isPtr) triple, as produced by GatherKV.
type KV struct {
	Key   Fragment
	Value Value
	IsPtr bool // true iff Value is a child TriePtr's bit pattern, not a leaf value
}

// errOffTheEnd signals a path position past the last entry — not a real
// error, used internally to short-circuit lowerBound/upperBound scans.
var errOffTheEnd = errors.New("trie: off the end")

// store owns the node table: an in-process write-through cache over the
// real node/value bytes Allocator serializes TriePtr.Data() offsets into
// (publish/deserialize below). A cache miss — the normal state right after
// dasdb.Open reattaches to a file a previous process wrote — rebuilds the
// node from those bytes rather than failing; the cache only exists to
// avoid redeserializing a node every time a path touches it again. Every
// Trie (mutable or transactional) shares one store with the Map that owns
// it, per §4.9's "region-local allocators."
type store struct {
	alloc Allocator
	pool  *nodePool

	mu    sync.RWMutex
	nodes map[uint64]any // *branchNode or *terminalNode, cached by offset
}

// defaultNodePoolSize mirrors the teacher's NewMariNodePool(opts.NodePoolSize)
// call in Mari.go ("let's initialize with... pre-allocated nodes"), scaled
// down from the teacher's 100,000 since a trie node here is considerably
// larger (variable-length entries slice) than mari's fixed two-child shape.
const defaultNodePoolSize = 4096

func newStore(alloc Allocator) *store {
	return &store{alloc: alloc, pool: newNodePool(defaultNodePoolSize), nodes: make(map[uint64]any)}
}

// publish serializes n (Serialize.go's role, adapted to this package's
// closed taxonomy) and allocates it real, addressable storage through
// s.alloc — a TriePtr handed back from publish always resolves to actual
// bytes at p.Data(), whether s.alloc is file-backed (dasdb.Open) or an
// in-process byte buffer (unit tests).
func (s *store) publish(n any) (TriePtr, error) {
	var kind NodeKind
	var state State
	var body []byte
	switch v := n.(type) {
	case *branchNode:
		kind, state = v.kind, v.state
		body = encodeBranch(v)
	case *terminalNode:
		kind, state = v.kind, v.state
		body = encodeTerminal(v)
	default:
		return TriePtr{}, errors.New("trie: unknown node type")
	}

	offset, err := s.alloc.Allocate(uint32(len(body)))
	if err != nil {
		return TriePtr{}, err
	}
	if err := s.alloc.WriteAt(offset, body); err != nil {
		return TriePtr{}, err
	}

	p, err := FromBits(kind, state, offset)
	if err != nil {
		return TriePtr{}, err
	}

	// The in-process table is a write-through cache keyed by offset, not
	// the node's source of truth: a cache miss (the common case right
	// after reattaching to a file a previous process wrote) falls back to
	// deserialize below.
	s.mu.Lock()
	s.nodes[offset] = n
	s.mu.Unlock()

	return p, nil
}

func (s *store) load(p TriePtr) any {
	if p.IsNull() {
		return nil
	}
	offset := p.Data()

	s.mu.RLock()
	n, ok := s.nodes[offset]
	s.mu.RUnlock()
	if ok {
		return n
	}

	n, err := s.deserialize(p)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	// A concurrent load may have deserialized (and cached) the same offset
	// first; keep whichever instance landed in the cache so every caller
	// sees the same pointer identity.
	if existing, ok := s.nodes[offset]; ok {
		n = existing
	} else {
		s.nodes[offset] = n
	}
	s.mu.Unlock()
	return n
}

// deserialize reads and reconstructs the node at p's offset directly from
// s.alloc's backing bytes (Serialize.go's DeserializeINode/DeserializeLNode
// role) — the path a load takes for any offset this process has not
// already published or cached itself, in particular every node reachable
// from a root reattached by dasdb.Open (spec §4.5/§6).
func (s *store) deserialize(p TriePtr) (any, error) {
	size, err := s.alloc.SizeOf(p.Data())
	if err != nil {
		return nil, err
	}
	body, err := s.alloc.ReadAt(p.Data(), size)
	if err != nil {
		return nil, err
	}

	if isBranchKind(p.Kind()) {
		prefix, value, entries := decodeBranch(body)
		return s.newBranch(p.State(), prefix, value, entries), nil
	}
	prefix, entries := decodeTerminal(body)
	return s.newTerminal(p.State(), prefix, entries), nil
}

// deallocate frees the node's table slot (and recurses into its owned
// fragments' external blobs) per §4.7's `deallocate` primitive.
func (s *store) deallocate(p TriePtr) {
	if p.IsNull() {
		return
	}
	n := s.load(p)
	switch v := n.(type) {
	case *branchNode:
		v.prefix.DeallocRepr()
		for _, e := range v.entries {
			e.suffix.DeallocRepr()
		}
		s.pool.putBranch(v)
	case *terminalNode:
		v.prefix.DeallocRepr()
		for _, e := range v.entries {
			e.key.DeallocRepr()
		}
		s.pool.putTerminal(v)
	}
	s.mu.Lock()
	delete(s.nodes, p.Data())
	s.mu.Unlock()
	_ = s.alloc.Deallocate(p.Data())
}

// --- branchNode: realises BinaryBranch / DenseBranch / SparseBranch -------
//
// All three kinds share one shape: a consumed prefix (I2), a sorted list of
// entries keyed by the bits needed to pick a child after that prefix (I3),
// and an optional value living exactly at the node's own prefix (I1's
// "exactly 1 child plus an associated value" case, needed for PATRICIA-style
// tries where one key is a strict prefix of others). BinaryBranch is the
// 2-entry, single-bit-suffix specialisation; SparseBranch generalises to N
// entries of any suffix length (multiple single-bit levels collapsed into
// one node to avoid deep chains); DenseBranch additionally materialises a
// 256-slot array for O(1) dispatch once every entry's suffix is exactly one
// byte and fan-out crosses denseThreshold.
type branchNode struct {
	kind    NodeKind
	state   State
	prefix  Fragment
	value   *Value
	entries []branchEntry
	dense   []TriePtr // len 256 when kind == KindDenseBranch, else nil
}

type branchEntry struct {
	suffix Fragment
	ptr    TriePtr
}

const denseThreshold = 32

// terminalNode realises InlineTerm / BasicKeyedTerm / SparseTerm /
// CompressedTerm / LargeKeyTerm. All five share one shape: a common prefix
// factored out (I5) and a sorted list of (suffix key, value) entries (I3).
// Among several-entry terminals a non-empty prefix makes a CompressedTerm;
// a single-entry terminal may also carry a prefix (prefixKeys and removeLeaf
// keep one). InlineTerm/BasicKeyedTerm/LargeKeyTerm carry exactly one entry
// (InlineTerm's entry key is empty — the value sits exactly at the parent's
// matched prefix; LargeKeyTerm's prefix plus entry key exceeds
// largeKeyBits); SparseTerm/CompressedTerm carry several.
type terminalNode struct {
	kind    NodeKind
	state   State
	prefix  Fragment
	entries []termEntry
}

type termEntry struct {
	key   Fragment
	value Value
}

const largeKeyBits = 256
const compressThreshold = 8 // average stripped-key length (bits) above which Sparse->Compressed

func classifyTerminalKind(prefix Fragment, entries []termEntry) NodeKind {
	if len(entries) == 1 {
		if entries[0].key.IsEmpty() {
			return KindInlineTerm
		}
		if prefix.Bits()+entries[0].key.Bits() > largeKeyBits {
			return KindLargeKeyTerm
		}
		return KindBasicKeyedTerm
	}
	if prefix.Bits() > 0 {
		return KindCompressedTerm
	}
	avg := 0
	for _, e := range entries {
		avg += e.key.Bits()
	}
	if len(entries) > 0 {
		avg /= len(entries)
	}
	if avg > compressThreshold {
		return KindCompressedTerm
	}
	return KindSparseTerm
}

func classifyBranchKind(entries []branchEntry) NodeKind {
	if len(entries) == 2 && entries[0].suffix.Bits() == 1 && entries[1].suffix.Bits() == 1 {
		return KindBinaryBranch
	}
	allByteAligned := len(entries) >= denseThreshold
	for _, e := range entries {
		if e.suffix.Bits() != 8 {
			allByteAligned = false
			break
		}
	}
	if allByteAligned {
		return KindDenseBranch
	}
	return KindSparseBranch
}

func sortBranchEntries(entries []branchEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].suffix.Compare(entries[j].suffix) < 0 })
}

func sortTermEntries(entries []termEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].key.Compare(entries[j].key) < 0 })
}

func buildDense(entries []branchEntry) []TriePtr {
	dense := make([]TriePtr, 256)
	for _, e := range entries {
		b, _ := e.suffix.GetBits(8, 0)
		dense[b] = e.ptr
	}
	return dense
}

// nodePool recycles branchNode/terminalNode structs across CoW rewrites
// instead of leaving every superseded node to the garbage collector —
// grounded on the teacher's NodePool.go (MariNodePool's sync.Pool-backed
// Get*/Put* pair), generalized here from mari's two fixed node shapes
// (MariINode/MariLNode) to the closed nine-kind taxonomy this package
// still realizes as exactly two Go shapes.
type nodePool struct {
	maxSize int64
	size    atomic.Int64

	branch sync.Pool
	term   sync.Pool
}

func newNodePool(maxSize int64) *nodePool {
	np := &nodePool{maxSize: maxSize}
	np.branch.New = func() any { return &branchNode{} }
	np.term.New = func() any { return &terminalNode{} }
	np.initialize()
	return np
}

// initialize pre-warms both pools to maxSize/2 each, matching the teacher's
// initializePools (called once, when mari opens).
func (np *nodePool) initialize() {
	for i := int64(0); i < np.maxSize/2; i++ {
		np.branch.Put(&branchNode{})
		np.size.Add(1)
	}
	for i := int64(0); i < np.maxSize/2; i++ {
		np.term.Put(&terminalNode{})
		np.size.Add(1)
	}
}

func (np *nodePool) getBranch() *branchNode {
	n := np.branch.Get().(*branchNode)
	if np.size.Load() > 0 {
		np.size.Add(-1)
	}
	return n
}

func (np *nodePool) getTerminal() *terminalNode {
	n := np.term.Get().(*terminalNode)
	if np.size.Load() > 0 {
		np.size.Add(-1)
	}
	return n
}

// putBranch returns n to the pool once its superseding node has been
// published, resetting every field first (teacher's resetINode).
func (np *nodePool) putBranch(n *branchNode) {
	if np.size.Load() >= np.maxSize {
		return
	}
	n.kind, n.state, n.prefix, n.value, n.entries, n.dense = 0, 0, Fragment{}, nil, nil, nil
	np.branch.Put(n)
	np.size.Add(1)
}

// putTerminal returns n to the pool (teacher's resetLNode).
func (np *nodePool) putTerminal(n *terminalNode) {
	if np.size.Load() >= np.maxSize {
		return
	}
	n.kind, n.state, n.prefix, n.entries = 0, 0, Fragment{}, nil
	np.term.Put(n)
	np.size.Add(1)
}

// newBranch constructs a branchNode from the pool, classifying and (if
// applicable) materialising its dense array.
func (s *store) newBranch(state State, prefix Fragment, value *Value, entries []branchEntry) *branchNode {
	sortBranchEntries(entries)
	kind := classifyBranchKind(entries)
	n := s.pool.getBranch()
	n.kind, n.state, n.prefix, n.value, n.entries = kind, state, prefix, value, entries
	if kind == KindDenseBranch {
		n.dense = buildDense(entries)
	}
	return n
}

func (s *store) newTerminal(state State, prefix Fragment, entries []termEntry) *terminalNode {
	sortTermEntries(entries)
	kind := classifyTerminalKind(prefix, entries)
	n := s.pool.getTerminal()
	n.kind, n.state, n.prefix, n.entries = kind, state, prefix, entries
	return n
}

// --- §4.7 primitives --------------------------------------------------

// matchResult is the three-way outcome of matchKey: exactly one of its
// fields is meaningful, selected by kind.
type matchResultKind int

const (
	matchTerminal matchResultKind = iota
	matchNonTerminal
	matchOffTheEnd
)

type matchResult struct {
	kind         matchResultKind
	value        Value
	child        TriePtr
	bitsMatched  int
	skippedCount int
}

// matchKey consumes as much of key as self covers (§4.7's `matchKey`).
func (s *store) matchKey(self TriePtr, key Fragment) matchResult {
	if self.IsNull() {
		return matchResult{kind: matchOffTheEnd}
	}
	n := s.load(self)
	switch v := n.(type) {
	case *branchNode:
		cp := v.prefix.CommonPrefixLen(key)
		if cp < v.prefix.Bits() {
			return matchResult{kind: matchOffTheEnd}
		}
		rest := key.RemoveBits(v.prefix.Bits())
		if rest.IsEmpty() {
			if v.value != nil {
				return matchResult{kind: matchTerminal, value: *v.value}
			}
			return matchResult{kind: matchOffTheEnd}
		}
		for _, e := range v.entries {
			ecp := e.suffix.CommonPrefixLen(rest)
			if ecp == e.suffix.Bits() {
				return matchResult{kind: matchNonTerminal, child: e.ptr, bitsMatched: v.prefix.Bits() + e.suffix.Bits()}
			}
		}
		return matchResult{kind: matchOffTheEnd}
	case *terminalNode:
		cp := v.prefix.CommonPrefixLen(key)
		if cp < v.prefix.Bits() {
			return matchResult{kind: matchOffTheEnd}
		}
		rest := key.RemoveBits(v.prefix.Bits())
		for _, e := range v.entries {
			if e.key.Equal(rest) {
				return matchResult{kind: matchTerminal, value: e.value}
			}
		}
		return matchResult{kind: matchOffTheEnd}
	default:
		return matchResult{kind: matchOffTheEnd}
	}
}

// resolveKey fully resolves key against self, repeatedly descending through
// matchNonTerminal results until a terminal match or a definitive miss is
// reached. matchKey itself only consumes as much of key as a single node
// covers (§4.7's contract); resolveKey is the walk-to-completion every
// caller that wants "is key present, and with what value" actually needs.
func (s *store) resolveKey(self TriePtr, key Fragment) matchResult {
	cur := self
	rest := key
	for {
		res := s.matchKey(cur, rest)
		if res.kind != matchNonTerminal {
			return res
		}
		rest = rest.RemoveBits(res.bitsMatched)
		cur = res.child
	}
}

// size counts values reachable under self.
func (s *store) size(self TriePtr) uint64 {
	if self.IsNull() {
		return 0
	}
	n := s.load(self)
	switch v := n.(type) {
	case *branchNode:
		var total uint64
		if v.value != nil {
			total++
		}
		for _, e := range v.entries {
			total += s.size(e.ptr)
		}
		return total
	case *terminalNode:
		return uint64(len(v.entries))
	default:
		return 0
	}
}

// gatherKV returns every immediate child/value of self, sorted by key,
// per §4.7's `gatherKV`.
func (s *store) gatherKV(self TriePtr) []KV {
	if self.IsNull() {
		return nil
	}
	n := s.load(self)
	switch v := n.(type) {
	case *branchNode:
		out := make([]KV, 0, len(v.entries)+1)
		if v.value != nil {
			out = append(out, KV{Key: Fragment{}, Value: *v.value, IsPtr: false})
		}
		for _, e := range v.entries {
			out = append(out, KV{Key: e.suffix, Value: Value(e.ptr.Bits()), IsPtr: true})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
		return out
	case *terminalNode:
		out := make([]KV, 0, len(v.entries))
		for _, e := range v.entries {
			out = append(out, KV{Key: e.key, Value: e.value, IsPtr: false})
		}
		return out
	default:
		return nil
	}
}

// isBranching reports whether self's children are subtrees (true) versus
// terminal values (false).
func (s *store) isBranching(self TriePtr) bool {
	_, ok := s.load(self).(*branchNode)
	return ok
}

// allKV recursively gathers every (full key, value) pair under self,
// prefixing as it descends. Used by iteration (C8), MergeGC traversal, and
// gatherKV-at-depth callers that want full keys rather than suffixes.
func (s *store) allKV(self TriePtr, prefix Fragment) []KV {
	if self.IsNull() {
		return nil
	}
	n := s.load(self)
	switch v := n.(type) {
	case *branchNode:
		full := prefix.Concat(v.prefix)
		var out []KV
		if v.value != nil {
			out = append(out, KV{Key: full, Value: *v.value})
		}
		for _, e := range v.entries {
			out = append(out, s.allKV(e.ptr, full.Concat(e.suffix))...)
		}
		return out
	case *terminalNode:
		full := prefix.Concat(v.prefix)
		out := make([]KV, 0, len(v.entries))
		for _, e := range v.entries {
			out = append(out, KV{Key: full.Concat(e.key), Value: e.value})
		}
		return out
	default:
		return nil
	}
}
