// Package trie implements the persistent trie engine of spec §4.7-§4.12
// (C7-C10, C12): the closed node taxonomy, path/iterator, the lock-free
// copy-on-write mutable trie, and the transactional in-place trie with its
// three-way merge.
//
// Grounded on sirgallo/mari's path-copying Put/Get/Delete (Operation.go) and
// its Version/Meta handling, generalised from a fixed two-node (internal
// HAMT-node / leaf) shape to the closed nine-kind taxonomy spec §3/§4.7
// names, and on original_source/mmap's TriePtr composite pointer and
// three-way-merge commit protocol for the pieces the teacher has no
// analogue of (transactions, merge).
package trie

import "github.com/cockroachdb/errors"

// NodeKind is the 6-bit type tag of spec §3's TriePtr composite.
type NodeKind uint8

const (
	KindNullTerm NodeKind = iota
	KindBinaryBranch
	KindDenseBranch
	KindSparseBranch
	KindInlineTerm
	KindBasicKeyedTerm
	KindSparseTerm
	KindCompressedTerm
	KindLargeKeyTerm
)

func (k NodeKind) String() string {
	switch k {
	case KindNullTerm:
		return "NullTerm"
	case KindBinaryBranch:
		return "BinaryBranch"
	case KindDenseBranch:
		return "DenseBranch"
	case KindSparseBranch:
		return "SparseBranch"
	case KindInlineTerm:
		return "InlineTerm"
	case KindBasicKeyedTerm:
		return "BasicKeyedTerm"
	case KindSparseTerm:
		return "SparseTerm"
	case KindCompressedTerm:
		return "CompressedTerm"
	case KindLargeKeyTerm:
		return "LargeKeyTerm"
	default:
		return "Unknown"
	}
}

// State is the single state bit of TriePtr: whether the pointed-to node is
// copy-on-write (shared, immutable after publication) or in-place (owned by
// one transaction's private workspace).
type State uint8

const (
	COW State = iota
	InPlace
)

const (
	kindShift  = 58
	kindBits   = 6
	kindMask   = (uint64(1) << kindBits) - 1
	stateShift = 57
	dataBits   = 57
	dataMask   = (uint64(1) << dataBits) - 1
)

// ErrDataOverflow is raised by FromBits when data does not fit the 57-bit
// payload field.
var ErrDataOverflow = errors.New("trie: TriePtr data exceeds 57 bits")

// TriePtr is the 64-bit composite (type, state, data) of spec §3. It is a
// struct rather than a bare uint64 so that it can only be constructed
// through FromBits/FromRawBits/Null, per spec §9's "never allows accidental
// construction from raw integers except through an explicit from_bits
// constructor."
type TriePtr struct {
	bits uint64
}

// Null returns the empty-subtree TriePtr (spec §3: "A null TriePtr is the
// empty subtree").
func Null() TriePtr { return TriePtr{} }

// FromBits constructs a TriePtr from its three logical fields.
func FromBits(kind NodeKind, state State, data uint64) (TriePtr, error) {
	if data > dataMask {
		return TriePtr{}, ErrDataOverflow
	}
	var bits uint64
	bits |= (uint64(kind) & kindMask) << kindShift
	bits |= (uint64(state) & 1) << stateShift
	bits |= data & dataMask
	return TriePtr{bits: bits}, nil
}

// FromRawBits reconstructs a TriePtr from its serialised 64-bit form, as
// read back from a COWRegion metadata slot (§3, §6). This is the one place
// outside FromBits allowed to build a TriePtr from a raw integer, because the
// bits were themselves produced by an earlier FromBits/Bits round trip.
func FromRawBits(bits uint64) TriePtr { return TriePtr{bits: bits} }

// Bits returns the serialised 64-bit form, for storage in a COWRegion slot.
func (p TriePtr) Bits() uint64 { return p.bits }

// Kind returns the node kind tag.
func (p TriePtr) Kind() NodeKind { return NodeKind((p.bits >> kindShift) & kindMask) }

// State returns the COW/IN_PLACE state bit.
func (p TriePtr) State() State { return State((p.bits >> stateShift) & 1) }

// Data returns the 57-bit payload (an inlined value or a node-table offset).
func (p TriePtr) Data() uint64 { return p.bits & dataMask }

// IsNull reports whether p is the empty subtree.
func (p TriePtr) IsNull() bool { return p.bits == 0 }

// WithState returns a copy of p with its state bit set to s.
func (p TriePtr) WithState(s State) TriePtr {
	out, _ := FromBits(p.Kind(), s, p.Data())
	return out
}

func (p TriePtr) Equal(other TriePtr) bool { return p.bits == other.bits }
