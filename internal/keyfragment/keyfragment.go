// Package keyfragment implements the bit-string key representation of spec
// §4.6 (C6): an ordered bit-string with byte-aware slicing, concatenation,
// and common-prefix comparison, used as the unit of key storage throughout
// the trie (C7/C8).
//
// Grounded on sirgallo/mari's Key/byte handling in Utils.go (getIndexForLevel,
// byte-at-a-time key comparison) generalised from byte-granularity to
// bit-granularity per spec §4.6, and on original_source/mmap/key_fragment.cc
// for the inline-vs-external-blob storage split and the refcounted shared
// fragment.
package keyfragment

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// inlineCapacity is the largest bit length stored without an external blob,
// per spec §4.6 ("if bits <= 64, inline").
const inlineCapacity = 64

// ErrBitsExceeded is returned by GetBits when asked for more than 64 bits in
// a single call (the contract caps n<=64 per spec §4.6).
var ErrBitsExceeded = errors.New("keyfragment: getBits supports at most 64 bits at a time")

// blob is the shared external representation used once a fragment's bits
// exceed inlineCapacity. bits is packed MSB-first starting at absolute bit 0;
// refs is the 16-bit-spirited refcount of spec §4.6 (widened to int32 because
// Go's atomic package has no native 16-bit primitive; logical semantics are
// identical — increment on share, decrement-and-free at zero).
type blob struct {
	bits []byte
	refs int32
}

// Fragment is an immutable, ordered bit-string. The zero value is the empty
// fragment. Fragments sharing an external blob are cheap to copy (Prefix,
// Suffix); CopyRepr/DeallocRepr manage that blob's refcount explicitly.
type Fragment struct {
	start  int // absolute bit offset into the backing representation
	length int // number of valid bits starting at start

	inline uint64 // valid when ext == nil: bits packed MSB-first in the high bits
	ext    *blob  // non-nil once start+length would exceed inlineCapacity
}

// FromBits builds a fragment from up to 64 MSB-first bits.
func FromBits(value uint64, length int) Fragment {
	if length <= 0 {
		return Fragment{}
	}
	if length > inlineCapacity {
		length = inlineCapacity
	}
	return Fragment{inline: value << uint(inlineCapacity-length), length: length}
}

// FromBytes builds a fragment covering every bit of buf, MSB-first.
func FromBytes(buf []byte) Fragment {
	bits := len(buf) * 8
	if bits <= inlineCapacity {
		var v uint64
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return FromBits(v, bits)
	}
	cp := append([]byte(nil), buf...)
	return Fragment{length: bits, ext: &blob{bits: cp, refs: 1}}
}

// Bits returns the fragment's length in bits.
func (f Fragment) Bits() int { return f.length }

// IsEmpty reports whether the fragment has zero length.
func (f Fragment) IsEmpty() bool { return f.length == 0 }

// byteAt returns the external blob's byte containing absolute bit absBit
// (0-indexed from the start of the backing representation, i.e. already
// including f.start), or 0 for an inline fragment or a bit past the blob.
func (f Fragment) byteAt(absBit int) byte {
	if f.ext != nil {
		idx := absBit / 8
		if idx >= len(f.ext.bits) {
			return 0
		}
		return f.ext.bits[idx]
	}
	return 0
}

// GetBits returns up to 64 bits starting skip bits into the fragment,
// right-justified: the lowest n bits of the return value hold the requested
// bits, first bit most significant — the same layout FromBits takes, and the
// usual idiom for branch-index extraction. n is clipped to the bits left
// after skip.
func (f Fragment) GetBits(n, skip int) (uint64, error) {
	if n > 64 {
		return 0, ErrBitsExceeded
	}
	if skip+n > f.length {
		n = f.length - skip
		if n < 0 {
			n = 0
		}
	}
	if n == 0 {
		return 0, nil
	}

	abs := f.start + skip
	if f.ext == nil {
		// inline bits are packed MSB-first starting at bit 0 of `inline`.
		shifted := f.inline << uint(abs)
		return shifted >> uint(64-n), nil
	}

	var out uint64
	remaining := n
	pos := abs
	for remaining > 0 {
		byteIdx := pos / 8
		bitOff := pos % 8
		avail := 8 - bitOff
		take := avail
		if take > remaining {
			take = remaining
		}
		b := f.byteAt(byteIdx * 8)
		_ = b
		var cur byte
		if byteIdx < len(f.ext.bits) {
			cur = f.ext.bits[byteIdx]
		}
		shifted := (cur << uint(bitOff)) & 0xFF
		chunk := shifted >> uint(8-take)
		out = out<<uint(take) | uint64(chunk)
		remaining -= take
		pos += take
	}
	return out, nil
}

// RemoveBits pops n bits from the front of the fragment in O(1) amortised
// time via the lazy start offset of spec §4.6.
func (f Fragment) RemoveBits(n int) Fragment {
	if n >= f.length {
		return Fragment{}
	}
	out := f
	out.start += n
	out.length -= n
	return out
}

// Prefix returns the first n bits, sharing the external blob (if any)
// without copying.
func (f Fragment) Prefix(n int) Fragment {
	if n > f.length {
		n = f.length
	}
	out := f
	out.length = n
	if out.ext != nil {
		atomic.AddInt32(&out.ext.refs, 1)
	}
	return out
}

// Suffix returns the last n bits, sharing the external blob (if any) without
// copying.
func (f Fragment) Suffix(n int) Fragment {
	if n > f.length {
		n = f.length
	}
	out := f
	out.start = f.start + (f.length - n)
	out.length = n
	if out.ext != nil {
		atomic.AddInt32(&out.ext.refs, 1)
	}
	return out
}

// CommonPrefixLen returns the number of leading bits f and other share,
// compared 64 bits at a stride for O(min(bits)) behaviour.
func (f Fragment) CommonPrefixLen(other Fragment) int {
	max := f.length
	if other.length < max {
		max = other.length
	}

	common := 0
	for common < max {
		n := max - common
		if n > 64 {
			n = 64
		}
		a, _ := f.GetBits(n, common)
		b, _ := other.GetBits(n, common)
		if a == b {
			common += n
			continue
		}
		// narrow within this chunk bit by bit.
		for i := 0; i < n; i++ {
			ai, _ := f.GetBits(1, common+i)
			bi, _ := other.GetBits(1, common+i)
			if ai != bi {
				return common + i
			}
		}
		return common + n
	}
	return common
}

// Concat returns a new fragment with other's bits appended to f's. The
// result never shares storage with either operand.
func (f Fragment) Concat(other Fragment) Fragment {
	total := f.length + other.length
	if total <= inlineCapacity {
		fv, _ := f.GetBits(f.length, 0)
		ov, _ := other.GetBits(other.length, 0)
		return FromBits(fv<<uint(other.length)|ov, total)
	}

	buf := make([]byte, (total+7)/8)
	writeBits(buf, 0, f)
	writeBits(buf, f.length, other)
	return Fragment{length: total, ext: &blob{bits: buf, refs: 1}}
}

func writeBits(dst []byte, startBit int, f Fragment) {
	pos := startBit
	remaining := f.length
	off := 0
	for remaining > 0 {
		n := remaining
		if n > 56 { // keep GetBits chunks well under 64 so shifting is safe
			n = 56
		}
		v, _ := f.GetBits(n, off)
		for i := 0; i < n; i++ {
			bit := (v >> uint(n-1-i)) & 1
			byteIdx := (pos + i) / 8
			bitOff := uint(7 - (pos+i)%8)
			if bit == 1 {
				dst[byteIdx] |= 1 << bitOff
			}
		}
		pos += n
		off += n
		remaining -= n
	}
}

// Equal reports whether f and other represent the same bit-string.
func (f Fragment) Equal(other Fragment) bool {
	return f.length == other.length && f.CommonPrefixLen(other) == f.length
}

// Compare returns -1, 0, 1 for bit-lexicographic order, matching the total
// order required by §4.6 (a fragment that is a strict prefix of another
// sorts first).
func (f Fragment) Compare(other Fragment) int {
	cp := f.CommonPrefixLen(other)
	if cp == f.length && cp == other.length {
		return 0
	}
	if cp == f.length {
		return -1
	}
	if cp == other.length {
		return 1
	}
	a, _ := f.GetBits(1, cp)
	b, _ := other.GetBits(1, cp)
	if a < b {
		return -1
	}
	return 1
}

// CopyRepr increments the external blob's refcount (a no-op for inline
// fragments, which are cheap value copies already).
func (f Fragment) CopyRepr() Fragment {
	if f.ext != nil {
		atomic.AddInt32(&f.ext.refs, 1)
	}
	return f
}

// DeallocRepr decrements the external blob's refcount, freeing the backing
// bytes once it reaches zero. Safe to call on an inline fragment (no-op).
func (f Fragment) DeallocRepr() {
	if f.ext == nil {
		return
	}
	if atomic.AddInt32(&f.ext.refs, -1) == 0 {
		f.ext.bits = nil
	}
}

// Bytes materialises the fragment as a byte slice, zero-padded in its final
// byte if length is not a multiple of 8. Used by diagnostics and by large-key
// terminal nodes that need to hand a contiguous key to a caller.
func (f Fragment) Bytes() []byte {
	n := (f.length + 7) / 8
	out := make([]byte, n)
	pos := 0
	remaining := f.length
	for remaining > 0 {
		take := remaining
		if take > 56 {
			take = 56
		}
		v, _ := f.GetBits(take, pos)
		for i := 0; i < take; i += 8 {
			bits := take - i
			if bits > 8 {
				bits = 8
			}
			shift := take - i - bits
			b := byte((v >> uint(shift)) & ((1 << uint(bits)) - 1))
			b <<= uint(8 - bits)
			out[(pos+i)/8] |= b
		}
		pos += take
		remaining -= take
	}
	return out
}
