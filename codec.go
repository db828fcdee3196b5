package dasdb

import (
	"encoding/binary"
	"math"

	"github.com/datacratic/DasDB-sub001/internal/keyfragment"
	"github.com/datacratic/DasDB-sub001/internal/trie"
)

// KeyCodec converts a typed key to and from the trie's bit-string key
// representation (internal/keyfragment). Spec §1 leaves "the typed key/
// value marshalling layer... specified only as an interface"; this and
// ValueCodec are that interface, realised as ordinary Go generics rather
// than reflection, matching how the teacher's own Mari always worked in
// raw []byte and left typed marshalling to its caller.
type KeyCodec[K any] interface {
	Encode(k K) trie.Fragment
	Decode(f trie.Fragment) K
}

// ValueCodec converts a typed value to and from DasDB's 64-bit leaf slot.
// Inline reports whether v fits directly in that slot; when it does not,
// Marshal/Unmarshal go through the map's external value store (spec §4.12:
// "values that do not fit in 64 bits are stored via the external
// allocator").
type ValueCodec[V any] interface {
	Inline(v V) (trie.Value, bool)
	FromInline(bits trie.Value) V
	Marshal(v V) []byte
	Unmarshal(b []byte) V
}

// StringKeyCodec encodes a string key as its raw bytes.
type StringKeyCodec struct{}

func (StringKeyCodec) Encode(k string) trie.Fragment { return keyfragment.FromBytes([]byte(k)) }
func (StringKeyCodec) Decode(f trie.Fragment) string  { return string(f.Bytes()) }

// BytesKeyCodec encodes a []byte key as-is.
type BytesKeyCodec struct{}

func (BytesKeyCodec) Encode(k []byte) trie.Fragment { return keyfragment.FromBytes(k) }
func (BytesKeyCodec) Decode(f trie.Fragment) []byte { return f.Bytes() }

// Uint64KeyCodec encodes a uint64 key big-endian, so trie key order matches
// numeric order (needed for lowerBound/upperBound over numeric keys, and
// for S2's reverse-bit-order scenario).
type Uint64KeyCodec struct{}

func (Uint64KeyCodec) Encode(k uint64) trie.Fragment {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], k)
	return keyfragment.FromBytes(b[:])
}

func (Uint64KeyCodec) Decode(f trie.Fragment) uint64 {
	return binary.BigEndian.Uint64(f.Bytes())
}

// Uint64ValueCodec stores a uint64 value inline — it always fits in the
// 64-bit leaf slot, so Marshal/Unmarshal are never reached.
type Uint64ValueCodec struct{}

func (Uint64ValueCodec) Inline(v uint64) (trie.Value, bool) { return trie.Value(v), true }
func (Uint64ValueCodec) FromInline(bits trie.Value) uint64  { return uint64(bits) }
func (Uint64ValueCodec) Marshal(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
func (Uint64ValueCodec) Unmarshal(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// Int64ValueCodec stores an int64 value inline via its two's-complement
// bit pattern.
type Int64ValueCodec struct{}

func (Int64ValueCodec) Inline(v int64) (trie.Value, bool) {
	return trie.Value(uint64(v)), true
}
func (Int64ValueCodec) FromInline(bits trie.Value) int64 { return int64(uint64(bits)) }
func (Int64ValueCodec) Marshal(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}
func (Int64ValueCodec) Unmarshal(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }

// Float64ValueCodec stores a float64 inline via math.Float64bits.
type Float64ValueCodec struct{}

func (Float64ValueCodec) Inline(v float64) (trie.Value, bool) {
	return trie.Value(math.Float64bits(v)), true
}
func (Float64ValueCodec) FromInline(bits trie.Value) float64 {
	return math.Float64frombits(uint64(bits))
}
func (Float64ValueCodec) Marshal(v float64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	return b[:]
}
func (Float64ValueCodec) Unmarshal(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// StringValueCodec stores a string through the map's external value store —
// a string essentially never fits a 64-bit slot.
type StringValueCodec struct{}

func (StringValueCodec) Inline(string) (trie.Value, bool) { return 0, false }
func (StringValueCodec) FromInline(trie.Value) string     { return "" }
func (StringValueCodec) Marshal(v string) []byte          { return []byte(v) }
func (StringValueCodec) Unmarshal(b []byte) string        { return string(b) }

// BytesValueCodec stores a []byte through the map's external value store.
type BytesValueCodec struct{}

func (BytesValueCodec) Inline([]byte) (trie.Value, bool) { return 0, false }
func (BytesValueCodec) FromInline(trie.Value) []byte     { return nil }
func (BytesValueCodec) Marshal(v []byte) []byte          { return v }
func (BytesValueCodec) Unmarshal(b []byte) []byte        { return b }
