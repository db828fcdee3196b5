package trie

import "encoding/binary"

// isBranchKind reports whether k is realized as a branchNode (true) or a
// terminalNode (false). store.load needs this before a node has actually
// been deserialized, since TriePtr.Kind() alone is what tells a cache-miss
// load which decoder to call.
func isBranchKind(k NodeKind) bool {
	switch k {
	case KindBinaryBranch, KindDenseBranch, KindSparseBranch:
		return true
	default:
		return false
	}
}

// encodeFragment lays out a Fragment as its bit length (so reconstruction
// recovers an exact length even when it isn't a multiple of 8) followed by
// its zero-padded bytes (Fragment.Bytes()).
func encodeFragment(f Fragment) []byte {
	raw := f.Bytes()
	out := make([]byte, 4+len(raw))
	binary.LittleEndian.PutUint32(out, uint32(f.Bits()))
	copy(out[4:], raw)
	return out
}

// decodeFragment is encodeFragment's inverse. It returns the fragment and
// the number of bytes consumed from b, so callers can keep decoding
// whatever follows it in the same record.
func decodeFragment(b []byte) (Fragment, int) {
	bits := int(binary.LittleEndian.Uint32(b))
	n := (bits + 7) / 8
	frag := FromBytes(b[4 : 4+n]).Prefix(bits)
	return frag, 4 + n
}

// encodeBranch serializes a branchNode's body: its consumed prefix, an
// optional value, and its sorted suffix/child entries. The dense dispatch
// array (kind == KindDenseBranch) is never stored — buildDense rebuilds it
// from entries every time a branch is published or deserialized.
func encodeBranch(v *branchNode) []byte {
	buf := encodeFragment(v.prefix)

	hasValue := byte(0)
	var valueBytes [8]byte
	if v.value != nil {
		hasValue = 1
		binary.LittleEndian.PutUint64(valueBytes[:], uint64(*v.value))
	}
	buf = append(buf, hasValue)
	buf = append(buf, valueBytes[:]...)

	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], uint32(len(v.entries)))
	buf = append(buf, countBytes[:]...)

	for _, e := range v.entries {
		buf = append(buf, encodeFragment(e.suffix)...)
		var ptrBytes [8]byte
		binary.LittleEndian.PutUint64(ptrBytes[:], e.ptr.Bits())
		buf = append(buf, ptrBytes[:]...)
	}
	return buf
}

// decodeBranch is encodeBranch's inverse.
func decodeBranch(b []byte) (prefix Fragment, value *Value, entries []branchEntry) {
	prefix, n := decodeFragment(b)
	pos := n

	hasValue := b[pos]
	pos++
	if hasValue != 0 {
		val := Value(binary.LittleEndian.Uint64(b[pos:]))
		value = &val
	}
	pos += 8

	count := int(binary.LittleEndian.Uint32(b[pos:]))
	pos += 4

	entries = make([]branchEntry, count)
	for i := 0; i < count; i++ {
		var suffix Fragment
		suffix, n = decodeFragment(b[pos:])
		pos += n
		ptr := FromRawBits(binary.LittleEndian.Uint64(b[pos:]))
		pos += 8
		entries[i] = branchEntry{suffix: suffix, ptr: ptr}
	}
	return prefix, value, entries
}

// encodeTerminal serializes a terminalNode's body: its factored prefix
// followed by its sorted (key, value) entries.
func encodeTerminal(v *terminalNode) []byte {
	buf := encodeFragment(v.prefix)

	var countBytes [4]byte
	binary.LittleEndian.PutUint32(countBytes[:], uint32(len(v.entries)))
	buf = append(buf, countBytes[:]...)

	for _, e := range v.entries {
		buf = append(buf, encodeFragment(e.key)...)
		var valBytes [8]byte
		binary.LittleEndian.PutUint64(valBytes[:], uint64(e.value))
		buf = append(buf, valBytes[:]...)
	}
	return buf
}

// decodeTerminal is encodeTerminal's inverse.
func decodeTerminal(b []byte) (prefix Fragment, entries []termEntry) {
	prefix, n := decodeFragment(b)
	pos := n

	count := int(binary.LittleEndian.Uint32(b[pos:]))
	pos += 4

	entries = make([]termEntry, count)
	for i := 0; i < count; i++ {
		var key Fragment
		key, n = decodeFragment(b[pos:])
		pos += n
		val := Value(binary.LittleEndian.Uint64(b[pos:]))
		pos += 8
		entries[i] = termEntry{key: key, value: val}
	}
	return prefix, entries
}
