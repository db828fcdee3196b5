package trie

import "unsafe"

// addr returns a pointer to the uint64 at byte offset off within b, for the
// atomic load/store/CAS calls filemeta.go makes directly against the live
// mmap'd region — the same unsafe-pointer-over-a-byte-slice idiom
// sirgallo/mari's Meta.go uses for its version/root-offset fields.
func addr(b []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[off]))
}
