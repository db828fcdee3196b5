package dasdb

import (
	"github.com/cockroachdb/errors"

	"github.com/datacratic/DasDB-sub001/internal/trie"
)

// blobStore backs "the external allocator" spec §4.12 names for values too
// large for a 64-bit leaf slot: a leaf's Value holds an offset into alloc,
// the same region-backed Allocator (trie.RegionAllocator, C7's node table
// uses) that gives every node real, addressable storage — so an oversized
// value survives Close/Open exactly like the trie nodes referencing it.
type blobStore struct {
	alloc trie.Allocator
}

func newBlobStore(alloc trie.Allocator) *blobStore {
	return &blobStore{alloc: alloc}
}

// put copies b into the store and returns the leaf Value referencing it.
func (bs *blobStore) put(b []byte) (trie.Value, error) {
	off, err := bs.alloc.Allocate(uint32(len(b)))
	if err != nil {
		return 0, errors.Wrap(err, "dasdb: external value allocate")
	}
	if err := bs.alloc.WriteAt(off, b); err != nil {
		return 0, errors.Wrap(err, "dasdb: external value write")
	}
	return trie.Value(off), nil
}

// get returns the bytes stored at v's offset.
func (bs *blobStore) get(v trie.Value) []byte {
	size, err := bs.alloc.SizeOf(uint64(v))
	if err != nil {
		return nil
	}
	b, err := bs.alloc.ReadAt(uint64(v), size)
	if err != nil {
		return nil
	}
	return b
}

// free releases the blob at v's offset, matching spec §4.12's "a
// user-supplied deallocator... invoked... for every value that is removed."
func (bs *blobStore) free(v trie.Value) {
	_ = bs.alloc.Deallocate(uint64(v))
}
