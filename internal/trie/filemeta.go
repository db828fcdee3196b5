package trie

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/datacratic/DasDB-sub001/internal/region"
)

// slotSize is the 64-byte aligned COWRegion record of spec §3/§6:
// { version u64, magic u64, gcData u128, type u64, root u64, name[16] }.
const slotSize = 64
const maxSlots = 32
const nameSize = 16

const slotMagic uint64 = 0xDA5DB0C0177101E5

var (
	// ErrSlotNameTooLong surfaces a PreconditionViolated per §7.
	ErrSlotNameTooLong = errors.New("trie: map name exceeds 16 bytes")
	// ErrNoFreeSlot surfaces when every one of the 32 COWRegion slots of
	// page 0 is already in use.
	ErrNoFreeSlot = errors.New("trie: file metadata page has no free slot")
	// ErrSlotNotFound is returned by FindSlot when name is absent.
	ErrSlotNotFound = errors.New("trie: no map with that name")
	// ErrSlotNameInUse is returned by AllocateSlot when name is already
	// claimed by another slot.
	ErrSlotNameInUse = errors.New("trie: a map with that name already exists")
)

// slotOffset returns the byte offset of slot i within page 0.
func slotOffset(i int) int { return i * slotSize }

const (
	offVersion = 0
	offMagic   = 8
	offGCData  = 16 // 16 bytes, u128
	offType    = 32
	offRoot    = 40
	offName    = 48 // 16 bytes
)

// Slot is a handle onto one of the 32 fixed COWRegion records in page 0.
// Its Root() is "the linearisation point for mutable tries" (spec §3).
type Slot struct {
	r     *region.Region
	idx   int
	dirty func(offset, length int)
}

// markDirty reports this slot's full 64-byte record to the attached dirty
// tracker, if any.
func (s *Slot) markDirty() {
	if s.dirty != nil {
		s.dirty(slotOffset(s.idx), slotSize)
	}
}

// Metadata owns page 0 of the region: the array of up to 32 COWRegion
// records naming the maps that live in this file, per spec §3/§6.
//
// Grounded on sirgallo/mari's Meta.go (the unsafe-pointer + atomic
// load/store of fixed fields directly against the live mmap byte range);
// generalised from mari's single implicit map to the 32-slot named array
// spec §3/§6 describe.
type Metadata struct {
	r     *region.Region
	dirty func(offset, length int)
}

// NewMetadata wraps a region whose first page is reserved for the COWRegion
// slot array. Callers must ensure r is at least one page long before using
// any Slot method.
func NewMetadata(r *region.Region) *Metadata { return &Metadata{r: r} }

// AttachDirtyTracker records fn as the callback every Slot this Metadata
// hands out reports its writes to (internal/snapshot's dirty-page table —
// see internal/snapshot.Manager.MarkDirty). A nil fn (the default) is a
// silent no-op, for callers with no snapshot mechanism to report to.
func (m *Metadata) AttachDirtyTracker(fn func(offset, length int)) { m.dirty = fn }

func (m *Metadata) page(g *region.Guard) []byte {
	return g.Bytes()
}

// FindSlot returns the existing slot named name, or ErrSlotNotFound.
func (m *Metadata) FindSlot(name string) (*Slot, error) {
	g := m.r.Pin()
	defer g.Release()
	b := m.page(g)

	for i := 0; i < maxSlots; i++ {
		off := slotOffset(i)
		if off+slotSize > len(b) {
			break
		}
		magic := binary.LittleEndian.Uint64(b[off+offMagic : off+offMagic+8])
		if magic != slotMagic {
			continue
		}
		n := readName(b[off+offName : off+offName+nameSize])
		if n == name {
			return &Slot{r: m.r, idx: i, dirty: m.dirty}, nil
		}
	}
	return nil, ErrSlotNotFound
}

// AllocateSlot claims the first unused slot for a new map named name
// (spec §6's `allocate_map`).
func (m *Metadata) AllocateSlot(name string) (*Slot, error) {
	if len(name) > nameSize {
		return nil, ErrSlotNameTooLong
	}
	if _, err := m.FindSlot(name); err == nil {
		return nil, ErrSlotNameInUse
	}

	g := m.r.Pin()
	defer g.Release()
	b := m.page(g)

	for i := 0; i < maxSlots; i++ {
		off := slotOffset(i)
		if off+slotSize > len(b) {
			return nil, ErrNoFreeSlot
		}
		magic := binary.LittleEndian.Uint64(b[off+offMagic : off+offMagic+8])
		if magic == slotMagic {
			continue
		}

		binary.LittleEndian.PutUint64(b[off+offVersion:], 1)
		binary.LittleEndian.PutUint64(b[off+offMagic:], slotMagic)
		// offType (spec §9: "spare `type` field ... preserved ... but not
		// assigned semantics") is left zeroed and never read elsewhere.
		binary.LittleEndian.PutUint64(b[off+offRoot:], 0)
		writeName(b[off+offName:off+offName+nameSize], name)
		if m.dirty != nil {
			m.dirty(off, slotSize)
		}
		return &Slot{r: m.r, idx: i, dirty: m.dirty}, nil
	}
	return nil, ErrNoFreeSlot
}

// Deallocate clears the slot's magic, making it available for reuse (spec
// §6's `deallocate_map`). The caller must have already reclaimed the slot's
// root subtree.
func (s *Slot) Deallocate() {
	g := s.r.Pin()
	b := g.Bytes()
	off := slotOffset(s.idx)
	binary.LittleEndian.PutUint64(b[off+offMagic:], 0)
	g.Release()
	s.markDirty()
}

func readName(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func writeName(dst []byte, name string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, name)
}

// Offset returns the slot's byte offset within page 0, for callers
// (internal/snapshot's dirty-page tracking) that need to mark exactly the
// bytes a root publication touched.
func (s *Slot) Offset() int { return slotOffset(s.idx) }

// SlotSize is the fixed on-file size of one COWRegion record (spec §3/§6).
func SlotSize() int { return slotSize }

// Root loads the slot's atomic root TriePtr — the linearisation point a
// mutable trie (C9) CASes against.
func (s *Slot) Root() TriePtr {
	g := s.r.Pin()
	defer g.Release()
	b := g.Bytes()
	off := slotOffset(s.idx) + offRoot
	return FromRawBits(atomic.LoadUint64((*uint64)(addr(b, off))))
}

// CompareAndSwapRoot performs the CAS of spec §4.9/§4.10's linearisation
// point.
func (s *Slot) CompareAndSwapRoot(old, new TriePtr) bool {
	g := s.r.Pin()
	b := g.Bytes()
	off := slotOffset(s.idx) + offRoot
	ok := atomic.CompareAndSwapUint64((*uint64)(addr(b, off)), old.Bits(), new.Bits())
	g.Release()
	if ok {
		s.markDirty()
	}
	return ok
}

// StoreRoot plainly stores new, used by §4.10's commit ("a plain store — we
// hold the mutex").
func (s *Slot) StoreRoot(new TriePtr) {
	g := s.r.Pin()
	b := g.Bytes()
	off := slotOffset(s.idx) + offRoot
	atomic.StoreUint64((*uint64)(addr(b, off)), new.Bits())
	g.Release()
	s.markDirty()
}

// Version returns the slot's version counter, incremented on every
// successful root publication (mirrors the teacher's per-op version tag).
func (s *Slot) Version() uint64 {
	g := s.r.Pin()
	defer g.Release()
	b := g.Bytes()
	off := slotOffset(s.idx) + offVersion
	return atomic.LoadUint64((*uint64)(addr(b, off)))
}

func (s *Slot) bumpVersion() {
	g := s.r.Pin()
	b := g.Bytes()
	off := slotOffset(s.idx) + offVersion
	atomic.AddUint64((*uint64)(addr(b, off)), 1)
	g.Release()
	s.markDirty()
}
