// Package region owns the mmap-backed byte range shared by every other
// DasDB component (C1). It resizes the mapping under a reader/writer
// discipline and serialises 64-bit file offsets into live pointers.
//
// Grounded on: sirgallo/mari's Mari.data/IOUtils.go (atomic.Value-held
// MMap, RWResizeLock, isResizing flag, doubling resize strategy) and
// original_source/mmap/memory_region.cc (the resize protocol, the hidden
// growth page, the RegionResize retry signal).
package region

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Permission is a set of {READ, WRITE} as described in spec §4.1.
type Permission int

const (
	Read Permission = 1 << iota
	Write
)

// DefaultPageSize is the page size reported by the host OS.
var DefaultPageSize = os.Getpagesize()

// initialSize is the size, in pages, a brand-new region is created at when
// Open is given no initial length (16,000 pages: 65,536,000 bytes with 4KiB
// pages), matching the teacher's resizeMmap default allocation.
const initialSize = 16 * 1000 // pages
const maxResizeStep = 1_000_000_000

// hiddenPageCount is the "extra hidden page" of §4.1 kept past the live
// mapping. Length and Guard.Bytes exclude it; grow remaps the whole file,
// not only this page.
const hiddenPageCount = 1

// ErrResize is the internal RegionResize signal of §4.1/§7. It is never
// surfaced to a dasdb caller: the mutator that receives it retries after
// re-acquiring the region under an exclusive lock.
var ErrResize = errors.New("region: moving resize required, retry operation")

// mapping is the published {start, length} pair. Offsets are stable across
// resizes; the slice header (and therefore any *T derived from it) is not,
// which is why every live pointer must be reacquired after ErrResize.
type mapping struct {
	bytes []byte
}

// Region is a contiguous, page-aligned, file-backed virtual memory range.
type Region struct {
	file  *os.File
	perm  Permission

	current atomic.Value // holds *mapping

	// resizing guards the moving-remap path; readers take the shared side,
	// a resize or snapshot takes the exclusive side.
	resizeLock sync.RWMutex
	resizing   atomic.Bool

	fd int
}

// Open maps path into memory, creating it with initialLen bytes (rounded up
// to a page, plus the hidden growth page) if it does not already have
// content. An initialLen of zero selects the initialSize default.
func Open(path string, perm Permission, initialLen int) (*Region, error) {
	flag := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flag, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "region: open backing file")
	}

	r := &Region{file: f, perm: perm, fd: int(f.Fd())}
	r.current.Store(&mapping{bytes: nil})

	stat, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "region: stat backing file")
	}

	if stat.Size() == 0 {
		if err := r.grow(initialLen); err != nil {
			return nil, err
		}
		return r, nil
	}

	if err := r.mapExisting(int(stat.Size())); err != nil {
		return nil, err
	}
	return r, nil
}

// Close unmaps and closes the backing file.
func (r *Region) Close() error {
	m := r.load()
	if m.bytes != nil {
		if err := unix.Munmap(m.bytes); err != nil {
			return errors.Wrap(err, "region: munmap")
		}
	}
	return r.file.Close()
}

func (r *Region) load() *mapping {
	return r.current.Load().(*mapping)
}

// Length returns the current mapped length, a multiple of the system page
// size (excluding the hidden growth page).
func (r *Region) Length() int {
	m := r.load()
	if m.bytes == nil {
		return 0
	}
	return len(m.bytes) - hiddenPageCount*DefaultPageSize
}

func roundUpToPage(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	pages := (n + DefaultPageSize - 1) / DefaultPageSize
	return pages * DefaultPageSize
}

// Pin brackets every conversion of an Offset to a raw pointer (§4.1). It
// blocks every concurrent resize: Grow and GrowExclusive both need the
// exclusive side of the lock Pin holds shared. Callers must call Release on
// the returned guard exactly once per Pin.
type Guard struct {
	r *Region
}

func (r *Region) Pin() *Guard {
	r.resizeLock.RLock()
	return &Guard{r: r}
}

func (g *Guard) Release() {
	g.r.resizeLock.RUnlock()
}

// Bytes returns the live mapping. Valid only while the returned Guard has
// not been released — the backing slice may be swapped out from under a
// caller that holds a stale slice across a moving resize.
func (g *Guard) Bytes() []byte {
	m := g.r.load()
	if m.bytes == nil {
		return nil
	}
	return m.bytes[:len(m.bytes)-hiddenPageCount*DefaultPageSize]
}

// Grow requests the region be at least minLen bytes (excluding the hidden
// page). If no Pin'd reader or other resize holds the resize lock it grows
// at once; otherwise it returns ErrResize and the caller must retry after
// calling GrowExclusive. Every growth is a moving remap (munmap, truncate,
// mmap); the mapping is never extended in place.
func (r *Region) Grow(minLen int) error {
	if minLen <= r.Length() {
		return nil
	}
	if !r.resizeLock.TryLock() {
		return ErrResize
	}
	defer r.resizeLock.Unlock()
	return r.grow(minLen)
}

// LockExclusive acquires the region's resize lock for a caller that needs
// to exclude every Pin'd reader without itself performing a resize —
// internal/snapshot's fork point (§4.5 step 1: "acquire exclusive region
// lock; atomically replace the dirty-page table").
func (r *Region) LockExclusive() { r.resizeLock.Lock() }

// UnlockExclusive releases what LockExclusive acquired.
func (r *Region) UnlockExclusive() { r.resizeLock.Unlock() }

// GrowExclusive performs the resize protocol's step 3/4: acquire the
// exclusive region lock and perform a (possibly moving) remap.
func (r *Region) GrowExclusive(minLen int) error {
	r.resizeLock.Lock()
	defer r.resizeLock.Unlock()
	return r.grow(minLen)
}

// grow implements §4.1's resize protocol; caller must hold resizeLock.
func (r *Region) grow(minLen int) error {
	if !r.resizing.CompareAndSwap(false, true) {
		return ErrResize
	}
	defer r.resizing.Store(false)

	m := r.load()
	newLen := roundUpToPage(minLen)

	allocate := func() int64 {
		switch {
		case len(m.bytes) == 0 && minLen > 0:
			return int64(newLen)
		case len(m.bytes) == 0:
			return int64(DefaultPageSize) * initialSize
		case newLen >= maxResizeStep:
			return int64(newLen + maxResizeStep)
		default:
			grown := newLen
			if grown < len(m.bytes)*2 {
				grown = len(m.bytes) * 2
			}
			return int64(grown)
		}
	}()

	totalLen := allocate + int64(hiddenPageCount*DefaultPageSize)

	if m.bytes != nil {
		if err := unix.Munmap(m.bytes); err != nil {
			return errors.Wrap(err, "region: munmap before resize")
		}
	}

	if err := r.file.Truncate(totalLen); err != nil {
		return errors.Wrap(err, "region: truncate")
	}

	mapped, err := unix.Mmap(r.fd, 0, int(totalLen), mmapProt(r.perm), unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "region: mmap")
	}

	r.current.Store(&mapping{bytes: mapped})
	return nil
}

func (r *Region) mapExisting(size int) error {
	mapped, err := unix.Mmap(r.fd, 0, size, mmapProt(r.perm), unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "region: mmap existing")
	}
	r.current.Store(&mapping{bytes: mapped})
	return nil
}

func mmapProt(p Permission) int {
	prot := unix.PROT_NONE
	if p&Read != 0 {
		prot |= unix.PROT_READ
	}
	if p&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}

// Snapshot flushes the whole live mapping to disk with msync, ignoring the
// dirty-page table; internal/snapshot does the selective, journaled version
// described in spec §4.5.
func (r *Region) Snapshot() (int, error) {
	g := r.Pin()
	defer g.Release()

	b := g.Bytes()
	if b == nil {
		return 0, nil
	}
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		return 0, errors.Wrap(err, "region: msync")
	}
	return len(b), nil
}

// File exposes the backing *os.File for components (journal, snapshot) that
// need pread/pwrite access alongside the live mapping.
func (r *Region) File() *os.File { return r.file }

// NamedLock is a flock(2)-backed inter-process mutex. dasdb opens three
// kinds of them: `init.<data-file>.lock` (open serialisation),
// `snapshot.<data-file>.lock` and one `trie.<map-name>.<data-file>.lock` per
// map (commit serialisation). Resizes take no named lock; they are
// serialised only by the region's in-process resize lock. Each lock is its
// own zero-length file next to the data file.
type NamedLock struct {
	f *os.File
}

// OpenNamedLock opens (creating if necessary) the lock file at path.
func OpenNamedLock(path string) (*NamedLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "region: open named lock %q", path)
	}
	return &NamedLock{f: f}, nil
}

// Lock blocks until the exclusive flock is acquired.
func (l *NamedLock) Lock() error {
	return errors.Wrap(unix.Flock(int(l.f.Fd()), unix.LOCK_EX), "region: flock")
}

// TryLock attempts to acquire the exclusive flock without blocking.
func (l *NamedLock) TryLock() (bool, error) {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, errors.Wrap(err, "region: flock nb")
}

// Unlock releases the flock.
func (l *NamedLock) Unlock() error {
	return errors.Wrap(unix.Flock(int(l.f.Fd()), unix.LOCK_UN), "region: funlock")
}

// Close releases the lock and closes the underlying file.
func (l *NamedLock) Close() error {
	_ = l.Unlock()
	return l.f.Close()
}
