// Package dasdb is the public facade of an embedded, memory-mapped,
// persistent, concurrent ordered map (spec §1/§2): a copy-on-write trie
// (internal/trie) over a region (internal/region), reclaimed via RCU
// epochs (internal/epoch), journaled and snapshotted (internal/journal,
// internal/snapshot), supporting three-way-merging transactions.
//
// Everything below internal/ is an implementation detail; a caller only
// ever imports this package.
package dasdb

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/datacratic/DasDB-sub001/internal/epoch"
	"github.com/datacratic/DasDB-sub001/internal/region"
	"github.com/datacratic/DasDB-sub001/internal/snapshot"
	"github.com/datacratic/DasDB-sub001/internal/trie"
)

// Handle is a single open attachment to a DasDB data file — spec §6's
// `open_or_create(path, permissions, initial_size) -> Handle`. It owns the
// region, the file metadata (the 32-slot COWRegion array of page 0), the
// process-wide epoch manager every map over this file shares, and the
// snapshot manager driving dirty-page tracking and journaled flush.
type Handle struct {
	opts Options

	region *region.Region
	meta   *trie.Metadata
	epoch  *epoch.Manager
	nodes  *trie.RegionAllocator

	vidx *trie.VersionIndex

	initLock     *region.NamedLock
	snapshotLock *region.NamedLock
	snapshotMgr  *snapshot.Manager

	mapsMu sync.Mutex
	maps   map[string]*mapState
}

// mapState is the one shared, in-process trie over a given slot: every
// typed Map[K,V] facade opened for the same name must share exactly one of
// these, since the trie's node table (internal/trie's store) is an
// in-process cache over the node/value bytes h.nodes serializes into the
// region — unlike the on-file COWRegion slot and the node bytes
// themselves, that cache is not something a second OpenMap call could
// rediscover from the file alone; it is simply rebuilt lazily on demand.
type mapState struct {
	name     string
	mutable  *trie.Mutable
	namedLck *region.NamedLock
	blobs    *blobStore
}

func (h *Handle) mapStateFor(name string) (*mapState, error) {
	h.mapsMu.Lock()
	defer h.mapsMu.Unlock()

	if ms, ok := h.maps[name]; ok {
		return ms, nil
	}

	slot, err := h.meta.FindSlot(name)
	if errors.Is(err, trie.ErrSlotNotFound) {
		return nil, errors.Wrapf(ErrMapNotFound, "dasdb: no map named %q", name)
	}
	if err != nil {
		return nil, err
	}

	namedLck, err := region.OpenNamedLock(h.opts.lockPath("trie." + name))
	if err != nil {
		return nil, wrapIO(err, "open per-map commit lock")
	}

	trie.CommitLockFor(name).AttachNamedLock(namedLck)

	// Every map's node table is its own in-process cache, but all of them
	// allocate node/value bytes out of h.nodes, the one RegionAllocator
	// backing this file's region — node storage, unlike the node table
	// cache, is shared on-file state (spec §1/§3).
	m := trie.NewMap(slot, h.epoch, h.nodes)
	m.AttachVersionIndex(h.vidx)

	ms := &mapState{name: name, mutable: m, namedLck: namedLck, blobs: newBlobStore(h.nodes)}
	if h.maps == nil {
		h.maps = make(map[string]*mapState)
	}
	h.maps[name] = ms
	return ms, nil
}

// Open implements §6's `open_or_create`: create the data file if absent,
// otherwise map the existing one, recovering any journal left behind by a
// crash mid-snapshot before any reader can observe the file.
//
// Grounded on the teacher's Mari.Open (os.OpenFile with O_CREATE, then
// initializeFile's "fSize==0 ? initialise : map existing" branch), adapted
// from mari's single implicit map to the named, multi-map COWRegion array
// spec §3/§6 describe.
func Open(opts Options) (*Handle, error) {
	if opts.Filepath != "" {
		if err := os.MkdirAll(opts.Filepath, 0700); err != nil {
			return nil, wrapIO(err, "create data directory")
		}
	}

	initLock, err := region.OpenNamedLock(opts.lockPath("init"))
	if err != nil {
		return nil, wrapIO(err, "open init lock")
	}
	if err := initLock.Lock(); err != nil {
		return nil, wrapIO(err, "acquire init lock")
	}
	defer initLock.Unlock()

	// Recovery (spec §6): "On open, cleanup(path) must be called if no
	// other process is attached; it runs Journal.undo." initLock already
	// serialises against a second process racing us into Open, so running
	// undo unconditionally here is safe.
	if err := snapshot.Recover(opts.dataPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "dasdb: recover journal")
	}

	r, err := region.Open(opts.dataPath(), region.Read|region.Write, opts.InitialSize)
	if err != nil {
		return nil, wrapIO(err, "open region")
	}

	snapLock, err := region.OpenNamedLock(opts.lockPath("snapshot"))
	if err != nil {
		r.Close()
		return nil, wrapIO(err, "open snapshot lock")
	}

	vidx, err := trie.OpenVersionIndex(opts.versionIndexPath())
	if err != nil {
		r.Close()
		snapLock.Close()
		return nil, wrapIO(err, "open version index")
	}

	nodeAlloc, err := trie.NewRegionAllocator(r)
	if err != nil {
		r.Close()
		snapLock.Close()
		vidx.Close()
		return nil, errors.Wrap(err, "dasdb: open node allocator")
	}

	h := &Handle{
		opts:         opts,
		region:       r,
		meta:         trie.NewMetadata(r),
		epoch:        epoch.New(),
		nodes:        nodeAlloc,
		vidx:         vidx,
		initLock:     initLock,
		snapshotLock: snapLock,
		snapshotMgr:  snapshot.NewManager(r, snapLock, opts.dataPath(), opts.pageShift()),
	}
	// Every COWRegion slot write (root publication, version bump, slot
	// allocate/deallocate) and every node/value record write reports
	// itself to the snapshot manager's dirty-page table, so Snapshot
	// actually has the key/value data to flush, not just page 0's names
	// and root pointers.
	h.meta.AttachDirtyTracker(func(offset, length int) {
		h.snapshotMgr.MarkDirty(uint64(offset), uint64(length))
	})
	h.nodes.AttachDirtyTracker(func(offset, length int) {
		h.snapshotMgr.MarkDirty(uint64(offset), uint64(length))
	})
	return h, nil
}

// Close implements §6's `close(Handle)`: unmap and close every file this
// handle opened. Maps derived from h remain valid only up to this call.
func (h *Handle) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.mapsMu.Lock()
	for _, ms := range h.maps {
		record(wrapIO(ms.namedLck.Close(), "close per-map commit lock"))
	}
	h.mapsMu.Unlock()

	record(wrapIO(h.vidx.Close(), "close version index"))
	record(wrapIO(h.region.Close(), "close region"))
	record(wrapIO(h.snapshotLock.Close(), "close snapshot lock"))
	return firstErr
}

// Snapshot implements §6's `snapshot(Handle) -> bytes_written`: flush every
// page dirtied since the last snapshot to the backing file via a journaled
// batch (spec §4.5).
func (h *Handle) Snapshot() error {
	return h.snapshotMgr.Snapshot()
}

// Cleanup implements §6's `cleanup(path)`, usable without ever having
// opened a Handle: apply/undo any leftover journal and remove the named
// lock files this package creates next to the data file.
func Cleanup(opts Options) error {
	if err := snapshot.Recover(opts.dataPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "dasdb: cleanup: recover journal")
	}
	for _, name := range []string{"init", "snapshot"} {
		if err := os.Remove(opts.lockPath(name)); err != nil && !os.IsNotExist(err) {
			return wrapIO(err, "cleanup: remove lock file")
		}
	}
	mapLocks, err := filepath.Glob(opts.lockPath("trie.*"))
	if err != nil {
		return wrapIO(err, "cleanup: list per-map lock files")
	}
	for _, path := range mapLocks {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return wrapIO(err, "cleanup: remove lock file")
		}
	}
	return nil
}

// AllocateMap implements §6's `allocate_map(Handle, slot_id)`: claim a new
// named COWRegion slot. The returned name is passed to OpenMap (possibly by
// a different typed K/V instantiation over the same bytes).
func (h *Handle) AllocateMap(name string) error {
	_, err := h.meta.AllocateSlot(name)
	switch {
	case errors.Is(err, trie.ErrSlotNameTooLong):
		return errors.Wrap(ErrPreconditionViolated, err.Error())
	case errors.Is(err, trie.ErrSlotNameInUse):
		return errors.Wrap(ErrMapExists, err.Error())
	}
	return err
}

// DeallocateMap implements §6's `deallocate_map(Handle, slot_id)`. Per
// spec §7, deallocating a non-empty map is a PreconditionViolated fault —
// the caller must Clear() it first.
func (h *Handle) DeallocateMap(name string) error {
	slot, err := h.meta.FindSlot(name)
	if errors.Is(err, trie.ErrSlotNotFound) {
		return errors.Wrapf(ErrMapNotFound, "dasdb: no map named %q", name)
	}
	if err != nil {
		return err
	}
	if !slot.Root().IsNull() {
		return errors.Wrapf(ErrPreconditionViolated, "dasdb: map %q is not empty", name)
	}
	slot.Deallocate()
	return nil
}
