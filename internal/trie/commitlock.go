package trie

import (
	"sync"

	"github.com/sasha-s/go-deadlock"

	"github.com/datacratic/DasDB-sub001/internal/region"
)

// CommitLock is the "named inter-process commit mutex" of spec §4.10/§5:
// one committer at a time per map name. Go cannot take a genuinely
// cross-process mutex without going through region.NamedLock's flock, so
// CommitLock composes the two: an in-process deadlock.Mutex (cheap,
// deadlock-cycle detection for free, matching the Go-ecosystem way most of
// the pack's repos guard shared state) guarding the fast path, held for the
// same duration as region.NamedLock's cross-process flock so a second OS
// process opening the same file honours the lock too.
//
// Grounded on iotaledger-trie's use of go-deadlock for its in-process guard;
// the cross-process layer is internal/region.NamedLock, already built for
// C1 and reused here rather than duplicated.
type CommitLock struct {
	mu    deadlock.Mutex
	named *region.NamedLock
}

// AttachNamedLock composes l's cross-process flock into every future
// Lock/Unlock/TryLock, fulfilling the cross-process half of this type's
// own contract. Callers above this package (dasdb.OpenMap) call this once,
// right after commitLockFor returns, before any concurrent use.
func (c *CommitLock) AttachNamedLock(l *region.NamedLock) { c.named = l }

var (
	registryMu sync.Mutex
	registry   = map[string]*CommitLock{}
)

// commitLockFor returns the process-wide CommitLock for the named map,
// creating it on first use. Every Transaction over the same map shares one
// instance, so TryLock contention is visible across goroutines.
func commitLockFor(name string) *CommitLock {
	registryMu.Lock()
	defer registryMu.Unlock()
	if l, ok := registry[name]; ok {
		return l
	}
	l := &CommitLock{}
	registry[name] = l
	return l
}

// CommitLockFor exposes commitLockFor to callers above this package
// (dasdb.OpenMap) that need to attach the per-map NamedLock once at map-open
// time.
func CommitLockFor(name string) *CommitLock { return commitLockFor(name) }

// Lock blocks until the commit mutex is held.
func (c *CommitLock) Lock() {
	c.mu.Lock()
	if c.named != nil {
		c.named.Lock()
	}
}

// Unlock releases the commit mutex.
func (c *CommitLock) Unlock() {
	if c.named != nil {
		c.named.Unlock()
	}
	c.mu.Unlock()
}

// TryLock implements tryCommit's "non-blocking; returns false if busy".
func (c *CommitLock) TryLock() bool {
	if !c.mu.TryLock() {
		return false
	}
	if c.named != nil {
		ok, err := c.named.TryLock()
		if err != nil || !ok {
			c.mu.Unlock()
			return false
		}
	}
	return true
}
