package dasdb

import "github.com/cockroachdb/errors"

// The error kinds of spec §7. RegionResize is deliberately absent here: it
// is caught and retried inside internal/region/internal/trie and never
// crosses this package's boundary.
var (
	// ErrPreconditionViolated marks a caller error serious enough that spec
	// §7 calls it "fatal, surfaced as a panic-level error" — e.g.
	// deallocating a non-empty map slot, or comparing iterators taken from
	// different map versions.
	ErrPreconditionViolated = errors.New("dasdb: precondition violated")

	// ErrCorruptJournal names a journal header mismatch or truncated entry
	// run. Cleanup/recovery treats such a journal as "no writes to apply"
	// and succeeds, so no operation in this package returns it.
	ErrCorruptJournal = errors.New("dasdb: journal is corrupt or truncated")

	// ErrConflictUnresolved is returned by a transaction's Commit/TryCommit
	// when a user-supplied InsertConflict callback returns ok=false or its
	// resolved value cannot be encoded. A panic raised by the callback
	// itself is re-raised, not converted to this error.
	ErrConflictUnresolved = errors.New("dasdb: merge conflict callback raised")

	// ErrOutOfSpace names a backing region that cannot grow further. No
	// operation in this package returns it: a failed region growth surfaces
	// as the wrapped truncate/mmap error instead.
	ErrOutOfSpace = errors.New("dasdb: region out of space")

	// ErrMapExists is returned by AllocateMap for a name already in use.
	ErrMapExists = errors.New("dasdb: a map with that name already exists")

	// ErrMapNotFound is returned by OpenMap for an unknown name.
	ErrMapNotFound = errors.New("dasdb: no map with that name")

	// ErrWrongVersion is returned when an iterator from one MapVersion is
	// compared against one from another (spec §4.12: "Comparing iterators
	// across versions is undefined and asserted against").
	ErrWrongVersion = errors.New("dasdb: iterators belong to different map versions")
)

// wrapIO tags err as an IoError per §7 ("any failure from mmap/mremap/
// pread/pwrite/fsync/open/close"); nil passes through unchanged.
func wrapIO(err error, what string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "dasdb: io: %s", what)
}
