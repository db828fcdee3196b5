// Package journal implements the write-ahead log of spec §4.4 (C4): a log
// of (offset, old bytes) entries that lets a batch of page writes be applied
// to the target file safely, and undone if the writer dies mid-batch.
//
// Grounded on original_source/mmap/journal.cc for the on-disk format (the
// magic header, the commit marker, cache-line-chunk diffing with
// coalescing of adjacent modified runs) and on
// _examples/other_examples/726a5d45_operator-framework-operator-registry__vendor-modernc.org-file-wal.go.go
// for the Go idiom of a tagged WAL file guarded by a magic/tag and driven
// by Commit/Rollback methods.
package journal

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

const (
	// header is "MMAPJRNL" read as a little-endian uint64, per spec §4.4/§6.
	header uint64 = 0x4C4E524A50414D4D
	// commitMarker is written only after fdatasync of the entries.
	commitMarker uint64 = 0xFFEEDDCCCCDDEEFF

	chunkSize = 64 // cache-line sized diff granularity
)

// ErrCorrupt names a journal whose header doesn't match or whose entries are
// truncated before the commit marker. Undo treats that case as "no writes to
// apply" (per §7) and returns nil, so no function in this package returns
// ErrCorrupt.
var ErrCorrupt = errors.New("journal: corrupt or truncated")

// entry is one coalesced modified run: offset/size describe the run in the
// target file; old holds the pre-image bytes (for undo) and new the bytes
// to apply on commit.
type entry struct {
	offset uint64
	old    []byte
	new    []byte
}

// Journal accumulates entries against a target file descriptor, then
// applies or discards them as a unit.
type Journal struct {
	path   string
	target *os.File
	f      *os.File
	entries []entry
}

// Path returms the on-disk journal path for a given data file, per §6:
// "<data-file>.log".
func Path(dataFile string) string {
	return dataFile + ".log"
}

// Create opens a fresh journal file for target, truncating any previous
// content and writing the header.
func Create(dataFile string, target *os.File) (*Journal, error) {
	path := Path(dataFile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "journal: create")
	}

	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return nil, errors.Wrap(err, "journal: write header")
	}

	return &Journal{path: path, target: target, f: f}, nil
}

// AddEntry diffs size bytes of newBytes against the current content of the
// target file at offset, in chunkSize runs, coalescing adjacent differing
// chunks into a single entry. Only the differing runs are journaled.
func (j *Journal) AddEntry(offset uint64, newBytes []byte) error {
	size := uint64(len(newBytes))
	old := make([]byte, size)
	if _, err := j.target.ReadAt(old, int64(offset)); err != nil && err != io.EOF {
		return errors.Wrap(err, "journal: read target for diff")
	}

	var startChunk int64 = -1
	var oldRun []byte

	flush := func(chunkStart int64) error {
		if startChunk < 0 {
			return nil
		}
		e := entry{
			offset: offset + uint64(startChunk),
			old:    append([]byte(nil), oldRun...),
			new:    newBytes[startChunk:chunkStart],
		}
		j.entries = append(j.entries, e)

		if err := binary.Write(j.f, binary.LittleEndian, e.offset); err != nil {
			return err
		}
		if err := binary.Write(j.f, binary.LittleEndian, uint64(len(e.old))); err != nil {
			return err
		}
		if _, err := j.f.Write(e.old); err != nil {
			return err
		}

		startChunk = -1
		oldRun = nil
		return nil
	}

	for i := uint64(0); i < size; i += chunkSize {
		end := i + chunkSize
		if end > size {
			end = size
		}

		match := bytes.Equal(newBytes[i:end], old[i:end])
		if !match {
			oldRun = append(oldRun, old[i:end]...)
			if startChunk < 0 {
				startChunk = int64(i)
			}
		}
		runEnd := end
		if match {
			runEnd = i
		}
		if match || end == size {
			if err := flush(int64(runEnd)); err != nil {
				return errors.Wrap(err, "journal: write entry")
			}
		}
	}

	return nil
}

// ApplyToTarget flushes entries, fsyncs, writes the commit marker, fsyncs
// again, then pwrites every new-bytes run to the target and fsyncs. On
// success the journal file is unlinked, per §4.4.
func (j *Journal) ApplyToTarget() (int64, error) {
	if len(j.entries) == 0 {
		j.cleanup()
		return 0, nil
	}

	if err := j.f.Sync(); err != nil {
		return 0, errors.Wrap(err, "journal: fsync entries")
	}
	if err := binary.Write(j.f, binary.LittleEndian, commitMarker); err != nil {
		return 0, errors.Wrap(err, "journal: write commit marker")
	}
	if err := j.f.Sync(); err != nil {
		return 0, errors.Wrap(err, "journal: fsync commit marker")
	}

	var written int64
	for _, e := range j.entries {
		n, err := j.target.WriteAt(e.new, int64(e.offset))
		if err != nil {
			return written, errors.Wrap(err, "journal: pwrite target")
		}
		written += int64(n)
	}
	if err := j.target.Sync(); err != nil {
		return written, errors.Wrap(err, "journal: fsync target")
	}

	j.cleanup()
	return written, nil
}

func (j *Journal) cleanup() {
	j.f.Close()
	os.Remove(j.path)
}

// Undo implements §4.4's recovery semantics: if journalPath doesn't exist,
// nothing to do. If it exists but the header doesn't match or entries are
// truncated before the commit marker, the writer died before committing —
// leave target untouched and unlink (a no-op on the target, per §7's
// CorruptJournal kind). Otherwise the writer died after commit but perhaps
// before the final target fsync: rewrite the old bytes back and fsync.
func Undo(targetPath, journalPath string) error {
	jf, err := os.Open(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "journal: open for undo")
	}
	defer jf.Close()
	defer os.Remove(journalPath)

	var gotHeader uint64
	if err := binary.Read(jf, binary.LittleEndian, &gotHeader); err != nil || gotHeader != header {
		return nil // corrupt/truncated header: no writes were in flight
	}

	type rec struct {
		offset uint64
		old    []byte
	}
	var recs []rec
	sawCommit := false

	for {
		var offset, size uint64
		if err := binary.Read(jf, binary.LittleEndian, &offset); err != nil {
			break
		}
		if offset == commitMarker {
			sawCommit = true
			break
		}
		if err := binary.Read(jf, binary.LittleEndian, &size); err != nil {
			break // truncated entry: treat as no commit
		}
		old := make([]byte, size)
		if _, err := io.ReadFull(jf, old); err != nil {
			break // truncated entry
		}
		recs = append(recs, rec{offset: offset, old: old})
	}

	if !sawCommit {
		return nil // writer died before commit: target untouched
	}

	target, err := os.OpenFile(targetPath, os.O_RDWR, 0600)
	if err != nil {
		return errors.Wrap(err, "journal: open target for undo")
	}
	defer target.Close()

	for _, r := range recs {
		if _, err := target.WriteAt(r.old, int64(r.offset)); err != nil {
			return errors.Wrap(err, "journal: rewrite old bytes")
		}
	}
	return errors.Wrap(target.Sync(), "journal: fsync after undo")
}
