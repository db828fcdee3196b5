package dasdb

import (
	"path/filepath"

	"github.com/datacratic/DasDB-sub001/internal/region"
)

// Options configures Open, matching the register of the teacher's MariOpts
// (a plain struct literal, no env/config-file loader — out of scope per
// spec §1).
type Options struct {
	// Filepath is the directory the data file and its auxiliary files
	// (journal, version index, named locks) live in.
	Filepath string
	// FileName is the data file's base name within Filepath.
	FileName string
	// PageShift sizes the dirty-page table's page granularity (1<<PageShift
	// bytes). Zero selects the host's real page size.
	PageShift uint
	// InitialSize is the region's initial length in bytes. Zero selects
	// internal/region's own default.
	InitialSize int
}

func (o Options) dataPath() string { return filepath.Join(o.Filepath, o.FileName) }

func (o Options) versionIndexPath() string { return o.dataPath() + ".vidx" }

func (o Options) lockPath(name string) string {
	return filepath.Join(o.Filepath, name+"."+o.FileName+".lock")
}

func (o Options) pageShift() uint {
	if o.PageShift != 0 {
		return o.PageShift
	}
	shift := uint(0)
	for (1 << shift) < region.DefaultPageSize {
		shift++
	}
	return shift
}
