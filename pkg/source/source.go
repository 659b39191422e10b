// Package source defines the contract between the extraction pipeline and the
// remote system records are read from.
package source

import (
	"context"
	"errors"
)

// ErrNoSupplemental reports that the remote system has no supplemental data for
// an index. It is not a failure: the index is skipped for good and never retried.
var ErrNoSupplemental = errors.New("no supplemental data")

// Source abstracts the remote collection. Implementations must be safe for
// concurrent use; the pipeline calls FetchRaw from up to batch-size goroutines.
type Source interface {
	// TotalCount returns the number of entries currently in the remote collection.
	TotalCount(ctx context.Context) (int, error)

	// FetchRaw returns every raw payload needed to build the record at index.
	// It returns ErrNoSupplemental (possibly wrapped) when the entry has no
	// supplemental data.
	FetchRaw(ctx context.Context, index int) (*RawBundle, error)

	// IndexBase is the first valid sequence index (0 or 1).
	IndexBase() int
}

// RawBundle holds the raw payloads for one collection entry.
type RawBundle struct {
	// Index is the sequence index the bundle was fetched for.
	Index int

	// RecordID is the stable identifier of the entry; it may differ from Index.
	RecordID uint64

	// MetadataJSON is the decoded token metadata document.
	MetadataJSON []byte

	// HTML and SVG are the rendered payloads; they end up in the blob.
	HTML string
	SVG  string

	// Seed is the render seed extracted from HTML.
	Seed string

	// Supplemental is nil when the source has no supplemental data.
	Supplemental *Supplemental
}

// Supplemental is the structured supplemental data of an entry.
type Supplemental struct {
	Level           string
	XCoordinate     string
	YCoordinate     string
	Elevation       string
	StructureSpaceX string
	StructureSpaceY string
	StructureSpaceZ string
	ZoneName        string
	ZoneColors      []string
	CharacterSet    []string
}

// Indexes returns the sequence indexes [base, base+total).
func Indexes(total, base int) []int {
	if total <= 0 {
		return nil
	}
	out := make([]int, total)
	for i := range out {
		out[i] = base + i
	}
	return out
}
