package model

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Dedup is a fast-negative pre-filter over an NzbInfo's recorded completed
// filenames: a bloom filter never false-negatives, so a
// miss here is a guaranteed new filename and a hit falls back to the exact
// list only when the caller needs certainty (Confirmed).
type Dedup struct {
	mu      sync.Mutex
	filter  *bloom.BloomFilter
	exact   map[string]struct{}
}

// NewDedup returns a Dedup sized for approximately expectedItems entries at
// a 1% false-positive rate.
func NewDedup(expectedItems uint) *Dedup {
	return &Dedup{
		filter: bloom.NewWithEstimates(expectedItems, 0.01),
		exact:  make(map[string]struct{}),
	}
}

// Add records filename as completed.
func (d *Dedup) Add(filename string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddString(filename)
	d.exact[filename] = struct{}{}
}

// MaybeContains returns false only when filename is definitely not
// recorded; true means "maybe", and callers wanting certainty should use
// Confirmed.
func (d *Dedup) MaybeContains(filename string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.TestString(filename)
}

// Confirmed returns the exact membership, for the (rare) path where the
// bloom filter reported a possible hit and the caller needs a real answer.
func (d *Dedup) Confirmed(filename string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.exact[filename]
	return ok
}

// Filenames returns a snapshot of every recorded filename, used by DiskState
// to serialize NzbInfo.recordedCompletedFilenames.
func (d *Dedup) Filenames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.exact))
	for f := range d.exact {
		out = append(out, f)
	}
	return out
}
