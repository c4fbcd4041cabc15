package model

import (
	"sync"
	"time"
)

// FileInfo is one file within an NzbInfo job. NzbID is a non-owning back
// reference to its parent, resolved through the Queue's id-indexed table
// under the queue lock rather than a raw pointer.
type FileInfo struct {
	ID       int64
	NzbID    int64
	Subject  string

	Filename          string
	FilenameConfirmed bool

	Groups   []string
	Articles []*ArticleInfo

	Size          int64
	RemainingSize int64
	MissedSize    int64
	MissedArticles int

	Time time.Time

	Paused        bool
	Deleted       bool
	ParFile       bool
	ExtraPriority bool
	Duplicate     bool

	ActiveDownloads int

	OutputFilename    string
	OutputInitialized bool
	outputMu          sync.Mutex
}

// LockOutputFile serializes direct-mode writers, which open this file's
// output and write their byte range under it; scratch-mode parts go to
// separate files and take no lock.
func (f *FileInfo) LockOutputFile()   { f.outputMu.Lock() }
func (f *FileInfo) UnlockOutputFile() { f.outputMu.Unlock() }

// TotalArticles returns the number of articles belonging to this file.
func (f *FileInfo) TotalArticles() int { return len(f.Articles) }

// RecomputeRemainingSize restores the invariant that RemainingSize equals
// the sum of sizes of articles not yet Finished or Failed, minus any size
// already known to be missed.
func (f *FileInfo) RecomputeRemainingSize() {
	var remaining int64
	for _, a := range f.Articles {
		if a.Status != ArticleStatusFinished && a.Status != ArticleStatusFailed {
			remaining += a.Size
		}
	}
	f.RemainingSize = remaining - f.MissedSize
	if f.RemainingSize < 0 {
		f.RemainingSize = 0
	}
}

// NextUndefinedArticle returns the first article still Undefined, in
// partNumber order, or nil if the file has no remaining work.
func (f *FileInfo) NextUndefinedArticle() *ArticleInfo {
	for _, a := range f.Articles {
		if a.Status == ArticleStatusUndefined {
			return a
		}
	}
	return nil
}

// IsComplete reports whether every article has reached a terminal state.
func (f *FileInfo) IsComplete() bool {
	for _, a := range f.Articles {
		if a.Status != ArticleStatusFinished && a.Status != ArticleStatusFailed {
			return false
		}
	}
	return true
}

// HasFailedArticle reports whether any article of this file ended Failed.
func (f *FileInfo) HasFailedArticle() bool {
	for _, a := range f.Articles {
		if a.Status == ArticleStatusFailed {
			return true
		}
	}
	return false
}

// IsDupe reports whether filename matches this file's already-confirmed
// output name, the cheap check FileInfo.IsDupe performs before the more
// expensive bloom-filtered NzbInfo-level lookup (see Dedup).
func (f *FileInfo) IsDupe(filename string) bool {
	return f.FilenameConfirmed && f.Filename == filename
}
