// Package writer implements ArticleWriter: turning decoded article bytes
// into the job's final output file, either by writing each article directly
// at its declared byte offset or by staging it in a scratch file for later
// reassembly when the offset is not yet known.
package writer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/javi11/nzbcore/internal/model"
)

// Mode selects how an decoded article's bytes reach the output file.
type Mode int

const (
	// ModeDirect writes straight into the final output file at the
	// article's declared byte range (yEnc begin/end), the common case: no
	// extra copy, and a partially-downloaded file is already playable.
	ModeDirect Mode = iota

	// ModeScratch writes each article into its own scratch file under a
	// temp directory; CompleteFileParts concatenates them in part order
	// once every article has finished. Used when the offset isn't known
	// up front (single-part jobs from a source with no size= header) or
	// the output filesystem doesn't support sparse WriteAt efficiently.
	ModeScratch
)

// ArticleWriter writes decoded article bytes for one FileInfo to disk.
type ArticleWriter struct {
	file       *model.FileInfo
	mode       Mode
	outputPath string
	scratchDir string
}

// New returns a writer for file, writing to outputPath. scratchDir is only
// used in ModeScratch and must already exist.
func New(file *model.FileInfo, mode Mode, outputPath, scratchDir string) *ArticleWriter {
	return &ArticleWriter{file: file, mode: mode, outputPath: outputPath, scratchDir: scratchDir}
}

// WriteArticle persists the decoded bytes for one article. begin/end are the
// 1-based inclusive byte range reported by the decoder (model.ArticleInfo
// carries no range itself; the downloader passes what decoder.Range gave it)
func (w *ArticleWriter) WriteArticle(article *model.ArticleInfo, begin, end int64, data []byte) error {
	switch w.mode {
	case ModeDirect:
		return w.writeDirect(begin, data)
	case ModeScratch:
		return w.writeScratch(article, data)
	default:
		return fmt.Errorf("nzbcore: unknown writer mode %d", w.mode)
	}
}

func (w *ArticleWriter) writeDirect(begin int64, data []byte) error {
	w.file.LockOutputFile()
	defer w.file.UnlockOutputFile()

	f, err := os.OpenFile(w.outputPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening output file: %w", model.ErrFatalArticle, err)
	}
	defer f.Close()

	// yEnc ranges are 1-based inclusive; WriteAt wants a 0-based offset.
	if _, err := f.WriteAt(data, begin-1); err != nil {
		return fmt.Errorf("%w: writing at offset %d: %w", model.ErrFatalArticle, begin-1, err)
	}
	return nil
}

func (w *ArticleWriter) scratchPath(article *model.ArticleInfo) string {
	return filepath.Join(w.scratchDir, fmt.Sprintf("%d.%d.part", article.FileID, article.PartNumber))
}

func (w *ArticleWriter) writeScratch(article *model.ArticleInfo, data []byte) error {
	path := w.scratchPath(article)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating scratch file %s: %w", model.ErrFatalArticle, path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%w: writing scratch file %s: %w", model.ErrFatalArticle, path, err)
	}
	return nil
}

// CompleteFileParts finalizes a ModeScratch output: it concatenates every
// article's scratch file, in part order, into a ".new" file and atomically
// renames it over outputPath — the same write-new/remove-old/rename pattern
// used for crash-safe disk-state saves, applied here to the output file
// instead. rawMode strips each part's trailing sentinel dot-line, matching
// how a raw (non-yEnc/non-UU) article's body still carries the NNTP
// end-of-article "." even though no decoder consumed it.
//
// dedup is the owning NzbInfo's recorded-completed-filenames pre-filter
// When outputPath's filename is already confirmed complete for this
// job, the assembled ".new" file is discarded, FileInfo.Duplicate is set,
// and the scratch parts are cleaned up without touching outputPath; dedup
// may be nil, e.g. in tests that don't exercise this bookkeeping.
func (w *ArticleWriter) CompleteFileParts(rawMode bool, dedup *model.Dedup) error {
	if w.mode != ModeScratch {
		return nil
	}

	articles := append([]*model.ArticleInfo(nil), w.file.Articles...)
	sort.Slice(articles, func(i, j int) bool { return articles[i].PartNumber < articles[j].PartNumber })

	newPath := w.outputPath + ".new"
	out, err := os.Create(newPath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", model.ErrFatalArticle, newPath, err)
	}
	bw := bufio.NewWriter(out)

	var writeErr error
	for _, article := range articles {
		if article.Status != model.ArticleStatusFinished {
			continue
		}
		writeErr = w.appendPart(bw, article, rawMode)
		if writeErr != nil {
			break
		}
	}

	flushErr := bw.Flush()
	closeErr := out.Close()
	if writeErr != nil {
		os.Remove(newPath)
		return writeErr
	}
	if flushErr != nil {
		os.Remove(newPath)
		return fmt.Errorf("%w: flushing %s: %w", model.ErrFatalArticle, newPath, flushErr)
	}
	if closeErr != nil {
		os.Remove(newPath)
		return fmt.Errorf("%w: closing %s: %w", model.ErrFatalArticle, newPath, closeErr)
	}

	name := filepath.Base(w.outputPath)
	if dedup != nil && dedup.MaybeContains(name) && dedup.Confirmed(name) {
		w.file.Duplicate = true
		os.Remove(newPath)
		for _, article := range articles {
			os.Remove(w.scratchPath(article))
		}
		return nil
	}

	os.Remove(w.outputPath)
	if err := os.Rename(newPath, w.outputPath); err != nil {
		return fmt.Errorf("%w: renaming %s into place: %w", model.ErrFatalArticle, newPath, err)
	}

	for _, article := range articles {
		os.Remove(w.scratchPath(article))
	}
	if dedup != nil {
		dedup.Add(name)
	}
	return nil
}

func (w *ArticleWriter) appendPart(dst io.Writer, article *model.ArticleInfo, rawMode bool) error {
	path := w.scratchPath(article)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: opening scratch part %s: %w", model.ErrFatalArticle, path, err)
	}
	defer f.Close()

	if !rawMode {
		_, err = io.Copy(dst, f)
		if err != nil {
			return fmt.Errorf("%w: copying scratch part %s: %w", model.ErrFatalArticle, path, err)
		}
		return nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%w: reading scratch part %s: %w", model.ErrFatalArticle, path, err)
	}
	data = stripTrailingDotLine(data)
	if _, err := dst.Write(data); err != nil {
		return fmt.Errorf("%w: writing scratch part %s: %w", model.ErrFatalArticle, path, err)
	}
	return nil
}

// stripTrailingDotLine removes a raw article body's terminating "\r\n.\r\n"
// (or its bare "." line), the NNTP end-of-body marker that a non-decoding
// raw pass-through otherwise leaves embedded in the output.
func stripTrailingDotLine(data []byte) []byte {
	switch {
	case len(data) >= 5 && string(data[len(data)-5:]) == "\r\n.\r\n":
		return data[:len(data)-5]
	case len(data) >= 3 && string(data[len(data)-3:]) == "\r\n.":
		return data[:len(data)-3]
	case len(data) >= 1 && data[len(data)-1] == '.' && (len(data) == 1 || data[len(data)-2] == '\n'):
		return data[:len(data)-1]
	default:
		return data
	}
}
