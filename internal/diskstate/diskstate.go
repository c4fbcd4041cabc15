// Package diskstate implements the queue's crash-safe persistence: a small
// versioned queue file plus one detail file per FileInfo, written with the
// write-new/remove-old/rename pattern so a crash mid-save never corrupts the
// previous good state.
//
// The queue file is line-oriented text. It starts with a version header,
// then four sections in order: the active NzbInfo list, the history list,
// the URL queue, and the parked-file list. Every list is preceded by its
// count on its own line; fields within a line are comma-separated, and
// 64-bit sizes are split into high/low 32-bit pairs. Free-form text
// (filenames, subjects, parameter values) always occupies a whole line of
// its own, or sits last on its line so commas inside it survive.
package diskstate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/statmeter"
)

// currentVersion is bumped whenever the on-disk record shape changes in a
// way Load must know to convert from. Version 1 had no kind field on the
// job line, no URL-queue section, and could emit colliding job ids after a
// merge; loadNzb and convertV1IDs carry the forward conversions.
const currentVersion = 2

const headerPrefix = "nzbget diskstate file version "

const (
	queueFileName = "queue"
	statsFileName = "stats"
)

// Store persists and restores a model.Queue under dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// splitInt64 splits v into the high/low 32-bit halves the disk format uses
// for 64-bit sizes.
func splitInt64(v int64) (hi, lo uint32) {
	return uint32(uint64(v) >> 32), uint32(uint64(v))
}

func joinInt64(hi, lo uint32) int64 {
	return int64(uint64(hi)<<32 | uint64(lo))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// stateWriter latches the first write error so record-writing code can stay
// a flat sequence of line calls with one check at the end.
type stateWriter struct {
	w   *bufio.Writer
	err error
}

func (s *stateWriter) line(format string, args ...any) {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, format+"\n", args...); err != nil {
		s.err = err
	}
}

// stateReader wraps a line scanner with the same error-latching discipline,
// tracking the line number for error messages.
type stateReader struct {
	sc      *bufio.Scanner
	version int
	lineNo  int
	err     error
}

func newStateReader(f *os.File) *stateReader {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &stateReader{sc: sc}
}

func (r *stateReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: line %d: %s", model.ErrQueueState, r.lineNo, fmt.Sprintf(format, args...))
	}
}

func (r *stateReader) line() string {
	if r.err != nil {
		return ""
	}
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			r.err = fmt.Errorf("%w: reading line %d: %w", model.ErrQueueState, r.lineNo+1, err)
		} else {
			r.err = fmt.Errorf("%w: unexpected end of file after line %d", model.ErrQueueState, r.lineNo)
		}
		return ""
	}
	r.lineNo++
	return r.sc.Text()
}

// fields reads a line and splits it into exactly want comma-separated
// fields. With trailing set, the last field absorbs the rest of the line,
// commas included.
func (r *stateReader) fields(want int, trailing bool) []string {
	text := r.line()
	if r.err != nil {
		return nil
	}
	var parts []string
	if trailing {
		parts = strings.SplitN(text, ",", want)
	} else {
		parts = strings.Split(text, ",")
	}
	if len(parts) != want {
		r.fail("expected %d fields, got %d (%q)", want, len(parts), text)
		return nil
	}
	return parts
}

func (r *stateReader) count() int {
	text := r.line()
	if r.err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 0 {
		r.fail("malformed count %q", text)
		return 0
	}
	return n
}

func (r *stateReader) int(s string) int {
	if r.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		r.fail("malformed integer %q", s)
	}
	return v
}

func (r *stateReader) int64(s string) int64 {
	if r.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.fail("malformed integer %q", s)
	}
	return v
}

func (r *stateReader) uint32(s string) uint32 {
	if r.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		r.fail("malformed integer %q", s)
	}
	return uint32(v)
}

func (r *stateReader) split64(hi, lo string) int64 {
	return joinInt64(r.uint32(hi), r.uint32(lo))
}

func (r *stateReader) bool(s string) bool { return r.int(s) != 0 }

func (r *stateReader) unixTime(s string) time.Time {
	sec := r.int64(s)
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// atomicWrite fills name.new and swaps it over name, the crash-safe pattern
// every disk-state file shares.
func (s *Store) atomicWrite(name string, fill func(w *stateWriter)) error {
	path := filepath.Join(s.dir, name)
	newPath := path + ".new"

	f, err := os.Create(newPath)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", model.ErrQueueState, newPath, err)
	}
	sw := &stateWriter{w: bufio.NewWriter(f)}
	sw.line("%s%d", headerPrefix, currentVersion)
	fill(sw)
	if sw.err == nil {
		sw.err = sw.w.Flush()
	}
	closeErr := f.Close()
	if sw.err != nil {
		os.Remove(newPath)
		return fmt.Errorf("%w: writing %s: %w", model.ErrQueueState, newPath, sw.err)
	}
	if closeErr != nil {
		os.Remove(newPath)
		return fmt.Errorf("%w: closing %s: %w", model.ErrQueueState, newPath, closeErr)
	}

	os.Remove(path)
	if err := os.Rename(newPath, path); err != nil {
		return fmt.Errorf("%w: renaming %s into place: %w", model.ErrQueueState, newPath, err)
	}
	return nil
}

func (s *Store) openVersioned(name string) (*os.File, *stateReader, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r := newStateReader(f)
	header := r.line()
	if r.err != nil || !strings.HasPrefix(header, headerPrefix) {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: missing or malformed version header", model.ErrQueueState, name)
	}
	version, err := strconv.Atoi(strings.TrimSpace(header[len(headerPrefix):]))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: parsing version header: %w", model.ErrQueueState, name, err)
	}
	if version > currentVersion {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: version %d is newer than supported %d", model.ErrQueueState, name, version, currentVersion)
	}
	r.version = version
	return f, r, nil
}

// Save persists the whole queue atomically. Caller must hold the queue's
// write lock for the duration so the persisted snapshot matches live state.
func (s *Store) Save(q *model.Queue) error {
	err := s.atomicWrite(queueFileName, func(w *stateWriter) {
		active := q.Active()
		w.line("%d", len(active))
		for _, n := range active {
			writeNzb(w, n)
		}

		history := q.History()
		w.line("%d", len(history))
		for _, h := range history {
			w.line("%d,%d", h.ID, int(h.Kind))
			switch h.Kind {
			case model.HistoryKindNzb:
				writeNzb(w, h.Nzb)
			case model.HistoryKindURL:
				writeURL(w, h.Url)
			}
		}

		urls := q.Urls()
		w.line("%d", len(urls))
		for _, u := range urls {
			writeURL(w, u)
		}

		type parked struct {
			nzbID int64
			file  *model.FileInfo
		}
		var parkedFiles []parked
		for _, n := range active {
			for _, f := range n.ParkedFiles {
				parkedFiles = append(parkedFiles, parked{nzbID: n.ID, file: f})
			}
		}
		w.line("%d", len(parkedFiles))
		for _, p := range parkedFiles {
			w.line("%d,%d", p.nzbID, p.file.ID)
		}
	})
	if err != nil {
		return err
	}

	for _, n := range q.Active() {
		for _, file := range n.Files {
			if err := s.saveFileDetail(file); err != nil {
				return err
			}
		}
		for _, file := range n.ParkedFiles {
			if err := s.saveFileDetail(file); err != nil {
				return err
			}
		}
	}
	for _, h := range q.History() {
		if h.Kind != model.HistoryKindNzb {
			continue
		}
		for _, file := range h.Nzb.Files {
			if err := s.saveFileDetail(file); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeNzb(w *stateWriter, n *model.NzbInfo) {
	sizeHi, sizeLo := splitInt64(n.Size)
	parHi, parLo := splitInt64(n.ParSize)
	w.line("%d,%d,%d,%d,%d,%d,%d,%d,%d", n.ID, int(n.Kind), n.Priority, n.DupeScore, int(n.DupeMode),
		sizeHi, sizeLo, parHi, parLo)
	w.line("%s", n.Filename)
	w.line("%s", n.Name)
	w.line("%s", n.Category)
	w.line("%s", n.DestDir)
	w.line("%s", n.FinalDir)
	w.line("%s", n.QueuedFilename)
	w.line("%s", n.URL)
	w.line("%s", n.DupeKey)
	w.line("%d,%d,%d,%d,%d,%d,%d,%d", boolInt(n.Deleting), boolInt(n.DeletePaused),
		boolInt(n.ManyDupeFiles), boolInt(n.UnpackCleanedUpDisk), boolInt(n.HealthPaused),
		boolInt(n.AddURLPaused), boolInt(n.RequestParCheck), boolInt(n.AvoidHistory))
	w.line("%d,%d,%d,%d,%d,%d,%d,%d", int(n.ParStatus), int(n.UnpackStatus), int(n.MoveStatus),
		int(n.RenameStatus), int(n.DeleteStatus), int(n.MarkStatus), n.FullContentHash, n.FilteredContentHash)
	w.line("%d,%d,%d,%d,%d", n.TotalArticles, n.SuccessArticles, n.FailedArticles,
		unixOrZero(n.MinTime), unixOrZero(n.MaxTime))
	parSuccHi, parSuccLo := splitInt64(n.ParSuccessSize)
	parFailHi, parFailLo := splitInt64(n.ParFailedSize)
	w.line("%d,%d,%d,%d", parSuccHi, parSuccLo, parFailHi, parFailLo)

	params := n.Parameters.All()
	w.line("%d", len(params))
	for _, p := range params {
		w.line("%s=%s", p.Name, p.Value)
	}

	w.line("%d", len(n.ScriptStatuses))
	for _, sc := range n.ScriptStatuses {
		w.line("%d,%s", int(sc.Status), sc.Name)
	}

	w.line("%d", len(n.ServerStats))
	for _, st := range n.ServerStats {
		w.line("%d,%d,%d", st.ServerID, st.Success, st.Failed)
	}

	messages := n.LockMessages()
	w.line("%d", len(messages))
	for _, m := range messages {
		w.line("%d,%d,%s", int(m.Kind), unixOrZero(m.Time), m.Text)
	}

	var completed []string
	if n.CompletedFilenames != nil {
		completed = n.CompletedFilenames.Filenames()
	}
	w.line("%d", len(completed))
	for _, name := range completed {
		w.line("%s", name)
	}

	w.line("%d", len(n.Files))
	for _, f := range n.Files {
		w.line("%d", f.ID)
	}
}

func writeURL(w *stateWriter, u *model.UrlInfo) {
	w.line("%d,%d,%d,%d,%d,%d", u.ID, int(u.Status), u.Priority,
		boolInt(u.AddTop), boolInt(u.AddPaused), boolInt(u.Force))
	w.line("%s", u.URL)
	w.line("%s", u.NZBFilename)
	w.line("%s", u.Category)
}

// loadNzb reads one NzbInfo record. The returned job's Files hold only ids;
// the article-level detail is attached later from the per-file files.
func loadNzb(r *stateReader) *model.NzbInfo {
	// Version 1 had no kind field on the job line.
	headFields := 9
	if r.version < 2 {
		headFields = 8
	}
	head := r.fields(headFields, false)
	if r.err != nil {
		return nil
	}
	i := 0
	next := func() string { s := head[i]; i++; return s }

	n := model.NewNzbInfo(r.int64(next()), "")
	if r.version >= 2 {
		n.Kind = model.NzbKind(r.int(next()))
	}
	n.Priority = r.int(next())
	n.DupeScore = r.int(next())
	n.DupeMode = model.DupeMode(r.int(next()))
	n.Size = r.split64(next(), next())
	n.ParSize = r.split64(next(), next())

	n.Filename = r.line()
	n.Name = r.line()
	n.Category = r.line()
	n.DestDir = r.line()
	n.FinalDir = r.line()
	n.QueuedFilename = r.line()
	n.URL = r.line()
	n.DupeKey = r.line()

	flags := r.fields(8, false)
	if r.err != nil {
		return nil
	}
	n.Deleting = r.bool(flags[0])
	n.DeletePaused = r.bool(flags[1])
	n.ManyDupeFiles = r.bool(flags[2])
	n.UnpackCleanedUpDisk = r.bool(flags[3])
	n.HealthPaused = r.bool(flags[4])
	n.AddURLPaused = r.bool(flags[5])
	n.RequestParCheck = r.bool(flags[6])
	n.AvoidHistory = r.bool(flags[7])

	statuses := r.fields(8, false)
	if r.err != nil {
		return nil
	}
	n.ParStatus = model.ParStatus(r.int(statuses[0]))
	n.UnpackStatus = model.UnpackStatus(r.int(statuses[1]))
	n.MoveStatus = model.MoveStatus(r.int(statuses[2]))
	n.RenameStatus = model.RenameStatus(r.int(statuses[3]))
	n.DeleteStatus = model.DeleteStatus(r.int(statuses[4]))
	n.MarkStatus = model.MarkStatus(r.int(statuses[5]))
	n.FullContentHash = r.uint32(statuses[6])
	n.FilteredContentHash = r.uint32(statuses[7])

	counters := r.fields(5, false)
	if r.err != nil {
		return nil
	}
	n.TotalArticles = r.int(counters[0])
	n.SuccessArticles = r.int(counters[1])
	n.FailedArticles = r.int(counters[2])
	n.MinTime = r.unixTime(counters[3])
	n.MaxTime = r.unixTime(counters[4])

	parSizes := r.fields(4, false)
	if r.err != nil {
		return nil
	}
	n.ParSuccessSize = r.split64(parSizes[0], parSizes[1])
	n.ParFailedSize = r.split64(parSizes[2], parSizes[3])

	_n0 := r.count()
	for _i0 := 0; _i0 < _n0; _i0++ {
		text := r.line()
		if r.err != nil {
			return nil
		}
		name, value, _ := strings.Cut(text, "=")
		n.Parameters.SetParameter(name, value)
	}

	_n1 := r.count()
	for _i1 := 0; _i1 < _n1; _i1++ {
		parts := r.fields(2, true)
		if r.err != nil {
			return nil
		}
		n.ScriptStatuses = append(n.ScriptStatuses, model.ScriptStatus{
			Status: model.ScriptResult(r.int(parts[0])), Name: parts[1],
		})
	}

	_n2 := r.count()
	for _i2 := 0; _i2 < _n2; _i2++ {
		parts := r.fields(3, false)
		if r.err != nil {
			return nil
		}
		st := &model.ServerStat{ServerID: r.int64(parts[0]), Success: r.int(parts[1]), Failed: r.int(parts[2])}
		n.ServerStats[st.ServerID] = st
	}

	var messages []model.Message
	_n3 := r.count()
	for _i3 := 0; _i3 < _n3; _i3++ {
		parts := r.fields(3, true)
		if r.err != nil {
			return nil
		}
		messages = append(messages, model.Message{
			Kind: model.MessageKind(r.int(parts[0])), Time: r.unixTime(parts[1]), Text: parts[2],
		})
	}
	n.RestoreMessages(messages)

	_n4 := r.count()
	for _i4 := 0; _i4 < _n4; _i4++ {
		name := r.line()
		if r.err != nil {
			return nil
		}
		n.CompletedFilenames.Add(name)
	}

	_n5 := r.count()
	for _i5 := 0; _i5 < _n5; _i5++ {
		id := r.int64(r.line())
		if r.err != nil {
			return nil
		}
		n.Files = append(n.Files, &model.FileInfo{ID: id, NzbID: n.ID})
	}

	if r.err != nil {
		return nil
	}
	return n
}

func loadURL(r *stateReader) *model.UrlInfo {
	head := r.fields(6, false)
	if r.err != nil {
		return nil
	}
	u := &model.UrlInfo{
		ID:        r.int64(head[0]),
		Status:    model.UrlStatus(r.int(head[1])),
		Priority:  r.int(head[2]),
		AddTop:    r.bool(head[3]),
		AddPaused: r.bool(head[4]),
		Force:     r.bool(head[5]),
	}
	u.URL = r.line()
	u.NZBFilename = r.line()
	u.Category = r.line()
	if r.err != nil {
		return nil
	}
	return u
}

func (s *Store) detailPath(fileID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(fileID, 10))
}

func (s *Store) saveFileDetail(file *model.FileInfo) error {
	return s.atomicWrite(strconv.FormatInt(file.ID, 10), func(w *stateWriter) {
		sizeHi, sizeLo := splitInt64(file.Size)
		missedHi, missedLo := splitInt64(file.MissedSize)
		w.line("%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d", file.ID, file.NzbID,
			sizeHi, sizeLo, missedHi, missedLo, file.MissedArticles,
			boolInt(file.Paused), boolInt(file.Deleted), boolInt(file.ParFile),
			boolInt(file.ExtraPriority), boolInt(file.FilenameConfirmed), unixOrZero(file.Time))
		w.line("%s", file.Subject)
		w.line("%s", file.Filename)

		w.line("%d", len(file.Groups))
		for _, g := range file.Groups {
			w.line("%s", g)
		}

		w.line("%d", len(file.Articles))
		for _, a := range file.Articles {
			artHi, artLo := splitInt64(a.Size)
			w.line("%d,%d,%d,%d,%d,%d,%s", a.PartNumber, artHi, artLo,
				int(a.Status), a.CRC32, boolInt(a.CRC32Valid), a.MessageID)
		}
	})
}

// loadFileDetail fills file from its on-disk detail record. Missing files
// are tolerated: an NzbInfo whose articles were already discarded keeps its
// queue-file summary and simply has no remaining article list.
func (s *Store) loadFileDetail(file *model.FileInfo) error {
	f, r, err := s.openVersioned(strconv.FormatInt(file.ID, 10))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: opening detail for file %d: %w", model.ErrQueueState, file.ID, err)
	}
	defer f.Close()

	head := r.fields(13, false)
	if r.err != nil {
		return fmt.Errorf("detail file %d: %w", file.ID, r.err)
	}
	file.NzbID = r.int64(head[1])
	file.Size = r.split64(head[2], head[3])
	file.MissedSize = r.split64(head[4], head[5])
	file.MissedArticles = r.int(head[6])
	file.Paused = r.bool(head[7])
	file.Deleted = r.bool(head[8])
	file.ParFile = r.bool(head[9])
	file.ExtraPriority = r.bool(head[10])
	file.FilenameConfirmed = r.bool(head[11])
	file.Time = r.unixTime(head[12])

	file.Subject = r.line()
	file.Filename = r.line()

	file.Groups = file.Groups[:0]
	_n6 := r.count()
	for _i6 := 0; _i6 < _n6; _i6++ {
		file.Groups = append(file.Groups, r.line())
	}

	file.Articles = file.Articles[:0]
	_n7 := r.count()
	for _i7 := 0; _i7 < _n7; _i7++ {
		parts := r.fields(7, true)
		if r.err != nil {
			break
		}
		status := model.ArticleStatus(r.int(parts[3]))
		// Article status values not equal to Finished are demoted to
		// Undefined on load, so crashed-in-flight articles are re-attempted.
		if status != model.ArticleStatusFinished {
			status = model.ArticleStatusUndefined
		}
		file.Articles = append(file.Articles, &model.ArticleInfo{
			FileID:        file.ID,
			PartNumber:    r.int(parts[0]),
			Size:          r.split64(parts[1], parts[2]),
			Status:        status,
			CRC32:         r.uint32(parts[4]),
			CRC32Valid:    r.bool(parts[5]),
			MessageID:     parts[6],
			FailedServers: make(map[int64]bool),
		})
	}
	if r.err != nil {
		return fmt.Errorf("detail file %d: %w", file.ID, r.err)
	}

	file.RecomputeRemainingSize()
	return nil
}

// Load reconstructs a Queue from dir. Per-FileInfo article detail is loaded
// in parallel via errgroup once the queue file's structure is in memory.
func (s *Store) Load(ctx context.Context) (*model.Queue, error) {
	f, r, err := s.openVersioned(queueFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewQueue(), nil
		}
		return nil, err
	}
	defer f.Close()

	q := model.NewQueue()
	var allFiles []*model.FileInfo
	var activeNzbs []*model.NzbInfo

	_n8 := r.count()
	for _i8 := 0; _i8 < _n8; _i8++ {
		n := loadNzb(r)
		if n == nil {
			return nil, r.err
		}
		activeNzbs = append(activeNzbs, n)
		allFiles = append(allFiles, n.Files...)
	}

	var historyEntries []*model.HistoryEntry
	_n9 := r.count()
	for _i9 := 0; _i9 < _n9; _i9++ {
		head := r.fields(2, false)
		if r.err != nil {
			return nil, r.err
		}
		id := r.int64(head[0])
		kind := model.HistoryKind(r.int(head[1]))
		switch kind {
		case model.HistoryKindNzb:
			n := loadNzb(r)
			if n == nil {
				return nil, r.err
			}
			allFiles = append(allFiles, n.Files...)
			historyEntries = append(historyEntries, model.NewNzbHistoryEntry(id, n))
		case model.HistoryKindURL:
			u := loadURL(r)
			if u == nil {
				return nil, r.err
			}
			historyEntries = append(historyEntries, model.NewUrlHistoryEntry(id, u))
		default:
			r.fail("unknown history kind %d", int(kind))
			return nil, r.err
		}
	}

	var urls []*model.UrlInfo
	if r.version >= 2 {
		// Version 1 predates the URL queue section.
		_n10 := r.count()
		for _i10 := 0; _i10 < _n10; _i10++ {
			u := loadURL(r)
			if u == nil {
				return nil, r.err
			}
			urls = append(urls, u)
		}
	}

	type parkedRef struct {
		nzbID  int64
		fileID int64
	}
	var parkedRefs []parkedRef
	_n11 := r.count()
	for _i11 := 0; _i11 < _n11; _i11++ {
		parts := r.fields(2, false)
		if r.err != nil {
			return nil, r.err
		}
		parkedRefs = append(parkedRefs, parkedRef{nzbID: r.int64(parts[0]), fileID: r.int64(parts[1])})
	}
	if r.err != nil {
		return nil, r.err
	}

	if r.version < 2 {
		convertV1IDs(activeNzbs, historyEntries)
	}

	for _, n := range activeNzbs {
		q.AddNzb(n)
	}
	for _, h := range historyEntries {
		q.AddHistoryEntry(h)
	}
	for _, u := range urls {
		q.AddURL(u)
	}
	for _, ref := range parkedRefs {
		n := q.FindNzb(ref.nzbID)
		if n == nil {
			continue
		}
		file := &model.FileInfo{ID: ref.fileID, NzbID: n.ID}
		n.ParkedFiles = append(n.ParkedFiles, file)
		allFiles = append(allFiles, file)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, file := range allFiles {
		file := file
		g.Go(func() error { return s.loadFileDetail(file) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var maxNzbID, maxFileID int64
	for _, n := range activeNzbs {
		maxNzbID = max(maxNzbID, n.ID)
	}
	for _, h := range historyEntries {
		maxNzbID = max(maxNzbID, h.ID)
		if h.Kind == model.HistoryKindNzb {
			maxNzbID = max(maxNzbID, h.Nzb.ID)
		}
	}
	for _, file := range allFiles {
		maxFileID = max(maxFileID, file.ID)
	}
	q.BumpIDs(maxNzbID, maxFileID)

	return q, nil
}

// convertV1IDs renumbers history jobs whose id collides with an active one,
// a bug version 1 could leave behind after a merge: the merged-away job's
// history entry kept the id the active queue had already reissued. File ids
// were never affected, so the detail-file links stay valid.
func convertV1IDs(active []*model.NzbInfo, history []*model.HistoryEntry) {
	activeIDs := make(map[int64]bool, len(active))
	var maxID int64
	for _, n := range active {
		activeIDs[n.ID] = true
		maxID = max(maxID, n.ID)
	}
	for _, h := range history {
		if h.Kind == model.HistoryKindNzb {
			maxID = max(maxID, h.Nzb.ID)
		}
	}
	for _, h := range history {
		if h.Kind != model.HistoryKindNzb || !activeIDs[h.Nzb.ID] {
			continue
		}
		maxID++
		h.Nzb.ID = maxID
		for _, f := range h.Nzb.Files {
			f.NzbID = h.Nzb.ID
		}
	}
}

// SaveStats persists the engine-wide StatMeter counters with the same
// atomic-replace pattern as the queue file.
func (s *Store) SaveStats(m *statmeter.StatMeter) error {
	done, failed := m.ArticleCounts()
	servers := m.SnapshotServers()
	return s.atomicWrite(statsFileName, func(w *stateWriter) {
		totalHi, totalLo := splitInt64(m.TotalBytes())
		w.line("%d,%d,%d,%d", totalHi, totalLo, done, failed)
		w.line("%d", len(servers))
		for _, sv := range servers {
			w.line("%d,%d,%d", sv.ServerID, sv.Success, sv.Failed)
		}
	})
}

// LoadStats restores the engine-wide StatMeter counters, if a stats file
// exists. A missing file leaves m untouched.
func (s *Store) LoadStats(m *statmeter.StatMeter) error {
	f, r, err := s.openVersioned(statsFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	head := r.fields(4, false)
	if r.err != nil {
		return r.err
	}
	totalBytes := r.split64(head[0], head[1])
	done := r.int64(head[2])
	failed := r.int64(head[3])

	var servers []statmeter.ServerSnapshot
	_n12 := r.count()
	for _i12 := 0; _i12 < _n12; _i12++ {
		parts := r.fields(3, false)
		if r.err != nil {
			return r.err
		}
		servers = append(servers, statmeter.ServerSnapshot{
			ServerID: r.int64(parts[0]), Success: r.int64(parts[1]), Failed: r.int64(parts[2]),
		})
	}
	if r.err != nil {
		return r.err
	}

	m.Restore(totalBytes, done, failed, servers)
	return nil
}

// DiscardFile removes a completed file's article detail from disk, once its
// articles no longer need to survive a restart.
func (s *Store) DiscardFile(fileID int64) {
	os.Remove(s.detailPath(fileID))
}

// Discard deletes the queue file and every per-id detail file under dir.
func (s *Store) Discard() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", model.ErrQueueState, s.dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == queueFileName || isAllDigits(name) {
			os.Remove(filepath.Join(s.dir, name))
		}
	}
	return nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
