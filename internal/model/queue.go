package model

import (
	"sync"
	"sync/atomic"
)

// Queue is the process-wide download queue: the active NzbInfo list in
// download order, the history of completed/failed entries, and the parked
// file list. Edits go through the Queue API (internal/queueapi); the
// scheduler and diskstate also mutate it directly. All of them hold the
// single coarse-grained lock.
type Queue struct {
	mu sync.RWMutex

	active  []*NzbInfo
	history []*HistoryEntry
	urls    []*UrlInfo

	byNzbID map[int64]*NzbInfo
	byFileID map[int64]*FileInfo

	nextNzbID     atomic.Int64
	nextFileID    atomic.Int64
	nextArticleID atomic.Int64
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		byNzbID:  make(map[int64]*NzbInfo),
		byFileID: make(map[int64]*FileInfo),
	}
}

// NextNzbID, NextFileID mint monotonically increasing ids, the Go analogue
// of the original's static int m_iIDGen counters.
func (q *Queue) NextNzbID() int64  { return q.nextNzbID.Add(1) }
func (q *Queue) NextFileID() int64 { return q.nextFileID.Add(1) }

// Lock/Unlock expose the coarse queue lock directly for callers (QueueAPI,
// DiskState) that must hold it across a multi-step read-modify-write or a
// save, matching the original's LockQueue()/UnlockQueue() pattern.
func (q *Queue) Lock()    { q.mu.Lock() }
func (q *Queue) Unlock()  { q.mu.Unlock() }
func (q *Queue) RLock()   { q.mu.RLock() }
func (q *Queue) RUnlock() { q.mu.RUnlock() }

// AddNzb inserts nzb into the active queue and indexes it and its files.
// Caller must hold the write lock.
func (q *Queue) AddNzb(nzb *NzbInfo) {
	q.active = append(q.active, nzb)
	q.byNzbID[nzb.ID] = nzb
	for _, f := range nzb.Files {
		q.byFileID[f.ID] = f
	}
}

// RemoveNzb removes nzb from the active list (not from history) and drops
// its file index entries. Caller must hold the write lock.
func (q *Queue) RemoveNzb(id int64) *NzbInfo {
	for i, n := range q.active {
		if n.ID == id {
			q.active = append(q.active[:i], q.active[i+1:]...)
			delete(q.byNzbID, id)
			for _, f := range n.Files {
				delete(q.byFileID, f.ID)
			}
			return n
		}
	}
	return nil
}

// MoveToHistory removes nzb from the active queue and appends it to history.
// Caller must hold the write lock.
func (q *Queue) MoveToHistory(id int64, historyID int64) *HistoryEntry {
	n := q.RemoveNzb(id)
	if n == nil {
		return nil
	}
	entry := NewNzbHistoryEntry(historyID, n)
	q.history = append(q.history, entry)
	return entry
}

// FindNzb resolves a FileInfo's non-owning NzbID back-reference to its
// parent NzbInfo. Caller must hold at least the read lock.
func (q *Queue) FindNzb(id int64) *NzbInfo { return q.byNzbID[id] }

// FindFile resolves a file id to its FileInfo. Caller must hold at least
// the read lock.
func (q *Queue) FindFile(id int64) *FileInfo { return q.byFileID[id] }

// Active returns the live backing slice of active NzbInfo in queue order.
// Caller must hold at least the read lock and must not retain the slice
// past the unlock.
func (q *Queue) Active() []*NzbInfo { return q.active }

// History returns the live backing slice of history entries.
func (q *Queue) History() []*HistoryEntry { return q.history }

// Parked returns a new slice holding the parked files of every active job.
func (q *Queue) Parked() []*FileInfo {
	var out []*FileInfo
	for _, n := range q.active {
		out = append(out, n.ParkedFiles...)
	}
	return out
}

// AddHistoryEntry appends a HistoryEntry directly to history, bypassing
// MoveToHistory's active-queue removal step. Used by diskstate when
// reconstructing a queue whose history entries have no corresponding active
// entry to move.
func (q *Queue) AddHistoryEntry(e *HistoryEntry) { q.history = append(q.history, e) }

// ActiveIDs returns the ids of the active queue in current download order,
// the slice QueueAPI move operations reorder and feed back to ReorderActive.
func (q *Queue) ActiveIDs() []int64 {
	ids := make([]int64, len(q.active))
	for i, n := range q.active {
		ids[i] = n.ID
	}
	return ids
}

// ReorderActive replaces the active queue's order to match newOrder. Every
// id in newOrder must already be present in the active queue; ids present
// in the queue but missing from newOrder keep their relative order and are
// appended at the end, so a caller reordering a subset never loses entries.
// Caller must hold the write lock.
func (q *Queue) ReorderActive(newOrder []int64) {
	seen := make(map[int64]bool, len(newOrder))
	reordered := make([]*NzbInfo, 0, len(q.active))
	for _, id := range newOrder {
		if n, ok := q.byNzbID[id]; ok && !seen[id] {
			reordered = append(reordered, n)
			seen[id] = true
		}
	}
	for _, n := range q.active {
		if !seen[n.ID] {
			reordered = append(reordered, n)
			seen[n.ID] = true
		}
	}
	q.active = reordered
}

// BumpIDs advances the id generators past the given high-water marks, so
// ids minted after a disk-state load never collide with restored entries.
func (q *Queue) BumpIDs(maxNzbID, maxFileID int64) {
	for {
		cur := q.nextNzbID.Load()
		if cur >= maxNzbID || q.nextNzbID.CompareAndSwap(cur, maxNzbID) {
			break
		}
	}
	for {
		cur := q.nextFileID.Load()
		if cur >= maxFileID || q.nextFileID.CompareAndSwap(cur, maxFileID) {
			break
		}
	}
}

// Urls returns the live backing slice of pending URL-based jobs.
func (q *Queue) Urls() []*UrlInfo { return q.urls }

// AddURL appends a UrlInfo to the pending url queue.
func (q *Queue) AddURL(u *UrlInfo) { q.urls = append(q.urls, u) }
