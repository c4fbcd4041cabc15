// Package queueapi implements the QueueAPI:
// the single synchronized mutation surface every external collaborator (the
// RPC/HTTP control layer, the CLI, RSS feed filtering — all out of scope
// here) uses to add, edit, pause, delete, reorder, merge and split queue
// entries. Every edit method takes the queue's coarse write lock for the
// whole mutation (AddNzb runs its duplicate check before taking it, and the
// Find* lookups take the read lock), matching the original's LockQueue()/UnlockQueue() discipline,
// and checkpoints through Checkpointer before releasing it so a crash right
// after an edit never loses it.
package queueapi

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jinzhu/copier"

	"github.com/javi11/nzbcore/internal/dupeindex"
	"github.com/javi11/nzbcore/internal/model"
)

// Checkpointer persists the queue. internal/diskstate.Store satisfies this
// directly; its Save requires the caller to already hold the queue's write
// lock, which every QueueAPI method does for its entire body.
type Checkpointer interface {
	Save(q *model.Queue) error
}

// DupeChecker reports whether a newly ingested job must be rejected under
// its configured duplicate-handling policy. internal/dupeindex.Database
// satisfies this directly.
type DupeChecker interface {
	CheckDuplicate(ctx context.Context, dupeKey string, dupeScore int, mode dupeindex.DupeMode) (bool, error)
}

// Notifier wakes the scheduler's dispatch loop after an edit that may have
// made new work available (resume, priority bump, add, merge).
type Notifier interface {
	Notify()
}

// API is the QueueAPI.
type API struct {
	queue    *model.Queue
	dupes    DupeChecker
	notifier Notifier
	checkpt  Checkpointer
	log      *slog.Logger
}

// New builds an API over queue. dupes, notifier and checkpt may be nil, in
// which case duplicate checking, dispatch wake-ups and checkpointing are
// skipped respectively (useful in tests exercising pure queue mutation).
func New(queue *model.Queue, dupes DupeChecker, notifier Notifier, checkpt Checkpointer, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{queue: queue, dupes: dupes, notifier: notifier, checkpt: checkpt, log: log.With("component", "queueapi")}
}

func (a *API) checkpointLocked() {
	if a.checkpt == nil {
		return
	}
	if err := a.checkpt.Save(a.queue); err != nil {
		a.log.Error("checkpointing queue after edit", "error", err)
	}
}

func (a *API) notify() {
	if a.notifier != nil {
		a.notifier.Notify()
	}
}

// AddNzb runs nzb through the duplicate-handling policy (unless its
// DupeMode is Force) and, if accepted, inserts it into the active queue.
func (a *API) AddNzb(ctx context.Context, nzb *model.NzbInfo) error {
	if a.dupes != nil && nzb.DupeMode != model.DupeModeForce {
		rejected, err := a.dupes.CheckDuplicate(ctx, nzb.DupeKey, nzb.DupeScore, dupeindex.DupeMode(nzb.DupeMode))
		if err != nil {
			return fmt.Errorf("checking duplicate for %q: %w", nzb.Filename, err)
		}
		if rejected {
			return fmt.Errorf("%w: %q (key %q)", model.ErrDuplicateRejected, nzb.Filename, nzb.DupeKey)
		}
	}

	a.queue.Lock()
	defer a.queue.Unlock()
	a.queue.AddNzb(nzb)
	a.checkpointLocked()
	a.notify()
	return nil
}

// PauseFiles pauses the given FileInfo ids so the scheduler will not start
// any of their remaining Undefined articles.
func (a *API) PauseFiles(ids []int64) error { return a.setFilesPaused(ids, true) }

// ResumeFiles un-pauses the given FileInfo ids and wakes the scheduler.
func (a *API) ResumeFiles(ids []int64) error {
	if err := a.setFilesPaused(ids, false); err != nil {
		return err
	}
	a.notify()
	return nil
}

func (a *API) setFilesPaused(ids []int64, paused bool) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	for _, id := range ids {
		if f := a.queue.FindFile(id); f != nil {
			f.Paused = paused
		}
	}
	a.checkpointLocked()
	return nil
}

// PauseGroups pauses every file of each given NzbInfo id.
func (a *API) PauseGroups(ids []int64) error { return a.setGroupsPaused(ids, true) }

// ResumeGroups un-pauses every file of each given NzbInfo id and wakes the
// scheduler.
func (a *API) ResumeGroups(ids []int64) error {
	if err := a.setGroupsPaused(ids, false); err != nil {
		return err
	}
	a.notify()
	return nil
}

func (a *API) setGroupsPaused(ids []int64, paused bool) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	for _, id := range ids {
		n := a.queue.FindNzb(id)
		if n == nil {
			continue
		}
		for _, f := range n.Files {
			f.Paused = paused
		}
	}
	a.checkpointLocked()
	return nil
}

// PauseAllPars pauses every par-volume FileInfo belonging to nzbID, per
// withholding parity volumes until a repair actually needs them.
func (a *API) PauseAllPars(nzbID int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	n := a.queue.FindNzb(nzbID)
	if n == nil {
		return fmt.Errorf("%w: nzb %d", model.ErrNotInQueue, nzbID)
	}
	for _, f := range n.Files {
		if f.ParFile {
			f.Paused = true
		}
	}
	a.checkpointLocked()
	return nil
}

// PauseExtraPars pauses every par-volume FileInfo of nzbID except the
// smallest, so repair can still begin with minimal transfer.
func (a *API) PauseExtraPars(nzbID int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	n := a.queue.FindNzb(nzbID)
	if n == nil {
		return fmt.Errorf("%w: nzb %d", model.ErrNotInQueue, nzbID)
	}

	var smallest *model.FileInfo
	for _, f := range n.Files {
		if !f.ParFile {
			continue
		}
		if smallest == nil || f.Size < smallest.Size {
			smallest = f
		}
	}
	for _, f := range n.Files {
		if f.ParFile && f != smallest {
			f.Paused = true
		}
	}
	a.checkpointLocked()
	return nil
}

// SetFileExtraPriority sets or clears the ExtraPriority flag (force
// priority past a global pause) on the given FileInfo ids.
func (a *API) SetFileExtraPriority(ids []int64, extra bool) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	for _, id := range ids {
		if f := a.queue.FindFile(id); f != nil {
			f.ExtraPriority = extra
		}
	}
	a.checkpointLocked()
	a.notify()
	return nil
}

// DeleteFiles marks the given FileInfo ids deleted and recomputes their
// parent NzbInfo's totals.
func (a *API) DeleteFiles(ids []int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	touched := make(map[int64]*model.NzbInfo)
	for _, id := range ids {
		f := a.queue.FindFile(id)
		if f == nil {
			continue
		}
		f.Deleted = true
		if n := a.queue.FindNzb(f.NzbID); n != nil {
			touched[n.ID] = n
		}
	}
	for _, n := range touched {
		n.RecomputeTotals()
	}
	a.checkpointLocked()
	return nil
}

// DeleteGroups removes the given NzbInfo ids from the active queue.
// dupeDelete records DeleteStatusDupe instead of DeleteStatusManual;
// finalDelete sets AvoidHistory and drops the entry outright instead of
// retaining it in history.
func (a *API) DeleteGroups(ids []int64, dupeDelete, finalDelete bool) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	for _, id := range ids {
		n := a.queue.FindNzb(id)
		if n == nil {
			continue
		}
		n.Deleting = true
		if dupeDelete {
			n.DeleteStatus = model.DeleteStatusDupe
		} else {
			n.DeleteStatus = model.DeleteStatusManual
		}
		if finalDelete {
			n.AvoidHistory = true
			a.queue.RemoveNzb(id)
			continue
		}
		a.queue.MoveToHistory(id, a.queue.NextNzbID())
	}
	a.checkpointLocked()
	return nil
}

// SetPriority sets the download priority of the given NzbInfo ids and wakes
// the scheduler, since a priority bump can make a job eligible ahead of
// whatever is currently being dispatched.
func (a *API) SetPriority(ids []int64, priority int) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	for _, id := range ids {
		if n := a.queue.FindNzb(id); n != nil {
			n.Priority = priority
		}
	}
	a.checkpointLocked()
	a.notify()
	return nil
}

// SetCategory sets nzbID's category.
func (a *API) SetCategory(nzbID int64, category string) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.Category = category })
}

// SetName sets nzbID's display name.
func (a *API) SetName(nzbID int64, name string) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.Name = name })
}

// SetParameter sets a post-processing parameter on nzbID.
func (a *API) SetParameter(nzbID int64, name, value string) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.Parameters.SetParameter(name, value) })
}

// SetDupeKey sets nzbID's duplicate-detection key.
func (a *API) SetDupeKey(nzbID int64, key string) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.DupeKey = key })
}

// SetDupeScore sets nzbID's duplicate-detection score.
func (a *API) SetDupeScore(nzbID int64, score int) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.DupeScore = score })
}

// SetDupeMode sets nzbID's duplicate-handling mode.
func (a *API) SetDupeMode(nzbID int64, mode model.DupeMode) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.DupeMode = mode })
}

// Mark records a good/bad verdict in nzbID's MarkStatus. The dupe index
// does not read it.
func (a *API) Mark(nzbID int64, status model.MarkStatus) error {
	return a.mutateNzb(nzbID, func(n *model.NzbInfo) { n.MarkStatus = status })
}

func (a *API) mutateNzb(nzbID int64, fn func(n *model.NzbInfo)) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	n := a.queue.FindNzb(nzbID)
	if n == nil {
		return fmt.Errorf("%w: nzb %d", model.ErrNotInQueue, nzbID)
	}
	fn(n)
	a.checkpointLocked()
	return nil
}

// Merge moves every file from sourceID into targetID, recomputes the
// target's totals and removes the source from the active queue. Both ids
// must name distinct entries currently in the active queue.
func (a *API) Merge(targetID, sourceID int64) error {
	if targetID == sourceID {
		return fmt.Errorf("%w: cannot merge a job with itself", model.ErrInvalidOperation)
	}

	a.queue.Lock()
	defer a.queue.Unlock()
	target := a.queue.FindNzb(targetID)
	source := a.queue.FindNzb(sourceID)
	if target == nil || source == nil {
		return fmt.Errorf("%w: merge target %d / source %d", model.ErrNotInQueue, targetID, sourceID)
	}

	for _, f := range source.Files {
		f.NzbID = target.ID
	}
	target.Files = append(target.Files, source.Files...)
	for name, stat := range source.ServerStats {
		if existing, ok := target.ServerStats[name]; ok {
			existing.Success += stat.Success
			existing.Failed += stat.Failed
		} else {
			target.ServerStats[name] = stat
		}
	}
	target.RecomputeTotals()
	a.queue.RemoveNzb(sourceID)
	a.checkpointLocked()
	a.notify()
	return nil
}

// Split removes fileIDs from sourceID and moves them into a newly created
// NzbInfo named newName, inserted into the active queue. sourceID's
// metadata (category, priority, dupe settings, destination directory) is
// cloned onto the new entry via copier, the idiom the teacher's queue
// package uses for cloning job records rather than hand-listing every
// field.
func (a *API) Split(sourceID int64, fileIDs []int64, newName string) (*model.NzbInfo, error) {
	if len(fileIDs) == 0 {
		return nil, fmt.Errorf("%w: split requires at least one file", model.ErrInvalidOperation)
	}

	a.queue.Lock()
	defer a.queue.Unlock()
	source := a.queue.FindNzb(sourceID)
	if source == nil {
		return nil, fmt.Errorf("%w: nzb %d", model.ErrNotInQueue, sourceID)
	}

	want := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		want[id] = true
	}

	var moved, kept []*model.FileInfo
	for _, f := range source.Files {
		if want[f.ID] {
			moved = append(moved, f)
		} else {
			kept = append(kept, f)
		}
	}
	if len(moved) == 0 {
		return nil, fmt.Errorf("%w: none of the requested files belong to nzb %d", model.ErrInvalidOperation, sourceID)
	}
	source.Files = kept

	split := &model.NzbInfo{}
	if err := copier.Copy(split, source); err != nil {
		return nil, fmt.Errorf("cloning nzb metadata for split: %w", err)
	}
	split.ID = a.queue.NextNzbID()
	split.Name = newName
	split.Files = nil
	split.ParkedFiles = nil
	split.CompletedFilenames = model.NewDedup(10000)
	split.ServerStats = make(map[int64]*model.ServerStat)

	for _, f := range moved {
		f.NzbID = split.ID
	}
	split.Files = moved

	source.RecomputeTotals()
	split.RecomputeTotals()
	a.queue.AddNzb(split)
	a.checkpointLocked()
	a.notify()
	return split, nil
}

// MoveGroupsOffset shifts the selected NzbInfo ids by offset positions
// within the active queue (negative moves toward the front), preserving
// their order relative to each other and to every unselected entry, per
// their order relative to each other and to every unselected entry.
func (a *API) MoveGroupsOffset(ids []int64, offset int) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	selected := idSet(ids)
	order := a.queue.ActiveIDs()
	a.queue.ReorderActive(shiftSelected(order, selected, offset))
	a.checkpointLocked()
	return nil
}

// MoveGroupsTop moves the selected NzbInfo ids to the front of the active
// queue as a block, preserving their relative order.
func (a *API) MoveGroupsTop(ids []int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	order := a.queue.ActiveIDs()
	a.queue.ReorderActive(moveToEdge(order, idSet(ids), true))
	a.checkpointLocked()
	return nil
}

// MoveGroupsBottom moves the selected NzbInfo ids to the back of the active
// queue as a block, preserving their relative order.
func (a *API) MoveGroupsBottom(ids []int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	order := a.queue.ActiveIDs()
	a.queue.ReorderActive(moveToEdge(order, idSet(ids), false))
	a.checkpointLocked()
	return nil
}

// ReorderGroups replaces the active queue's order outright with newOrder.
func (a *API) ReorderGroups(newOrder []int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	a.queue.ReorderActive(newOrder)
	a.checkpointLocked()
	return nil
}

// FindGroups resolves a name pattern to the matching active NzbInfo ids, so
// callers can address edit operations by name list or regex instead of id
// list. With useRegex false the pattern is compared literally against the
// display name (falling back to the source filename).
func (a *API) FindGroups(pattern string, useRegex bool) ([]int64, error) {
	var re *regexp.Regexp
	if useRegex {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q: %w", model.ErrInvalidOperation, pattern, err)
		}
	}

	a.queue.RLock()
	defer a.queue.RUnlock()
	var ids []int64
	for _, n := range a.queue.Active() {
		name := n.Name
		if name == "" {
			name = n.Filename
		}
		if (re != nil && re.MatchString(name)) || (re == nil && name == pattern) {
			ids = append(ids, n.ID)
		}
	}
	return ids, nil
}

// FindFiles resolves a filename pattern to matching FileInfo ids across the
// active queue, the file-level counterpart of FindGroups.
func (a *API) FindFiles(pattern string, useRegex bool) ([]int64, error) {
	var re *regexp.Regexp
	if useRegex {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q: %w", model.ErrInvalidOperation, pattern, err)
		}
	}

	a.queue.RLock()
	defer a.queue.RUnlock()
	var ids []int64
	for _, n := range a.queue.Active() {
		for _, f := range n.Files {
			name := f.Filename
			if name == "" {
				name = f.Subject
			}
			if (re != nil && re.MatchString(name)) || (re == nil && name == pattern) {
				ids = append(ids, f.ID)
			}
		}
	}
	return ids, nil
}

// MoveFilesTop moves the selected FileInfo ids to the front of their shared
// parent's file list as a block, preserving their relative order.
func (a *API) MoveFilesTop(fileIDs []int64) error {
	return a.moveFilesEdge(fileIDs, true)
}

// MoveFilesBottom moves the selected FileInfo ids to the back of their
// shared parent's file list as a block.
func (a *API) MoveFilesBottom(fileIDs []int64) error {
	return a.moveFilesEdge(fileIDs, false)
}

func (a *API) moveFilesEdge(fileIDs []int64, top bool) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	n, err := a.commonParentLocked(fileIDs)
	if err != nil {
		return err
	}
	order := fileOrder(n.Files)
	n.Files = reorderFiles(n.Files, moveToEdge(order, idSet(fileIDs), top))
	a.checkpointLocked()
	return nil
}

// MoveFilesOffset shifts the selected FileInfo ids by offset positions
// within their shared parent's file list. Every id must belong to the same
// NzbInfo.
func (a *API) MoveFilesOffset(fileIDs []int64, offset int) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	n, err := a.commonParentLocked(fileIDs)
	if err != nil {
		return err
	}
	order := fileOrder(n.Files)
	n.Files = reorderFiles(n.Files, shiftSelected(order, idSet(fileIDs), offset))
	a.checkpointLocked()
	return nil
}

// ReorderFiles replaces nzbID's file order outright with newOrder.
func (a *API) ReorderFiles(nzbID int64, newOrder []int64) error {
	a.queue.Lock()
	defer a.queue.Unlock()
	n := a.queue.FindNzb(nzbID)
	if n == nil {
		return fmt.Errorf("%w: nzb %d", model.ErrNotInQueue, nzbID)
	}
	n.Files = reorderFiles(n.Files, newOrder)
	a.checkpointLocked()
	return nil
}

func (a *API) commonParentLocked(fileIDs []int64) (*model.NzbInfo, error) {
	var nzbID int64 = -1
	for _, id := range fileIDs {
		f := a.queue.FindFile(id)
		if f == nil {
			return nil, fmt.Errorf("%w: file %d", model.ErrNotInQueue, id)
		}
		if nzbID == -1 {
			nzbID = f.NzbID
		} else if f.NzbID != nzbID {
			return nil, fmt.Errorf("%w: files belong to different jobs", model.ErrInvalidOperation)
		}
	}
	n := a.queue.FindNzb(nzbID)
	if n == nil {
		return nil, fmt.Errorf("%w: nzb %d", model.ErrNotInQueue, nzbID)
	}
	return n, nil
}

func fileOrder(files []*model.FileInfo) []int64 {
	ids := make([]int64, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids
}

func reorderFiles(files []*model.FileInfo, newOrder []int64) []*model.FileInfo {
	byID := make(map[int64]*model.FileInfo, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	seen := make(map[int64]bool, len(newOrder))
	out := make([]*model.FileInfo, 0, len(files))
	for _, id := range newOrder {
		if f, ok := byID[id]; ok && !seen[id] {
			out = append(out, f)
			seen[id] = true
		}
	}
	for _, f := range files {
		if !seen[f.ID] {
			out = append(out, f)
			seen[f.ID] = true
		}
	}
	return out
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// shiftSelected repeatedly swaps each selected id with its immediate
// unselected neighbor in the direction of offset's sign, |offset| times.
// This moves the selected block up/down by that many slots, stopping at
// either end of the list, while
// never disturbing the relative order of either the selected ids or the
// unselected ones around them.
func shiftSelected(order []int64, selected map[int64]bool, offset int) []int64 {
	out := append([]int64(nil), order...)
	if offset < 0 {
		for step := 0; step < -offset; step++ {
			for i := 1; i < len(out); i++ {
				if selected[out[i]] && !selected[out[i-1]] {
					out[i-1], out[i] = out[i], out[i-1]
				}
			}
		}
	} else {
		for step := 0; step < offset; step++ {
			for i := len(out) - 2; i >= 0; i-- {
				if selected[out[i]] && !selected[out[i+1]] {
					out[i], out[i+1] = out[i+1], out[i]
				}
			}
		}
	}
	return out
}

// moveToEdge gathers the selected ids into a contiguous block at the front
// (top=true) or back (top=false) of order, preserving relative order both
// within the moved block and within what's left behind.
func moveToEdge(order []int64, selected map[int64]bool, top bool) []int64 {
	var block, rest []int64
	for _, id := range order {
		if selected[id] {
			block = append(block, id)
		} else {
			rest = append(rest, id)
		}
	}
	if top {
		return append(block, rest...)
	}
	return append(rest, block...)
}
