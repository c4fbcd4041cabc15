package queueapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/javi11/nzbcore/internal/mocks"
	"github.com/javi11/nzbcore/internal/model"
)

// newTestQueue wires an API against permissive mocks for tests that only
// care about queue mutation. Tests verifying checkpoint/notify call counts
// build their own mocks with explicit Times expectations instead.
func newTestQueue(t *testing.T) (*model.Queue, *API) {
	t.Helper()
	ctrl := gomock.NewController(t)
	cp := mocks.NewMockCheckpointer(ctrl)
	cp.EXPECT().Save(gomock.Any()).Return(nil).AnyTimes()
	notif := mocks.NewMockNotifier(ctrl)
	notif.EXPECT().Notify().AnyTimes()
	q := model.NewQueue()
	return q, New(q, nil, notif, cp, nil)
}

func addTestNzb(q *model.Queue, name string, priority int, nFiles int) *model.NzbInfo {
	n := model.NewNzbInfo(q.NextNzbID(), name)
	n.Name = name
	n.Priority = priority
	for i := 0; i < nFiles; i++ {
		f := &model.FileInfo{ID: q.NextFileID(), NzbID: n.ID, Filename: name}
		n.Files = append(n.Files, f)
	}
	q.Lock()
	q.AddNzb(n)
	q.Unlock()
	return n
}

func TestAddNzbRejectsDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	dupes := mocks.NewMockDupeChecker(ctrl)
	dupes.EXPECT().CheckDuplicate(gomock.Any(), "key", gomock.Any(), gomock.Any()).Return(true, nil)
	// No Save expectation: a rejected job must never reach the checkpoint.
	cp := mocks.NewMockCheckpointer(ctrl)

	q := model.NewQueue()
	api := New(q, dupes, nil, cp, nil)

	nzb := model.NewNzbInfo(q.NextNzbID(), "dupe.nzb")
	nzb.DupeKey = "key"
	err := api.AddNzb(context.Background(), nzb)
	require.ErrorIs(t, err, model.ErrDuplicateRejected)
	require.Empty(t, q.Active())
}

func TestAddNzbForceBypassesDupeCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No CheckDuplicate expectation: force mode must never consult the index.
	dupes := mocks.NewMockDupeChecker(ctrl)
	cp := mocks.NewMockCheckpointer(ctrl)
	cp.EXPECT().Save(gomock.Any()).Return(nil).Times(1)

	q := model.NewQueue()
	api := New(q, dupes, nil, cp, nil)

	nzb := model.NewNzbInfo(q.NextNzbID(), "forced.nzb")
	nzb.DupeMode = model.DupeModeForce
	require.NoError(t, api.AddNzb(context.Background(), nzb))
	require.Len(t, q.Active(), 1)
}

func TestPauseAndResumeFiles(t *testing.T) {
	ctrl := gomock.NewController(t)
	cp := mocks.NewMockCheckpointer(ctrl)
	cp.EXPECT().Save(gomock.Any()).Return(nil).Times(2) // one per edit batch
	notif := mocks.NewMockNotifier(ctrl)
	notif.EXPECT().Notify().Times(1) // only the resume wakes the scheduler

	q := model.NewQueue()
	api := New(q, nil, notif, cp, nil)
	n := addTestNzb(q, "a.nzb", 0, 2)

	require.NoError(t, api.PauseFiles([]int64{n.Files[0].ID}))
	require.True(t, n.Files[0].Paused)
	require.False(t, n.Files[1].Paused)

	require.NoError(t, api.ResumeFiles([]int64{n.Files[0].ID}))
	require.False(t, n.Files[0].Paused)
}

func TestPauseExtraParsKeepsSmallest(t *testing.T) {
	q, api := newTestQueue(t)
	n := addTestNzb(q, "b.nzb", 0, 0)
	small := &model.FileInfo{ID: q.NextFileID(), NzbID: n.ID, ParFile: true, Size: 100}
	big := &model.FileInfo{ID: q.NextFileID(), NzbID: n.ID, ParFile: true, Size: 900}
	n.Files = []*model.FileInfo{small, big}

	require.NoError(t, api.PauseExtraPars(n.ID))
	require.False(t, small.Paused)
	require.True(t, big.Paused)
}

func TestDeleteGroupsFinalDeleteAvoidsHistory(t *testing.T) {
	q, api := newTestQueue(t)
	n := addTestNzb(q, "c.nzb", 0, 1)

	require.NoError(t, api.DeleteGroups([]int64{n.ID}, false, true))
	require.Empty(t, q.Active())
	require.Empty(t, q.History())
	require.True(t, n.AvoidHistory)
}

func TestDeleteGroupsDupeDeleteGoesToHistory(t *testing.T) {
	q, api := newTestQueue(t)
	n := addTestNzb(q, "d.nzb", 0, 1)

	require.NoError(t, api.DeleteGroups([]int64{n.ID}, true, false))
	require.Empty(t, q.Active())
	require.Len(t, q.History(), 1)
	require.Equal(t, model.DeleteStatusDupe, q.History()[0].Nzb.DeleteStatus)
}

func TestMergeMovesFilesAndRemovesSource(t *testing.T) {
	ctrl := gomock.NewController(t)
	cp := mocks.NewMockCheckpointer(ctrl)
	cp.EXPECT().Save(gomock.Any()).Return(nil).Times(1)
	notif := mocks.NewMockNotifier(ctrl)
	notif.EXPECT().Notify().Times(1)

	q := model.NewQueue()
	api := New(q, nil, notif, cp, nil)
	target := addTestNzb(q, "target.nzb", 0, 1)
	source := addTestNzb(q, "source.nzb", 0, 2)

	require.NoError(t, api.Merge(target.ID, source.ID))
	require.Len(t, target.Files, 3)
	require.Nil(t, q.FindNzb(source.ID))
	for _, f := range target.Files {
		require.Equal(t, target.ID, f.NzbID)
	}
}

func TestMergeRejectsSelfMerge(t *testing.T) {
	q, api := newTestQueue(t)
	n := addTestNzb(q, "self.nzb", 0, 1)
	require.ErrorIs(t, api.Merge(n.ID, n.ID), model.ErrInvalidOperation)
}

func TestSplitCreatesNewEntryWithClonedMetadata(t *testing.T) {
	q, api := newTestQueue(t)
	n := addTestNzb(q, "whole.nzb", 7, 3)
	n.Category = "movies"
	movedID := n.Files[1].ID

	split, err := api.Split(n.ID, []int64{movedID}, "part2")
	require.NoError(t, err)
	require.Equal(t, "part2", split.Name)
	require.Equal(t, "movies", split.Category)
	require.Equal(t, 7, split.Priority)
	require.Len(t, split.Files, 1)
	require.Len(t, n.Files, 2)
	require.Equal(t, split.ID, split.Files[0].NzbID)
	require.NotSame(t, n.CompletedFilenames, split.CompletedFilenames)
}

func TestMoveGroupsOffsetPreservesRelativeOrder(t *testing.T) {
	q, api := newTestQueue(t)
	var ids []int64
	for i := 0; i < 5; i++ {
		n := addTestNzb(q, "n", 0, 0)
		ids = append(ids, n.ID)
	}
	// Select indices 1, 3, 4 (0-based) and move up by one slot each.
	selected := []int64{ids[1], ids[3], ids[4]}
	require.NoError(t, api.MoveGroupsOffset(selected, -1))

	got := q.ActiveIDs()
	want := []int64{ids[1], ids[0], ids[3], ids[4], ids[2]}
	require.Equal(t, want, got)
}

func TestMoveGroupsOffsetTopDoesNotCrossZero(t *testing.T) {
	q, api := newTestQueue(t)
	n1 := addTestNzb(q, "n1", 0, 0)
	n2 := addTestNzb(q, "n2", 0, 0)

	require.NoError(t, api.MoveGroupsOffset([]int64{n1.ID}, -5))
	require.Equal(t, []int64{n1.ID, n2.ID}, q.ActiveIDs())
}

func TestMoveFilesOffsetRejectsMixedParents(t *testing.T) {
	q, api := newTestQueue(t)
	n1 := addTestNzb(q, "n1", 0, 1)
	n2 := addTestNzb(q, "n2", 0, 1)

	err := api.MoveFilesOffset([]int64{n1.Files[0].ID, n2.Files[0].ID}, -1)
	require.ErrorIs(t, err, model.ErrInvalidOperation)
}

func TestSetPriorityAndSetCategory(t *testing.T) {
	ctrl := gomock.NewController(t)
	cp := mocks.NewMockCheckpointer(ctrl)
	// SetPriority and the successful SetCategory checkpoint; the edit
	// targeting a missing id errors out before reaching the checkpoint.
	cp.EXPECT().Save(gomock.Any()).Return(nil).Times(2)
	notif := mocks.NewMockNotifier(ctrl)
	notif.EXPECT().Notify().Times(1)

	q := model.NewQueue()
	api := New(q, nil, notif, cp, nil)
	n := addTestNzb(q, "e.nzb", 0, 0)

	require.NoError(t, api.SetPriority([]int64{n.ID}, 42))
	require.Equal(t, 42, n.Priority)

	require.NoError(t, api.SetCategory(n.ID, "tv"))
	require.Equal(t, "tv", n.Category)

	require.ErrorIs(t, api.SetCategory(999, "x"), model.ErrNotInQueue)
}

func TestFindGroupsByNameAndRegex(t *testing.T) {
	q, api := newTestQueue(t)
	n1 := addTestNzb(q, "Show.S01E01", 0, 0)
	n2 := addTestNzb(q, "Show.S01E02", 0, 0)
	addTestNzb(q, "Movie.2026", 0, 0)

	ids, err := api.FindGroups("Show.S01E01", false)
	require.NoError(t, err)
	require.Equal(t, []int64{n1.ID}, ids)

	ids, err = api.FindGroups(`^Show\.S01E\d+$`, true)
	require.NoError(t, err)
	require.Equal(t, []int64{n1.ID, n2.ID}, ids)

	_, err = api.FindGroups("(", true)
	require.ErrorIs(t, err, model.ErrInvalidOperation)
}

func TestFindFilesByRegex(t *testing.T) {
	q, api := newTestQueue(t)
	n := model.NewNzbInfo(q.NextNzbID(), "job")
	for _, name := range []string{"a.par2", "a.vol01.par2", "movie.mkv"} {
		f := &model.FileInfo{ID: q.NextFileID(), NzbID: n.ID, Filename: name}
		n.Files = append(n.Files, f)
	}
	q.Lock()
	q.AddNzb(n)
	q.Unlock()

	ids, err := api.FindFiles(`\.par2$`, true)
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestMoveFilesTopAndBottom(t *testing.T) {
	q, api := newTestQueue(t)
	n := addTestNzb(q, "job", 0, 4)
	ids := make([]int64, len(n.Files))
	for i, f := range n.Files {
		ids[i] = f.ID
	}

	require.NoError(t, api.MoveFilesTop([]int64{ids[2], ids[3]}))
	require.Equal(t, []int64{ids[2], ids[3], ids[0], ids[1]}, fileOrder(n.Files))

	require.NoError(t, api.MoveFilesBottom([]int64{ids[2], ids[3]}))
	require.Equal(t, []int64{ids[0], ids[1], ids[2], ids[3]}, fileOrder(n.Files))
}
