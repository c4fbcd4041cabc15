package diskstate

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/statmeter"
)

func buildQueue() *model.Queue {
	q := model.NewQueue()
	n := model.NewNzbInfo(q.NextNzbID(), "job.nzb")
	n.Name = "Movie, Part One"
	n.Category = "movies"
	n.Priority = 3
	n.DupeKey = "movie-2026"
	n.DupeScore = 50
	n.RequestParCheck = true
	n.Size = 5 << 32 // exercises the high/low split
	n.MinTime = time.Unix(1700000000, 0)
	n.MaxTime = time.Unix(1700003600, 0)
	n.Parameters.SetParameter("*Unpack:", "yes")
	n.Parameters.SetParameter("Password", "a=b=c")
	n.ServerStats[7] = &model.ServerStat{ServerID: 7, Success: 12, Failed: 1}
	n.AppendMessage(model.MessageWarning, "article missing, trying next server")
	n.CompletedFilenames.Add("movie.part01.rar")

	file := &model.FileInfo{ID: q.NextFileID(), NzbID: n.ID, Subject: "movie.mkv (1/2)",
		Filename: "movie.mkv", Groups: []string{"alt.binaries.test"}, Size: 200, Time: time.Unix(1700000100, 0)}
	file.Articles = []*model.ArticleInfo{
		{FileID: file.ID, PartNumber: 1, MessageID: "a@b", Size: 100, Status: model.ArticleStatusFinished, CRC32: 0xDEADBEEF, CRC32Valid: true},
		{FileID: file.ID, PartNumber: 2, MessageID: "c@d", Size: 100, Status: model.ArticleStatusRunning}, // in-flight, should demote
	}
	n.Files = append(n.Files, file)

	q.Lock()
	q.AddNzb(n)
	q.Unlock()
	return q
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q := buildQueue()
	q.RLock()
	require.NoError(t, store.Save(q))
	q.RUnlock()

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	active := loaded.Active()
	require.Len(t, active, 1)
	n := active[0]
	assert.Equal(t, "job.nzb", n.Filename)
	assert.Equal(t, "Movie, Part One", n.Name)
	assert.Equal(t, "movies", n.Category)
	assert.Equal(t, 3, n.Priority)
	assert.Equal(t, "movie-2026", n.DupeKey)
	assert.Equal(t, 50, n.DupeScore)
	assert.True(t, n.RequestParCheck, "requestParCheck must survive the round trip")
	assert.Equal(t, int64(5<<32), n.Size)
	assert.Equal(t, int64(1700000000), n.MinTime.Unix())
	assert.Equal(t, int64(1700003600), n.MaxTime.Unix())

	v, ok := n.Parameters.Find("Password")
	require.True(t, ok)
	assert.Equal(t, "a=b=c", v, "parameter values containing '=' must survive")

	require.Contains(t, n.ServerStats, int64(7))
	assert.Equal(t, 12, n.ServerStats[7].Success)
	assert.Equal(t, 1, n.ServerStats[7].Failed)

	messages := n.LockMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, model.MessageWarning, messages[0].Kind)
	assert.Equal(t, "article missing, trying next server", messages[0].Text)

	assert.True(t, n.CompletedFilenames.Confirmed("movie.part01.rar"))

	require.Len(t, n.Files, 1)
	file := n.Files[0]
	assert.Equal(t, "movie.mkv", file.Filename)
	assert.Equal(t, "movie.mkv (1/2)", file.Subject)
	assert.Equal(t, []string{"alt.binaries.test"}, file.Groups)
	require.Len(t, file.Articles, 2)

	for _, a := range file.Articles {
		switch a.PartNumber {
		case 1:
			assert.Equal(t, model.ArticleStatusFinished, a.Status)
			assert.Equal(t, uint32(0xDEADBEEF), a.CRC32)
			assert.True(t, a.CRC32Valid)
		case 2:
			assert.Equal(t, model.ArticleStatusUndefined, a.Status, "in-flight article must be demoted to Undefined on load")
		default:
			t.Fatalf("unexpected part number %d", a.PartNumber)
		}
	}

	// Freshly minted ids must not collide with restored entries.
	assert.Greater(t, loaded.NextNzbID(), n.ID)
	assert.Greater(t, loaded.NextFileID(), file.ID)
}

func TestSaveLoadHistoryAndURLQueue(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q := buildQueue()
	q.Lock()
	done := model.NewNzbInfo(q.NextNzbID(), "done.nzb")
	done.Name = "finished job"
	q.AddHistoryEntry(model.NewNzbHistoryEntry(100, done))
	q.AddHistoryEntry(model.NewUrlHistoryEntry(101, &model.UrlInfo{
		ID: 41, URL: "https://indexer.example/fetch?id=1,2", NZBFilename: "later.nzb", Status: model.UrlStatusFailed,
	}))
	q.AddURL(&model.UrlInfo{ID: 42, URL: "https://indexer.example/fetch?id=9", NZBFilename: "pending.nzb", Priority: 1, AddTop: true})
	require.NoError(t, store.Save(q))
	q.Unlock()

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	history := loaded.History()
	require.Len(t, history, 2)
	assert.Equal(t, model.HistoryKindNzb, history[0].Kind)
	assert.Equal(t, "finished job", history[0].Nzb.Name)
	assert.Equal(t, model.HistoryKindURL, history[1].Kind)
	assert.Equal(t, "https://indexer.example/fetch?id=1,2", history[1].Url.URL)
	assert.Equal(t, model.UrlStatusFailed, history[1].Url.Status)

	urls := loaded.Urls()
	require.Len(t, urls, 1)
	assert.Equal(t, "pending.nzb", urls[0].NZBFilename)
	assert.Equal(t, 1, urls[0].Priority)
	assert.True(t, urls[0].AddTop)
}

func TestSaveLoadParkedFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q := buildQueue()
	q.Lock()
	n := q.Active()[0]
	parked := &model.FileInfo{ID: q.NextFileID(), NzbID: n.ID, Filename: "extra.par2", ParFile: true, Size: 50}
	parked.Articles = []*model.ArticleInfo{
		{FileID: parked.ID, PartNumber: 1, MessageID: "p@q", Size: 50, Status: model.ArticleStatusFinished},
	}
	n.ParkedFiles = append(n.ParkedFiles, parked)
	require.NoError(t, store.Save(q))
	q.Unlock()

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, loaded.Active(), 1)
	restored := loaded.Active()[0]
	require.Len(t, restored.ParkedFiles, 1)
	assert.Equal(t, "extra.par2", restored.ParkedFiles[0].Filename)
	assert.True(t, restored.ParkedFiles[0].ParFile)
	require.Len(t, restored.ParkedFiles[0].Articles, 1)
}

func TestQueueFileIsCountPrefixedText(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q := buildQueue()
	q.RLock()
	require.NoError(t, store.Save(q))
	q.RUnlock()

	data, err := os.ReadFile(filepath.Join(dir, "queue"))
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Greater(t, len(lines), 3)
	assert.Equal(t, "nzbget diskstate file version 2", lines[0])
	assert.Equal(t, "1", lines[1], "active section must be preceded by its count")
}

func TestLoadVersion1ConvertsForward(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	// A version-1 snapshot: no kind field on the job line, no URL section,
	// and a history entry whose id collides with the active job's.
	v1Nzb := func(id int) string {
		return strings.Join([]string{
			// id,priority,dupeScore,dupeMode,sizeHi,sizeLo,parSizeHi,parSizeLo
			strings.Join([]string{strconv.Itoa(id), "0", "0", "0", "0", "100", "0", "0"}, ","),
			"job.nzb", "job", "", "", "", "", "", "",
			"0,0,0,0,0,0,0,0",
			"0,0,0,0,0,0,0,0",
			"0,0,0,0,0",
			"0,0,0,0",
			"0", // params
			"0", // script statuses
			"0", // server stats
			"0", // messages
			"0", // completed filenames
			"0", // files
		}, "\n")
	}
	content := strings.Join([]string{
		"nzbget diskstate file version 1",
		"1",
		v1Nzb(1),
		"1",
		"9,1", // history entry id 9, kind nzb
		v1Nzb(1),
		"0", // parked (v1 had no URL section; parked follows history directly)
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue"), []byte(content), 0o644))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, loaded.Active(), 1)
	require.Len(t, loaded.History(), 1)
	assert.Equal(t, int64(1), loaded.Active()[0].ID)
	assert.NotEqual(t, int64(1), loaded.History()[0].Nzb.ID, "colliding history id must be renumbered")
	assert.Empty(t, loaded.Urls())
}

func TestLoadMissingQueueFileReturnsEmptyQueue(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, q.Active())
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue"),
		[]byte("nzbget diskstate file version 99\n0\n0\n0\n0\n"), 0o644))

	_, err := store.Load(context.Background())
	require.Error(t, err)
}

func TestStatsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	m := statmeter.New()
	m.AddBytes(1 << 33) // crosses the 32-bit boundary
	m.RecordArticleOutcome(true)
	m.RecordArticleOutcome(false)
	m.RecordServerOutcome(3, true)
	m.RecordServerOutcome(3, false)
	require.NoError(t, store.SaveStats(m))

	restored := statmeter.New()
	require.NoError(t, store.LoadStats(restored))
	assert.Equal(t, int64(1<<33), restored.TotalBytes())
	done, failed := restored.ArticleCounts()
	assert.Equal(t, int64(1), done)
	assert.Equal(t, int64(1), failed)
	succ, fail := restored.ServerCounts(3)
	assert.Equal(t, int64(1), succ)
	assert.Equal(t, int64(1), fail)
}

func TestDiscardRemovesQueueAndDetailFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q := buildQueue()
	q.RLock()
	require.NoError(t, store.Save(q))
	q.RUnlock()

	require.NoError(t, store.Discard())

	_, err := store.Load(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Zero(t, len(entries))
}

func TestDiscardFileRemovesDetail(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	q := buildQueue()
	q.RLock()
	require.NoError(t, store.Save(q))
	fileID := q.Active()[0].Files[0].ID
	q.RUnlock()

	detail := filepath.Join(dir, "1")
	_, err := os.Stat(detail)
	require.NoError(t, err)

	store.DiscardFile(fileID)
	_, err = os.Stat(detail)
	require.True(t, os.IsNotExist(err))
}
