// Package scheduler implements the QueueCoordinator: the dispatch loop that
// picks the next article to download, runs it through internal/downloader,
// detects hung workers, and reports completions on an explicit channel
// rather than registered observer callbacks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"

	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/downloader"
	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/serverpool"
	"github.com/javi11/nzbcore/internal/statmeter"
	"github.com/javi11/nzbcore/internal/writer"
)

// hangCheckInterval paces the hung-worker scan, distinct from the server
// pool's 30-second blocklist sweep.
const hangCheckInterval = 1 * time.Second

// terminateTimeout is how long a worker's heartbeat may go untouched
// before the coordinator force-terminates it and requeues the article.
const terminateTimeout = 2 * time.Minute

// CompletionEvent is emitted once per article worker that reaches a terminal
// state, additionally (Article == nil) once a file finishes assembly, and
// once more with NzbDone set when the whole job has been handed to history.
// A consumer wanting the post-processing handoff watches for NzbDone.
type CompletionEvent struct {
	NzbID   int64
	FileID  int64
	Article *model.ArticleInfo
	Status  downloader.Status
	NzbDone bool
	At      time.Time
}

// Checkpointer persists the queue between edits, and discards a file's
// article detail once the file is fully assembled. internal/diskstate.Store
// satisfies this directly; Save expects the caller to hold the queue's
// write lock, which the coordinator's checkpoint path does.
type Checkpointer interface {
	Save(q *model.Queue) error
	DiscardFile(fileID int64)
}

// WriterFactory builds the ArticleWriter for a given file, so the
// coordinator does not need to know about output paths or scratch
// directories itself.
type WriterFactory func(file *model.FileInfo) *writer.ArticleWriter

type activeWorker struct {
	token  *control.CancelToken
	hb     *control.Heartbeat
	fileID int64
	nzbID  int64
}

// Coordinator is the QueueCoordinator: it owns the dispatch loop, the set of
// active downloaders, and the completion-event channel.
type Coordinator struct {
	queue    *model.Queue
	dl       *downloader.Downloader
	writerOf WriterFactory
	pause    *control.PauseContext
	checkpt  Checkpointer
	log      *slog.Logger

	maxActive int
	completions chan CompletionEvent

	mu     sync.Mutex
	active map[int64]*activeWorker // article identity (fileID<<20|partNumber) -> worker

	wakeUp chan struct{}
}

// New builds a Coordinator. maxActive bounds the number of concurrently
// running ArticleDownloader workers, the download-side equivalent of the
// upload side's connection-count worker pool. checkpt may be nil, in which
// case the periodic queue checkpoint is skipped.
func New(queue *model.Queue, pool *serverpool.Pool, stat *statmeter.StatMeter, throttle *statmeter.Throttle, writerOf WriterFactory, pause *control.PauseContext, checkpt Checkpointer, maxActive int, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		queue:       queue,
		dl:          downloader.New(downloader.Deps{Pool: pool, Stat: stat, Throttle: throttle, Log: log}),
		writerOf:    writerOf,
		pause:       pause,
		checkpt:     checkpt,
		log:         log.With("component", "scheduler"),
		maxActive:   maxActive,
		completions: make(chan CompletionEvent, 64),
		active:      make(map[int64]*activeWorker),
		wakeUp:      make(chan struct{}, 1),
	}
}

// Completions returns the channel of per-article (and per-file) completion
// events.
func (c *Coordinator) Completions() <-chan CompletionEvent { return c.completions }

// Notify wakes the dispatch loop early, e.g. after a job is added or resumed.
func (c *Coordinator) Notify() {
	select {
	case c.wakeUp <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop and hang-detection loop until ctx is done.
// A cron-scheduled low-frequency sweep checkpoints the queue, separate from
// the 1-second hang tick and the dispatch tick.
func (c *Coordinator) Run(ctx context.Context) {
	workers := pool.New().WithContext(ctx).WithMaxGoroutines(max(1, c.maxActive))

	hangTicker := time.NewTicker(hangCheckInterval)
	defer hangTicker.Stop()

	dispatchTicker := time.NewTicker(200 * time.Millisecond)
	defer dispatchTicker.Stop()

	sweep := cron.New()
	if c.checkpt != nil {
		if _, err := sweep.AddFunc("@every 1m", c.checkpoint); err == nil {
			sweep.Start()
			defer sweep.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = workers.Wait()
			c.checkpoint()
			close(c.completions)
			return
		case <-c.wakeUp:
			c.dispatch(ctx, workers)
		case <-dispatchTicker.C:
			c.dispatch(ctx, workers)
		case <-hangTicker.C:
			c.checkHangs()
		}
	}
}

// checkpoint persists the queue, holding the queue lock for the duration so
// the snapshot on disk matches live state.
func (c *Coordinator) checkpoint() {
	if c.checkpt == nil {
		return
	}
	c.queue.Lock()
	defer c.queue.Unlock()
	if err := c.checkpt.Save(c.queue); err != nil {
		c.log.Error("checkpointing queue", "error", err)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// dispatch fills free worker slots with the next eligible articles.
func (c *Coordinator) dispatch(ctx context.Context, workers *pool.ContextPool) {
	for {
		c.mu.Lock()
		full := len(c.active) >= c.maxActive
		c.mu.Unlock()
		if full {
			return
		}
		forceOnly := c.pause != nil && c.pause.IsPaused()

		nzb, file, article := c.nextEligible(forceOnly)
		if article == nil {
			return
		}

		key := articleKey(file.ID, article.PartNumber)
		worker := &activeWorker{token: control.NewCancelToken(), hb: control.NewHeartbeat(), fileID: file.ID, nzbID: nzb.ID}
		c.mu.Lock()
		c.active[key] = worker
		c.mu.Unlock()

		w := c.writerOf(file)
		workers.Go(func(ctx context.Context) error {
			defer func() {
				c.mu.Lock()
				delete(c.active, key)
				c.mu.Unlock()
			}()

			status := c.dl.Run(ctx, c.pause, worker.token, worker.hb, nzb, file, article, w)
			c.onArticleDone(nzb, file, article, status)
			return nil
		})
	}
}

func articleKey(fileID int64, partNumber int) int64 {
	return fileID<<20 | int64(partNumber)
}

// nextEligible picks the highest-priority NzbInfo, then the first eligible
// FileInfo within it, then its next Undefined article. When forceOnly is
// set (the coordinator is globally paused), only files with ExtraPriority
// are considered: force-priority jobs keep downloading through the pause
// while every other job stays parked.
func (c *Coordinator) nextEligible(forceOnly bool) (*model.NzbInfo, *model.FileInfo, *model.ArticleInfo) {
	c.queue.RLock()
	defer c.queue.RUnlock()

	nzbs := append([]*model.NzbInfo(nil), c.queue.Active()...)
	sortByPriority(nzbs)

	for _, n := range nzbs {
		if n.Deleting || n.DeleteStatus != model.DeleteStatusNone || n.HealthPaused {
			continue
		}
		for _, f := range n.Files {
			if f.Paused || f.Deleted {
				continue
			}
			if forceOnly && !f.ExtraPriority {
				continue
			}
			if a := f.NextUndefinedArticle(); a != nil {
				return n, f, a
			}
		}
	}
	return nil, nil, nil
}

func sortByPriority(nzbs []*model.NzbInfo) {
	for i := 1; i < len(nzbs); i++ {
		for j := i; j > 0 && nzbs[j].Priority > nzbs[j-1].Priority; j-- {
			nzbs[j], nzbs[j-1] = nzbs[j-1], nzbs[j]
		}
	}
}

// onArticleDone updates queue state and emits a completion event. On the
// last article of the last file it hands the whole job off to
// history, which is where the (out-of-scope) post-processing pipeline picks
// it up.
func (c *Coordinator) onArticleDone(nzb *model.NzbInfo, file *model.FileInfo, article *model.ArticleInfo, status downloader.Status) {
	c.queue.Lock()
	article.Status = status.ToArticleStatus()
	file.RecomputeRemainingSize()
	nzb.RecomputeTotals()
	fileDone := file.IsComplete()
	c.queue.Unlock()

	if status != downloader.StatusFinished && status != downloader.StatusRetry {
		c.log.Debug("article failed", "nzb", nzb.ID, "file", file.ID, "part", article.PartNumber,
			"msgid", article.MessageID, "status", status.String())
		nzb.AppendMessage(model.MessageDetail, "article "+article.MessageID+" failed: "+status.String())
	}

	c.completions <- CompletionEvent{NzbID: nzb.ID, FileID: file.ID, Article: article, Status: status, At: time.Now()}

	if !fileDone {
		return
	}

	if file.HasFailedArticle() {
		c.log.Warn("file completed with failed articles", "nzb", nzb.ID, "file", file.ID, "filename", file.Filename)
		nzb.AppendMessage(model.MessageWarning, "file "+file.Filename+" completed with failed articles")
	}
	// rawMode is always false here: nothing in the queue currently
	// tracks per-file raw (non-yEnc/non-UU) mode, so scratch assembly
	// always runs the decoding path's dot-line handling.
	if err := c.writerOf(file).CompleteFileParts(false, nzb.CompletedFilenames); err != nil {
		c.log.Error("completing file parts failed", "file", file.ID, "nzb", nzb.ID, "error", err)
	}
	if c.checkpt != nil {
		c.checkpt.DiscardFile(file.ID)
	}
	c.completions <- CompletionEvent{NzbID: nzb.ID, FileID: file.ID, Article: nil, Status: downloader.StatusFinished, At: time.Now()}

	c.queue.Lock()
	nzbDone := c.queue.FindNzb(nzb.ID) != nil && nzb.IsFullyDownloaded()
	if nzbDone {
		c.queue.MoveToHistory(nzb.ID, c.queue.NextNzbID())
	}
	c.queue.Unlock()

	if nzbDone {
		c.log.Info("job downloaded", "nzb", nzb.ID, "name", nzb.Name,
			"success", nzb.SuccessArticles, "total", nzb.TotalArticles,
			"health", nzb.HealthPercent())
		c.completions <- CompletionEvent{NzbID: nzb.ID, Status: downloader.StatusFinished, NzbDone: true, At: time.Now()}
		c.checkpoint()
	}
}

// checkHangs cancels the token of every worker whose heartbeat — touched by
// the downloader on every chunk of real transfer progress — has gone stale
// for terminateTimeout. The downloader sees the cancellation before its next
// connection attempt and returns StatusRetry, which ToArticleStatus maps back
// to Undefined so dispatch picks the article up again; a worker blocked
// inside a body read stops only once that read returns. A slow but moving
// download keeps refreshing the heartbeat and is never cancelled.
func (c *Coordinator) checkHangs() {
	now := time.Now()
	c.mu.Lock()
	var hung []*activeWorker
	for _, w := range c.active {
		if now.Sub(w.hb.Last()) > terminateTimeout {
			hung = append(hung, w)
		}
	}
	c.mu.Unlock()

	for _, w := range hung {
		c.log.Warn("terminating hung downloader", "file", w.fileID, "nzb", w.nzbID)
		w.token.Cancel()
	}
}
