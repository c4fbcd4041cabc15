// Package downloader implements ArticleDownloader, the per-article worker
// that drives one article through connection acquisition, NNTP transfer,
// decoding, and writing, with per-server retry and level-by-level failover.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/decoder"
	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/nntp"
	"github.com/javi11/nzbcore/internal/serverpool"
	"github.com/javi11/nzbcore/internal/statmeter"
	"github.com/javi11/nzbcore/internal/writer"
)

// Status is the ArticleDownloader's own transient result, distinct from the
// smaller terminal model.ArticleStatus the queue persists: the scheduler
// maps Status down to model.ArticleStatus once a worker returns.
type Status int

const (
	StatusUndefined Status = iota
	StatusRunning
	StatusWaiting
	StatusFinished
	StatusFailed
	StatusRetry
	StatusCrcError
	StatusNotFound
	StatusConnectError
	StatusFatalError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusWaiting:
		return "WAITING"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	case StatusRetry:
		return "RETRY"
	case StatusCrcError:
		return "CRC_ERROR"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusConnectError:
		return "CONNECT_ERROR"
	case StatusFatalError:
		return "FATAL_ERROR"
	default:
		return "UNDEFINED"
	}
}

// ToArticleStatus maps a terminal downloader Status to the persisted
// model.ArticleStatus the scheduler writes back onto the queue.
func (s Status) ToArticleStatus() model.ArticleStatus {
	if s == StatusFinished {
		return model.ArticleStatusFinished
	}
	if s == StatusRetry {
		return model.ArticleStatusUndefined
	}
	return model.ArticleStatusFailed
}

const (
	acquireRetryDelay = 200 * time.Millisecond
	pauseRecheckDelay = 500 * time.Millisecond
)

// Deps bundles the collaborators one ArticleDownloader needs. Downloader
// itself holds no per-article state, so a single Deps value is shared by
// every worker; Run builds a fresh Decoder per article and callers pass in
// the ArticleWriter.
type Deps struct {
	Pool     *serverpool.Pool
	Stat     *statmeter.StatMeter
	Throttle *statmeter.Throttle
	Log      *slog.Logger
}

// Downloader runs one article's main loop to completion.
type Downloader struct {
	deps Deps
}

// New returns a Downloader sharing deps across every article it runs.
func New(deps Deps) *Downloader {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Downloader{deps: deps}
}

// Run drives article through the 14-step main loop until it reaches a
// terminal status or ctx/pauseCtx/tok signal the worker to stop. nzb is the
// article's owning job, used only to record per-server statistics; it may
// be nil in tests that don't care about that bookkeeping. hb is the
// scheduler's hang-detection heartbeat, touched on every chunk of real
// transfer progress; it may also be nil.
func (d *Downloader) Run(ctx context.Context, pauseCtx *control.PauseContext, tok *control.CancelToken, hb *control.Heartbeat, nzb *model.NzbInfo, file *model.FileInfo, article *model.ArticleInfo, w *writer.ArticleWriter) Status {
	log := d.deps.Log.With("file", file.ID, "part", article.PartNumber, "msgid", article.MessageID)

	// 1. Initialize.
	article.Status = model.ArticleStatusRunning
	article.CRC32 = 0
	article.CRC32Valid = false
	dec := decoder.New(true)

	level := 0

	for {
		// 3. Honor pause/cancellation before acquiring anything. A
		// force-priority file (FileInfo.ExtraPriority) skips the pause gate
		// entirely: force-priority jobs keep downloading through a global
		// pause, so neither CheckPause nor the IsPaused wait below may run
		// for them.
		if tok != nil && tok.Cancelled() {
			return StatusRetry
		}
		if pauseCtx != nil && !file.ExtraPriority {
			if err := pauseCtx.CheckPause(); err != nil {
				return StatusRetry
			}
			if pauseCtx.IsPaused() {
				article.Status = model.ArticleStatusRunning // still in-flight, just waiting
				select {
				case <-time.After(pauseRecheckDelay):
					continue
				case <-ctx.Done():
					return StatusRetry
				}
			}
		}

		// 2. Acquire a connection at the current level, excluding servers
		// this article already failed on.
		lease, err := d.deps.Pool.Acquire(ctx, tok, level, article.FailedServers)
		if err != nil {
			if errors.Is(err, model.ErrServerBlocked) {
				// 13. Every server at this level is blocked or exhausted
				// for this article: advance, or fail.
				if level < d.deps.Pool.MaxLevel() {
					level++
					continue
				}
				return StatusFailed
			}
			// Momentary congestion (ErrServerBusy) or a dial failure that
			// already blocklisted the failing server (ErrNoConnection):
			// wait for a slot and retry at the same level.
			select {
			case <-time.After(acquireRetryDelay):
				continue
			case <-ctx.Done():
				return StatusRetry
			}
		}

		status := d.runOnServer(ctx, lease, file, article, dec, w, log, hb)
		d.recordServerOutcome(nzb, lease.ServerID, status == StatusFinished)
		switch status {
		case StatusFinished:
			d.deps.Pool.Release(lease, true)
			return StatusFinished
		case StatusConnectError:
			// Connection-level failure: does not count against the
			// per-server retry budget, retry with a fresh connection at
			// the same level.
			d.deps.Pool.Release(lease, false)
			d.deps.Pool.Block(lease.ServerID)
			continue
		case StatusNotFound, StatusCrcError:
			d.deps.Pool.Release(lease, true)
			article.MarkServerFailed(lease.ServerID)
			continue
		case StatusFailed:
			d.deps.Pool.Release(lease, true)
			article.RetriesRemaining--
			if article.RetriesRemaining <= 0 {
				article.MarkServerFailed(lease.ServerID)
			}
			continue
		case StatusFatalError:
			d.deps.Pool.Release(lease, false)
			return StatusFatalError
		default:
			d.deps.Pool.Release(lease, true)
			continue
		}
	}
}

// recordServerOutcome updates both the engine-wide (StatMeter) and the
// job-level (NzbInfo.ServerStats) per-server counters for one attempt
// against serverID, so a failover across levels leaves a failure recorded
// on the exhausted server and a success on the one that delivered.
func (d *Downloader) recordServerOutcome(nzb *model.NzbInfo, serverID int64, success bool) {
	if d.deps.Stat != nil {
		d.deps.Stat.RecordServerOutcome(serverID, success)
	}
	if nzb != nil {
		nzb.RecordServerOutcome(serverID, success)
	}
}

// runOnServer attempts the transfer once on an already-acquired connection,
// covering steps 4 through 11.
func (d *Downloader) runOnServer(ctx context.Context, lease *serverpool.Lease, file *model.FileInfo, article *model.ArticleInfo, dec *decoder.Decoder, w *writer.ArticleWriter, log *slog.Logger, hb *control.Heartbeat) Status {
	server, ok := d.deps.Pool.ServerByID(lease.ServerID)
	if !ok {
		return StatusConnectError
	}

	// 4. Retention enforcement.
	if server.Retention > 0 && !file.Time.IsZero() {
		if time.Since(file.Time) > time.Duration(server.Retention)*24*time.Hour {
			return StatusNotFound
		}
	}

	// 5. Connect if needed.
	if lease.Conn.Status() != nntp.StatusConnected {
		if err := nntp.ConnectWithRetry(ctx, lease.Conn, nil, 1); err != nil {
			log.Debug("connect failed", "server", server.Name, "error", err)
			return StatusConnectError
		}
	}

	// 6. Join group if required.
	if server.JoinGroup {
		joined := false
		for _, g := range file.Groups {
			if err := lease.Conn.JoinGroup(g); err == nil {
				joined = true
				break
			}
		}
		if !joined && len(file.Groups) > 0 {
			return StatusNotFound
		}
	}

	// 7-8. Fetch and stream-decode the body.
	dec.Reset(true)
	var decoded bytes.Buffer
	var totalBytes int64
	err := lease.Conn.Body(article.MessageID, func(line []byte) error {
		if d.deps.Throttle != nil {
			d.deps.Throttle.Wait(int64(len(line)))
		}
		decoded.Write(dec.DecodeBuffer(line))
		decoded.Write(dec.DecodeBuffer([]byte("\r\n")))
		totalBytes += int64(len(line)) + 2
		if hb != nil {
			hb.Touch()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return StatusNotFound
		}
		return StatusConnectError
	}

	// 9. Classify the decode outcome.
	switch dec.Check() {
	case decoder.StatusFinished:
		// falls through
	case decoder.StatusCrcError:
		return StatusCrcError
	case decoder.StatusNoBinaryData, decoder.StatusArticleIncomplete, decoder.StatusInvalidSize:
		return StatusFailed
	}

	// 10. Aggregate stats.
	if d.deps.Stat != nil {
		d.deps.Stat.AddBytes(totalBytes)
		d.deps.Stat.RecordArticleOutcome(true)
	}
	article.CRC32 = dec.CRC32()
	article.CRC32Valid = dec.Check() == decoder.StatusFinished
	if dec.Filename() != "" {
		article.ResultFilename = dec.Filename()
	}

	// 11. Persist and finish.
	begin, end := dec.Range()
	if w != nil {
		if err := w.WriteArticle(article, begin, end, decoded.Bytes()); err != nil {
			return StatusFatalError
		}
	}
	article.Status = model.ArticleStatusFinished
	return StatusFinished
}
