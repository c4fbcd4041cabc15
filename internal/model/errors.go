package model

import "errors"

// Error kinds surfaced by the download core. These are sentinels, not
// concrete types: callers classify with errors.Is and wrap with %w for
// context, the same idiom the upload side used for postArticle/checkArticle
// failures.
var (
	// ErrConnect covers transient network/TLS/auth failures establishing or
	// using an NntpConnection.
	ErrConnect = errors.New("nzbcore: connect error")

	// ErrNotFound means the article or group was not found on a server.
	ErrNotFound = errors.New("nzbcore: article not found")

	// ErrCrc means the decoder detected a CRC32 mismatch.
	ErrCrc = errors.New("nzbcore: crc mismatch")

	// ErrFatalArticle covers unrecoverable per-article failures (disk write
	// failure, malformed decoder header) that must not be retried.
	ErrFatalArticle = errors.New("nzbcore: fatal article error")

	// ErrQueueState covers disk-state save/load failures.
	ErrQueueState = errors.New("nzbcore: queue state error")

	// ErrCancelled is returned instead of a terminal status when a worker
	// was cancelled mid-flight; the downloader ends such a run with
	// downloader.StatusRetry.
	ErrCancelled = errors.New("nzbcore: cancelled")

	// ErrNoConnection is returned by the server pool when dialing the chosen
	// server fails; that server is briefly blocklisted.
	ErrNoConnection = errors.New("nzbcore: no connection available")

	// ErrServerBlocked is returned when every candidate server is blocked.
	ErrServerBlocked = errors.New("nzbcore: server blocked")

	// ErrServerBusy is returned when at least one candidate server exists
	// but every one is momentarily at its connection limit. Callers wait
	// and retry rather than escalating to the next failover level.
	ErrServerBusy = errors.New("nzbcore: all servers busy")

	// ErrNotInQueue is returned by QueueAPI edit operations that target an
	// NzbInfo or FileInfo id no longer present in the active queue.
	ErrNotInQueue = errors.New("nzbcore: not in queue")

	// ErrDuplicateRejected is returned by QueueAPI.AddNzb when the dupe
	// index rejects a new job under its dupeMode policy.
	ErrDuplicateRejected = errors.New("nzbcore: duplicate rejected")

	// ErrInvalidOperation covers QueueAPI edit requests that are
	// structurally invalid for the target (e.g. merging a job with itself).
	ErrInvalidOperation = errors.New("nzbcore: invalid operation")
)
