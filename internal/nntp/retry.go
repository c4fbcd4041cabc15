package nntp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/model"
)

// ConnectWithRetry dials and authenticates with exponential backoff, the
// NNTP-connect analogue of the queue-claim retry used elsewhere in the
// corpus for transient contention. It gives up early if ctx is done or tok
// is cancelled.
func ConnectWithRetry(ctx context.Context, c *Conn, tok *control.CancelToken, attempts uint) error {
	return retry.Do(
		func() error {
			if tok != nil && tok.Cancelled() {
				return retry.Unrecoverable(model.ErrCancelled)
			}
			return c.Connect(ctx, tok)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, model.ErrCancelled)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("nntp connect retry", "attempt", n+1, "host", c.cfg.Host, "error", err)
		}),
	)
}
