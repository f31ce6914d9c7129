package tokens

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/storage"
)

// sweepConcurrency caps concurrent provider refreshes during a sweep.
const sweepConcurrency = 4

// SweepResult counts the outcomes of RefreshExpiring.
type SweepResult struct {
	Checked     int `json:"checked"`
	Refreshed   int `json:"refreshed"`
	NeedsReauth int `json:"needs_reauth"`
	Failed      int `json:"failed"`
}

// RefreshExpiring refreshes every active connection whose token expires
// within the refresh buffer. Per-connection failures are counted, not
// returned; the error covers only listing the connections.
func (c *Coordinator) RefreshExpiring(ctx context.Context) (*SweepResult, error) {
	conns, err := c.repo.ListConnections(ctx, storage.ConnectionFilter{
		ExpiresBefore: c.now().Add(c.config.RefreshBuffer).Add(time.Millisecond),
	})
	if err != nil {
		return nil, err
	}

	var refreshed, reauth, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, conn := range conns {
		g.Go(func() error {
			_, err := c.refresh(gctx, conn.ID, false)
			switch {
			case err == nil:
				refreshed.Add(1)
			case NeedsReauth(err):
				reauth.Add(1)
			case errors.Is(err, storage.ErrConnectionNotFound):
				// Deleted since the listing.
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &SweepResult{
		Checked:     len(conns),
		Refreshed:   int(refreshed.Load()),
		NeedsReauth: int(reauth.Load()),
		Failed:      int(failed.Load()),
	}
	if res.Checked > 0 {
		c.logger.Info("refresh sweep finished",
			slog.Int("checked", res.Checked),
			slog.Int("refreshed", res.Refreshed),
			slog.Int("needs_reauth", res.NeedsReauth),
			slog.Int("failed", res.Failed))
	}
	return res, nil
}

// RunSweeper calls RefreshExpiring every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RefreshExpiring(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("refresh sweep failed", logging.Err(err))
			}
		}
	}
}
