package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zaki-os/pkg/task"
)

// errStillFresh aborts an expiry whose task was reclaimed or finished after
// it was listed.
var errStillFresh = errors.New("claim no longer stale")

// ExpireStale fails in_progress tasks claimed before cutoff and bumps their
// retry count. It returns the number of tasks expired.
func (d *Dispatcher) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := d.tasks.Stale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range stale {
		updated, err := d.tasks.Update(ctx, s.ID, func(t *task.Task) ([]task.Note, error) {
			if t.Status != task.StatusInProgress || t.ClaimedAt == nil || !t.ClaimedAt.Before(cutoff) {
				return nil, errStillFresh
			}
			claimedAt := *t.ClaimedAt
			owner := "unknown"
			if t.ClaimedBy != nil {
				owner = *t.ClaimedBy
			}
			if err := task.Transition(t, task.StatusFailed, d.now()); err != nil {
				return nil, err
			}
			t.RetryCount++
			msg := fmt.Sprintf("claim by %s expired after %s", owner, d.now().Sub(claimedAt).Round(time.Second))
			return d.transitionNotes(t, task.StatusInProgress, task.LevelWarning, msg), nil
		})
		if errors.Is(err, errStillFresh) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("expire %s: %w", s.ID, err)
		}
		expired++
		d.log.Warn("stale claim expired", "task_id", s.ID, "retry_count", updated.RetryCount)
		d.published(updated, task.StatusInProgress)
	}
	return expired, nil
}

// RunSweeper expires stale claims every interval until ctx is cancelled. It
// returns immediately when the claim timeout is zero.
func (d *Dispatcher) RunSweeper(ctx context.Context) {
	if d.cfg.ClaimTimeout <= 0 {
		d.log.Info("sweeper disabled")
		return
	}
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d.log.Info("sweeper running", "interval", interval, "claim_timeout", d.cfg.ClaimTimeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("sweeper shutting down")
			return
		case <-ticker.C:
			n, err := d.ExpireStale(ctx, d.now().Add(-d.cfg.ClaimTimeout))
			if err != nil {
				d.log.Error("sweep stale claims", "error", err, "retryable", task.IsRetryable(err))
				continue
			}
			if n > 0 {
				d.log.Info("sweep complete", "expired", n)
			}
		}
	}
}
