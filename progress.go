package mediarelay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// progress builds the transfer callback of an attempt. Every call observes
// cancellation; renders and lock refreshes are throttled.
func (o *Orchestrator) progress(ctx context.Context, a *attempt, phase Status) ProgressFunc {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(done, total int64) error {
		if errors.Is(context.Cause(ctx), ErrCancelled) || o.cancelRequested(a.task.ID) {
			return ErrCancelled
		}
		mu.Lock()
		defer mu.Unlock()

		now := o.now()
		finished := total > 0 && done >= total
		if !finished && !last.IsZero() && now.Sub(last) < o.cfg.ProgressInterval {
			return nil
		}
		last = now

		p := Progress{Phase: phase, Done: done, Total: total}
		SetProgress(ctx, p.Percent())
		if err := o.refreshLock(ctx, a, now); err != nil {
			return err
		}
		o.refreshDisplay(ctx, a.task, p, false)
		return nil
	}
}

// refreshLock extends the per-task lease once half of it has elapsed. A lost
// lease aborts the attempt; a failing store is tolerated until the lease
// actually runs out.
func (o *Orchestrator) refreshLock(ctx context.Context, a *attempt, now time.Time) error {
	if now.Sub(a.lockedAt) < o.cfg.LockTTL/2 {
		return nil
	}
	ok, err := o.coord.RefreshTaskLock(ctx, a.task.ID, a.token)
	if err != nil {
		o.log.Warnf("refresh task lock failed: task=%s err=%v", a.task.ID, err)
		return nil
	}
	if !ok {
		a.cancel(errLockLost)
		return errLockLost
	}
	a.lockedAt = now
	return nil
}
