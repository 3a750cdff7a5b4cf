package mediarelay

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// throttle remembers the last render per key.
type throttle struct {
	mu   sync.Mutex
	last *expirable.LRU[string, time.Time]
}

func newThrottle() *throttle {
	return &throttle{last: expirable.NewLRU[string, time.Time](4096, nil, 10*time.Minute)}
}

func (th *throttle) allow(key string, now time.Time, every time.Duration, force bool) bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	if !force {
		if t, ok := th.last.Get(key); ok && now.Sub(t) < every {
			return false
		}
	}
	th.last.Add(key, now)
	return true
}

// refreshDisplay re-renders the display a task belongs to. Group displays are
// rebuilt from all sibling rows at most once per GroupRefreshInterval unless
// the task reached a terminal status. Single tasks render every status change
// and throttle progress.
func (o *Orchestrator) refreshDisplay(ctx context.Context, t *Task, p Progress, statusChange bool) {
	if t.GroupID != "" {
		o.refreshGroup(ctx, t.ChatID, t.StatusMessageID, t.GroupID, statusChange && t.Status.IsTerminal())
		return
	}
	if !o.renders.allow("task:"+t.ID, o.now(), o.cfg.ProgressInterval, statusChange) {
		return
	}
	if err := o.notify.RenderTask(ctx, t, p); err != nil {
		o.log.Warnf("render task failed: task=%s err=%v", t.ID, err)
	}
}

func (o *Orchestrator) refreshGroup(ctx context.Context, chatID, statusMessageID int64, groupID string, force bool) {
	if !o.renders.allow("group:"+groupID, o.now(), o.cfg.GroupRefreshInterval, force) {
		return
	}
	tasks, err := o.store.FindByGroupID(ctx, groupID)
	if err != nil {
		o.log.Warnf("render group failed: group=%s err=%v", groupID, err)
		return
	}
	if err := o.notify.RenderGroup(ctx, chatID, statusMessageID, tasks); err != nil {
		o.log.Warnf("render group failed: group=%s err=%v", groupID, err)
	}
}
