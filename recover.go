package mediarelay

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/mediarelay/internal/queue"
	"github.com/UniQw/mediarelay/internal/retry"
)

// RecoverStalled republishes triggers for non-terminal tasks whose last
// update is older than age. It runs at process start. Tasks are grouped by
// chat so each chat's source messages are looked up once; tasks whose source
// message is gone fail. Republishing pauses between batches. It returns the
// number of triggers published.
func (o *Orchestrator) RecoverStalled(ctx context.Context, age time.Duration) (int, error) {
	stalled, err := o.store.FindStalled(ctx, age)
	if err != nil {
		return 0, fmt.Errorf("find stalled: %w", err)
	}
	var chats []int64
	byChat := make(map[int64][]*Task)
	for _, t := range stalled {
		if t.Status.IsTerminal() {
			continue
		}
		if _, ok := byChat[t.ChatID]; !ok {
			chats = append(chats, t.ChatID)
		}
		byChat[t.ChatID] = append(byChat[t.ChatID], t)
	}
	if len(chats) == 0 {
		return 0, nil
	}
	o.log.Infof("recovering stalled tasks: tasks=%d chats=%d", len(stalled), len(chats))

	ctx = queue.WithMeta(ctx, map[string]string{"origin": "recovery"})
	sent, tried := 0, 0
	for _, chatID := range chats {
		tasks := byChat[chatID]
		missing := o.missingSources(ctx, chatID, tasks)
		for _, t := range tasks {
			if missing[t.SourceMessageID] {
				o.failUnderLock(ctx, t, ErrSourceNotFound.Error())
				continue
			}
			if tried > 0 && tried%o.cfg.RecoveryBatchSize == 0 {
				if err := retry.Sleep(ctx, o.cfg.RecoveryBatchDelay); err != nil {
					return sent, err
				}
			}
			tried++
			var ok bool
			if t.Status == StatusDownloaded && fileMatches(o.localPath(t), t.FileSize) {
				ok = o.publish(ctx, JobUpload, t.ID, UploadTrigger{TaskID: t.ID})
			} else {
				ok = o.publish(ctx, JobDownload, t.ID, DownloadTrigger{TaskID: t.ID})
			}
			if ok {
				sent++
			}
		}
	}
	o.log.Infof("recovery done: republished=%d", sent)
	return sent, nil
}

// missingSources returns the source message ids of tasks that no longer
// exist. A failed lookup reports nothing missing; the handlers decide later.
func (o *Orchestrator) missingSources(ctx context.Context, chatID int64, tasks []*Task) map[int64]bool {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.SourceMessageID)
	}
	var handles []MediaHandle
	err := o.callRetry.Do(ctx, func(ctx context.Context) error {
		return o.limiter.Admit(ctx, tasks[0].OwnerID, func(ctx context.Context) error {
			var err error
			handles, err = o.source.FetchMessages(ctx, chatID, ids)
			return err
		})
	})
	if err != nil {
		o.log.Warnf("recovery source lookup failed: chat=%d err=%v", chatID, err)
		return nil
	}
	found := make(map[int64]bool, len(handles))
	for _, h := range handles {
		found[h.MessageID] = true
	}
	missing := make(map[int64]bool)
	for _, id := range ids {
		if !found[id] {
			missing[id] = true
		}
	}
	return missing
}

// failUnderLock fails a task only if no handler currently owns it.
func (o *Orchestrator) failUnderLock(ctx context.Context, t *Task, msg string) {
	token, ok, err := o.coord.AcquireTaskLock(ctx, t.ID)
	if err != nil || !ok {
		return
	}
	defer o.releaseLock(ctx, t.ID, token)
	o.finalize(ctx, t, StatusFailed, msg)
	o.log.Warnf("recovery failed task: task=%s err=%s", t.ID, msg)
}
