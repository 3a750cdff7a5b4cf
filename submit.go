package mediarelay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// publishFanOut bounds concurrent trigger publishes of one group submission.
const publishFanOut = 8

// SubmitSingle creates a queued task, acknowledges it to the user and
// publishes its download trigger. A failed publish is logged only: the task
// row exists and RecoverStalled picks it up later. When the row cannot be
// created the acknowledgement is re-rendered as failed.
func (o *Orchestrator) SubmitSingle(ctx context.Context, target Target, ref MediaRef, ownerID int64, label string) (*Task, error) {
	if label == "" {
		label = "Queued: " + ref.FileName
	}
	t := o.newTask(target, ref, ownerID, "")
	msgID, err := o.notify.Acknowledge(ctx, target.ChatID, target.ReplyTo, label)
	if err != nil {
		o.log.Warnf("acknowledge failed: chat=%d err=%v", target.ChatID, err)
	}
	t.StatusMessageID = msgID
	if err := o.store.Create(ctx, t); err != nil {
		o.retractAck(ctx, target.ChatID, msgID, []*Task{t}, err)
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.log.Infof("task submitted: task=%s owner=%d file=%q size=%d", t.ID, ownerID, t.FileName, t.FileSize)
	o.publish(ctx, JobDownload, t.ID, DownloadTrigger{TaskID: t.ID})
	return t, nil
}

// SubmitGroup creates one task per media reference sharing a group id and a
// single status message, then publishes one download trigger per task.
func (o *Orchestrator) SubmitGroup(ctx context.Context, target Target, refs []MediaRef, ownerID int64) ([]*Task, error) {
	if len(refs) == 0 {
		return nil, ErrEmptyGroup
	}
	groupID := uuid.NewString()
	msgID, err := o.notify.Acknowledge(ctx, target.ChatID, target.ReplyTo, fmt.Sprintf("Queued %d files", len(refs)))
	if err != nil {
		o.log.Warnf("acknowledge failed: chat=%d err=%v", target.ChatID, err)
	}
	tasks := make([]*Task, 0, len(refs))
	for _, ref := range refs {
		t := o.newTask(target, ref, ownerID, groupID)
		t.StatusMessageID = msgID
		tasks = append(tasks, t)
	}
	if err := o.store.CreateBatch(ctx, tasks); err != nil {
		o.retractAck(ctx, target.ChatID, msgID, tasks, err)
		return nil, fmt.Errorf("create group: %w", err)
	}
	o.log.Infof("group submitted: group=%s owner=%d tasks=%d", groupID, ownerID, len(tasks))

	// Concurrent publishes let the publisher coalesce them into few batches.
	var g errgroup.Group
	g.SetLimit(publishFanOut)
	for _, t := range tasks {
		g.Go(func() error {
			o.publish(ctx, JobDownload, t.ID, DownloadTrigger{TaskID: t.ID})
			return nil
		})
	}
	_ = g.Wait()

	o.refreshGroup(ctx, target.ChatID, msgID, groupID, true)
	return tasks, nil
}

// retractAck turns an acknowledgement into a failure notice for tasks that
// were never persisted. The tasks are not in the store, so the display is
// rendered from the in-memory copies directly.
func (o *Orchestrator) retractAck(ctx context.Context, chatID, msgID int64, tasks []*Task, cause error) {
	if msgID == 0 {
		return
	}
	for _, t := range tasks {
		t.Status, t.ErrorMessage = StatusFailed, "not queued: "+cause.Error()
	}
	var err error
	if len(tasks) == 1 && tasks[0].GroupID == "" {
		err = o.notify.RenderTask(ctx, tasks[0], Progress{Phase: StatusFailed})
	} else {
		err = o.notify.RenderGroup(ctx, chatID, msgID, tasks)
	}
	if err != nil {
		o.log.Warnf("failure notice not rendered: chat=%d msg=%d err=%v", chatID, msgID, err)
	}
}

func (o *Orchestrator) newTask(target Target, ref MediaRef, ownerID int64, groupID string) *Task {
	now := o.now()
	return &Task{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		ChatID:          target.ChatID,
		SourceMessageID: ref.MessageID,
		FileName:        ref.FileName,
		FileSize:        ref.FileSize,
		GroupID:         groupID,
		Status:          StatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// publish enqueues a trigger and reports whether it is guaranteed to exist.
// Failures leave the task to RecoverStalled.
func (o *Orchestrator) publish(ctx context.Context, jobType, taskID string, payload any) bool {
	// A trigger must not be lost because the attempt that emits it ends.
	ctx = context.WithoutCancel(ctx)
	r, err := o.pub.Enqueue(ctx, jobType, taskID, payload)
	if err != nil {
		o.log.Warnf("publish failed, left for recovery: type=%s task=%s err=%v", jobType, taskID, err)
		return false
	}
	if r.Fallback {
		o.log.Warnf("publish not guaranteed, left for recovery: type=%s task=%s", jobType, taskID)
		return false
	}
	o.log.Debugf("trigger published: type=%s task=%s id=%s", jobType, taskID, r.MessageID)
	return true
}
