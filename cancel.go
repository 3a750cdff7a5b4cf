package mediarelay

import (
	"context"
	"errors"
	"fmt"
)

// Cancel cancels a task on behalf of requesterID. It returns false with
// ErrTaskNotFound or ErrPermissionDenied when nothing may change. Cancelling
// a terminal task returns true without effect. A handler running for the
// task, on this or another instance, unwinds at its next progress tick.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string, requesterID int64) (bool, error) {
	t, err := o.store.FindByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !o.mayCancel(t, requesterID) {
		return false, ErrPermissionDenied
	}
	if t.Status.IsTerminal() {
		return true, nil
	}

	o.flagCancelled(taskID)
	if err := o.store.MarkCancelled(ctx, taskID); err != nil {
		if errors.Is(err, ErrTaskFinalized) {
			// finished in the meantime
			return true, nil
		}
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	t.Status, t.ErrorMessage = StatusCancelled, "user cancelled"
	o.broadcastCancel(ctx, taskID)
	o.log.Infof("task cancelled: task=%s by=%d", taskID, requesterID)
	o.refreshDisplay(ctx, t, Progress{Phase: StatusCancelled}, true)
	return true, nil
}

// CancelGroup cancels every task of a group. The requester must be allowed to
// cancel all of them; otherwise nothing changes.
func (o *Orchestrator) CancelGroup(ctx context.Context, groupID string, requesterID int64) (bool, error) {
	tasks, err := o.store.FindByGroupID(ctx, groupID)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, ErrTaskNotFound
	}
	for _, t := range tasks {
		if !o.mayCancel(t, requesterID) {
			return false, ErrPermissionDenied
		}
	}

	var live []*Task
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			o.flagCancelled(t.ID)
			live = append(live, t)
		}
	}
	n, err := o.store.MarkGroupCancelled(ctx, groupID)
	if err != nil {
		return false, fmt.Errorf("mark group cancelled: %w", err)
	}
	for _, t := range live {
		o.broadcastCancel(ctx, t.ID)
	}
	o.log.Infof("group cancelled: group=%s tasks=%d by=%d", groupID, n, requesterID)
	first := tasks[0]
	o.refreshGroup(ctx, first.ChatID, first.StatusMessageID, groupID, true)
	return true, nil
}

// HandleCancelBroadcast applies a cancellation published by any instance to
// the handler running here, if any.
func (o *Orchestrator) HandleCancelBroadcast(taskID string) {
	o.flagCancelled(taskID)
}

func (o *Orchestrator) mayCancel(t *Task, requesterID int64) bool {
	if t.OwnerID == requesterID {
		return true
	}
	_, ok := o.privileged[requesterID]
	return ok
}

func (o *Orchestrator) flagCancelled(taskID string) {
	o.mu.Lock()
	o.cancelled.Add(taskID, struct{}{})
	a := o.active[taskID]
	o.mu.Unlock()
	if a != nil {
		a.cancel(ErrCancelled)
	}
}

func (o *Orchestrator) cancelRequested(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled.Contains(taskID)
}

func (o *Orchestrator) broadcastCancel(ctx context.Context, taskID string) {
	if err := o.coord.PublishCancel(ctx, taskID); err != nil {
		o.log.Warnf("cancel broadcast failed: task=%s err=%v", taskID, err)
	}
}
