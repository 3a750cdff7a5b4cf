package mediarelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/UniQw/mediarelay/internal/retry"
)

// attempt is one handler execution holding the per-task lock.
type attempt struct {
	job      string
	task     *Task
	token    string
	cancel   context.CancelCauseFunc
	lockedAt time.Time
}

type phaseFunc func(ctx context.Context, a *attempt) error

// HandleDownload runs the download phase for taskID.
func (o *Orchestrator) HandleDownload(ctx context.Context, taskID string) Result {
	return o.execute(ctx, JobDownload, taskID, o.download)
}

// HandleUpload runs the upload phase for taskID.
func (o *Orchestrator) HandleUpload(ctx context.Context, taskID string) Result {
	return o.execute(ctx, JobUpload, taskID, o.upload)
}

// execute implements the locking protocol shared by both phases: leadership,
// status check, per-task lock, then the phase itself behind the failure
// boundary. Duplicate deliveries end in a 200 without side effects.
func (o *Orchestrator) execute(ctx context.Context, job, taskID string, phase phaseFunc) Result {
	if taskID == "" {
		return BadRequest("missing taskId")
	}
	leader, err := o.coord.HasLock(ctx, o.cfg.MediaSession)
	if err != nil {
		return Unavailable(fmt.Sprintf("leadership check: %v", err))
	}
	if !leader {
		return Unavailable(ErrLeadershipUnavailable.Error())
	}

	t, res, ok := o.loadActive(ctx, taskID)
	if !ok {
		return res
	}

	token, locked, err := o.coord.AcquireTaskLock(ctx, taskID)
	if err != nil {
		return Unavailable(fmt.Sprintf("acquire task lock: %v", err))
	}
	if !locked {
		o.log.Debugf("%s skipped, lock held elsewhere: task=%s", job, taskID)
		return Deferred("task locked by another instance")
	}
	defer o.releaseLock(ctx, taskID, token)

	// The previous holder may have advanced the task between the first read
	// and the lock.
	t, res, ok = o.loadActive(ctx, t.ID)
	if !ok {
		return res
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a := &attempt{job: job, task: t, token: token, cancel: cancel, lockedAt: o.now()}
	o.track(a)
	defer o.untrack(a)

	o.log.Infof("%s started: task=%s status=%s", job, taskID, t.Status)
	err = phase(taskCtx, a)
	return o.conclude(ctx, taskCtx, a, err)
}

func (o *Orchestrator) loadActive(ctx context.Context, taskID string) (*Task, Result, bool) {
	t, err := o.store.FindByID(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, NotFound(err.Error()), false
	}
	if err != nil {
		return nil, Unavailable(fmt.Sprintf("load task: %v", err)), false
	}
	if t.Status.IsTerminal() {
		return nil, OK("task already " + t.Status.String()), false
	}
	return t, Result{}, true
}

// conclude maps the phase outcome onto the persisted status and the result.
func (o *Orchestrator) conclude(ctx, taskCtx context.Context, a *attempt, err error) Result {
	t := a.task
	cause := context.Cause(taskCtx)
	if err == nil {
		o.log.Infof("%s finished: task=%s status=%s", a.job, t.ID, t.Status)
		return OK("")
	}
	switch {
	case errors.Is(err, ErrTaskFinalized):
		o.log.Infof("%s stopped, task finalized elsewhere: task=%s", a.job, t.ID)
		return OK("task finalized concurrently")
	case errors.Is(err, ErrCancelled), errors.Is(cause, ErrCancelled):
		o.finalize(ctx, t, StatusCancelled, "user cancelled")
		o.removeLocal(t)
		o.log.Infof("%s cancelled: task=%s", a.job, t.ID)
		return OK("cancelled")
	case errors.Is(err, errLockLost), errors.Is(cause, errLockLost):
		o.log.Warnf("%s aborted, task lock lost: task=%s", a.job, t.ID)
		return Unavailable(errLockLost.Error())
	case ctx.Err() != nil:
		// Shutdown: the status stays as is and the redelivery resumes.
		o.log.Warnf("%s interrupted: task=%s err=%v", a.job, t.ID, err)
		return Unavailable("interrupted: " + err.Error())
	case IsTransient(err):
		// The status stays; the redelivery resumes where this attempt stopped.
		o.log.Warnf("%s deferred, transient failure: task=%s err=%v", a.job, t.ID, err)
		return ResultFromError(err)
	}

	o.finalize(ctx, t, StatusFailed, err.Error())
	o.removeLocal(t)
	o.log.Errorf("%s failed: task=%s err=%v", a.job, t.ID, err)
	return ResultFromError(err)
}

// finalize persists a terminal status even when ctx is already done.
func (o *Orchestrator) finalize(ctx context.Context, t *Task, s Status, msg string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.setStatus(sctx, t, s, msg); err != nil && !errors.Is(err, ErrTaskFinalized) {
		o.log.Errorf("persist status failed: task=%s status=%s err=%v", t.ID, s, err)
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, t *Task, s Status, errMsg string) error {
	if err := o.store.UpdateStatus(ctx, t.ID, s, errMsg); err != nil {
		return err
	}
	t.Status, t.ErrorMessage, t.UpdatedAt = s, errMsg, o.now()
	o.log.Debugf("status changed: task=%s status=%s", t.ID, s)
	o.refreshDisplay(ctx, t, Progress{Phase: s}, true)
	return nil
}

func (o *Orchestrator) releaseLock(ctx context.Context, taskID, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.coord.ReleaseTaskLock(rctx, taskID, token); err != nil {
		o.log.Warnf("release task lock failed: task=%s err=%v", taskID, err)
	}
}

func (o *Orchestrator) download(ctx context.Context, a *attempt) error {
	t := a.task
	if done, err := o.instantTransfer(ctx, t); err != nil || done {
		return err
	}

	path := o.localPath(t)
	if fileMatches(path, t.FileSize) {
		// Resumed after a crash: the file is complete, only the upload is missing.
		if t.Status == StatusQueued {
			if err := o.setStatus(ctx, t, StatusDownloading, ""); err != nil {
				return err
			}
		}
		if t.Status == StatusDownloading {
			if err := o.setStatus(ctx, t, StatusDownloaded, ""); err != nil {
				return err
			}
		}
		o.publish(ctx, JobUpload, t.ID, UploadTrigger{TaskID: t.ID})
		return nil
	}

	if t.Status != StatusDownloading {
		if err := o.setStatus(ctx, t, StatusDownloading, ""); err != nil {
			return err
		}
	}
	if t.LocalPath != path {
		if err := o.store.SetLocalPath(ctx, t.ID, path); err != nil {
			return err
		}
		t.LocalPath = path
	}

	h, err := o.resolve(ctx, t)
	if err != nil {
		return err
	}
	progress := o.progress(ctx, a, StatusDownloading)
	err = o.callRetry.Do(ctx, func(ctx context.Context) error {
		return o.limiter.Admit(ctx, t.OwnerID, func(ctx context.Context) error {
			return o.source.Download(ctx, h, path, progress)
		})
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLocalFileMissing, err)
	}
	if t.FileSize > 0 && !IsSizeMatch(fi.Size(), t.FileSize) {
		return fmt.Errorf("%w: local=%d expected=%d", ErrSizeMismatch, fi.Size(), t.FileSize)
	}
	if err := o.setStatus(ctx, t, StatusDownloaded, ""); err != nil {
		return err
	}
	o.publish(ctx, JobUpload, t.ID, UploadTrigger{TaskID: t.ID})
	return nil
}

func (o *Orchestrator) upload(ctx context.Context, a *attempt) (err error) {
	t := a.task
	if t.Status != StatusDownloaded && t.Status != StatusUploading {
		o.log.Warnf("upload trigger ignored: task=%s status=%s", t.ID, t.Status)
		return nil
	}
	if done, err := o.instantTransfer(ctx, t); err != nil || done {
		return err
	}

	path := o.localPath(t)
	fi, err := os.Stat(path)
	if err != nil {
		// Downloaded on a host whose disk is gone; start over.
		o.log.Warnf("local file missing, redownloading: task=%s path=%s", t.ID, path)
		o.publish(ctx, JobDownload, t.ID, DownloadTrigger{TaskID: t.ID})
		return nil
	}
	defer func() {
		if !redeliverable(ctx, err) {
			o.removeLocal(t)
		}
	}()

	if t.Status != StatusUploading {
		if err := o.setStatus(ctx, t, StatusUploading, ""); err != nil {
			return err
		}
	}
	progress := o.progress(ctx, a, StatusUploading)
	err = o.callRetry.Do(ctx, func(ctx context.Context) error {
		return o.limiter.Admit(ctx, t.OwnerID, func(ctx context.Context) error {
			return o.sink.Upload(ctx, path, t.FileName, t.OwnerID, progress)
		})
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := retry.Sleep(ctx, o.cfg.VerifyDelay); err != nil {
		return err
	}
	if err := o.verify(ctx, t, fi.Size()); err != nil {
		return err
	}
	return o.setStatus(ctx, t, StatusCompleted, "")
}

// HandleBatch publishes one download trigger per non-terminal task of a group.
func (o *Orchestrator) HandleBatch(ctx context.Context, tr BatchTrigger) Result {
	if tr.GroupID == "" && len(tr.TaskIDs) == 0 {
		return BadRequest("missing groupId and taskIds")
	}
	var tasks []*Task
	if len(tr.TaskIDs) == 0 {
		ts, err := o.store.FindByGroupID(ctx, tr.GroupID)
		if err != nil {
			return Unavailable(fmt.Sprintf("load group: %v", err))
		}
		tasks = ts
	} else {
		for _, id := range tr.TaskIDs {
			t, err := o.store.FindByID(ctx, id)
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return Unavailable(fmt.Sprintf("load task: %v", err))
			}
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return NotFound("no tasks for group " + tr.GroupID)
	}

	sent, failed := 0, 0
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if o.publish(ctx, JobDownload, t.ID, DownloadTrigger{TaskID: t.ID}) {
			sent++
		} else {
			failed++
		}
	}
	if sent == 0 && failed > 0 {
		return Unavailable("no trigger could be published")
	}
	return OK(fmt.Sprintf("%d triggers published", sent))
}

// instantTransfer completes the task without transferring anything when the
// sink already holds an object of matching name and size. Stat failures only
// disable the shortcut.
func (o *Orchestrator) instantTransfer(ctx context.Context, t *Task) (bool, error) {
	if t.FileSize <= 0 {
		return false, nil
	}
	var info *ObjectInfo
	err := o.callRetry.Do(ctx, func(ctx context.Context) error {
		return o.limiter.Admit(ctx, t.OwnerID, func(ctx context.Context) error {
			var err error
			info, err = o.sink.Stat(ctx, t.FileName, t.OwnerID)
			return err
		})
	})
	if err != nil {
		o.log.Warnf("instant transfer check failed: task=%s err=%v", t.ID, err)
		return false, nil
	}
	if info == nil || !IsSizeMatch(info.Size, t.FileSize) {
		return false, nil
	}
	if err := o.setStatus(ctx, t, StatusCompleted, ""); err != nil {
		return false, err
	}
	o.removeLocal(t)
	o.log.Infof("instant transfer: task=%s object=%s size=%d", t.ID, info.Name, info.Size)
	return true, nil
}

func (o *Orchestrator) resolve(ctx context.Context, t *Task) (MediaHandle, error) {
	var hs []MediaHandle
	err := o.callRetry.Do(ctx, func(ctx context.Context) error {
		return o.limiter.Admit(ctx, t.OwnerID, func(ctx context.Context) error {
			var err error
			hs, err = o.source.FetchMessages(ctx, t.ChatID, []int64{t.SourceMessageID})
			return err
		})
	})
	if err != nil {
		return MediaHandle{}, fmt.Errorf("fetch source message: %w", err)
	}
	for _, h := range hs {
		if h.MessageID == t.SourceMessageID {
			return h, nil
		}
	}
	return MediaHandle{}, ErrSourceNotFound
}

// verify re-reads the uploaded object with bounded, increasing backoff until
// its size matches the local copy.
func (o *Orchestrator) verify(ctx context.Context, t *Task, localSize int64) error {
	return o.verifyRetry.Do(ctx, func(ctx context.Context) error {
		info, err := o.sink.Stat(ctx, t.FileName, t.OwnerID)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if info == nil {
			return fmt.Errorf("%w: object %q not visible", ErrSizeMismatch, t.FileName)
		}
		if !IsSizeMatch(info.Size, localSize) {
			return fmt.Errorf("%w: remote=%d local=%d", ErrSizeMismatch, info.Size, localSize)
		}
		return nil
	})
}

// redeliverable reports whether the attempt ends without a terminal status,
// so the local copy must survive for the next delivery.
func redeliverable(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || errors.Is(context.Cause(ctx), ErrCancelled) {
		return false
	}
	return ctx.Err() != nil || IsTransient(err)
}
