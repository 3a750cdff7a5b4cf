package mediarelay

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/UniQw/mediarelay/internal/queue"
)

// TaskStore persists tasks. Implementations must support efficient lookups by
// group and by staleness, and must refuse to rewrite terminal rows.
type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	CreateBatch(ctx context.Context, ts []*Task) error
	// FindByID returns ErrTaskNotFound when the task does not exist.
	FindByID(ctx context.Context, id string) (*Task, error)
	FindByGroupID(ctx context.Context, groupID string) ([]*Task, error)
	// FindStalled returns non-terminal tasks not updated for longer than age.
	FindStalled(ctx context.Context, age time.Duration) ([]*Task, error)
	// UpdateStatus returns ErrTaskFinalized when the row is terminal and
	// ErrInvalidTransition for an edge outside the lifecycle.
	UpdateStatus(ctx context.Context, id string, s Status, errMsg string) error
	SetLocalPath(ctx context.Context, id, path string) error
	MarkCancelled(ctx context.Context, id string) error
	// MarkGroupCancelled cancels every non-terminal task of the group and
	// returns how many rows changed.
	MarkGroupCancelled(ctx context.Context, groupID string) (int, error)
}

// MediaSource resolves and downloads media messages.
type MediaSource interface {
	// FetchMessages returns handles for the ids that still exist; missing ids
	// are omitted.
	FetchMessages(ctx context.Context, chatID int64, ids []int64) ([]MediaHandle, error)
	// Download writes the media to outputPath, calling onProgress at chunk
	// boundaries. An error returned by onProgress aborts the download.
	Download(ctx context.Context, h MediaHandle, outputPath string, onProgress ProgressFunc) error
}

// StorageSink is the user-configured cloud destination.
type StorageSink interface {
	// Stat returns nil, nil when no object with that name exists.
	Stat(ctx context.Context, name string, ownerID int64) (*ObjectInfo, error)
	Upload(ctx context.Context, localPath, name string, ownerID int64, onProgress ProgressFunc) error
}

// RateLimiter gates calls to the source and the sink.
type RateLimiter interface {
	Admit(ctx context.Context, ownerID int64, fn func(context.Context) error) error
}

// Coordinator provides leadership and per-task locks across instances.
type Coordinator interface {
	HasLock(ctx context.Context, resource string) (bool, error)
	// AcquireTaskLock returns a token naming this acquisition. Refresh and
	// release act only while the lock still carries it.
	AcquireTaskLock(ctx context.Context, taskID string) (token string, ok bool, err error)
	RefreshTaskLock(ctx context.Context, taskID, token string) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID, token string) error
	PublishCancel(ctx context.Context, taskID string) error
}

// Publisher publishes execution triggers.
type Publisher interface {
	Enqueue(ctx context.Context, jobType, key string, payload any) (queue.Receipt, error)
}

// Notifier is the user-facing display. Rendering is best-effort.
type Notifier interface {
	// Acknowledge replies to a submission and returns the id of the message
	// that will display progress.
	Acknowledge(ctx context.Context, chatID, replyTo int64, text string) (int64, error)
	RenderTask(ctx context.Context, t *Task, p Progress) error
	RenderGroup(ctx context.Context, chatID, statusMessageID int64, tasks []*Task) error
}

type unlimited struct{}

func (unlimited) Admit(ctx context.Context, _ int64, fn func(context.Context) error) error {
	return fn(ctx)
}

// LogNotifier renders status displays as log lines.
type LogNotifier struct {
	log Logger
	seq atomic.Int64
}

// NewLogNotifier creates a LogNotifier writing to l.
func NewLogNotifier(l Logger) *LogNotifier {
	if l == nil {
		l = NewFmtLogger()
	}
	return &LogNotifier{log: l}
}

func (n *LogNotifier) Acknowledge(_ context.Context, chatID, replyTo int64, text string) (int64, error) {
	id := n.seq.Add(1)
	n.log.Infof("ack: chat=%d reply_to=%d msg=%d text=%q", chatID, replyTo, id, text)
	return id, nil
}

func (n *LogNotifier) RenderTask(_ context.Context, t *Task, p Progress) error {
	n.log.Infof("task: id=%s file=%q status=%s progress=%d%%", t.ID, t.FileName, p.Phase, p.Percent())
	return nil
}

func (n *LogNotifier) RenderGroup(_ context.Context, chatID, statusMessageID int64, tasks []*Task) error {
	n.log.Infof("group: chat=%d msg=%d %s", chatID, statusMessageID, SummarizeGroup(tasks))
	return nil
}

// SummarizeGroup renders per-status counts of a group, e.g.
// "3 tasks: completed=1 downloading=2".
func SummarizeGroup(tasks []*Task) string {
	counts := make(map[Status]int, len(AllStatuses))
	for _, t := range tasks {
		counts[t.Status]++
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(tasks)))
	b.WriteString(" tasks:")
	for _, s := range AllStatuses {
		if c := counts[s]; c > 0 {
			b.WriteString(" ")
			b.WriteString(string(s))
			b.WriteString("=")
			b.WriteString(strconv.Itoa(c))
		}
	}
	return b.String()
}
