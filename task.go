package mediarelay

import "time"

// Task is one file transfer from the source chat to the storage sink.
// Rows are never deleted; terminal rows stay for history.
type Task struct {
	// ID is opaque and immutable once created.
	ID string `json:"id"`
	// OwnerID is the user the transfer belongs to.
	OwnerID int64 `json:"owner_id"`
	// ChatID is the chat the media was submitted in.
	ChatID int64 `json:"chat_id"`
	// StatusMessageID references the chat message that displays progress.
	// Tasks of one group share it.
	StatusMessageID int64 `json:"status_message_id,omitempty"`
	// SourceMessageID references the message carrying the media.
	SourceMessageID int64 `json:"source_message_id"`
	FileName        string `json:"file_name"`
	// FileSize is the size in bytes announced by the source.
	FileSize int64 `json:"file_size"`
	// LocalPath is set once the download starts.
	LocalPath string `json:"local_path,omitempty"`
	// GroupID is set when the task is one of a batch sharing a status display.
	GroupID      string    `json:"group_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a shallow copy of t.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// MediaRef references one media message submitted by a user.
type MediaRef struct {
	MessageID int64
	FileName  string
	FileSize  int64
}

// Target is the chat a submission came from and the message to reply to.
type Target struct {
	ChatID  int64
	ReplyTo int64
}

// MediaHandle is a resolved, downloadable media message.
type MediaHandle struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
}

// ObjectInfo describes an object already present in the storage sink.
type ObjectInfo struct {
	Name string
	Size int64
}

// Progress is what a status display renders for one task.
type Progress struct {
	Phase Status
	Done  int64
	Total int64
}

// Percent returns the completion percentage in [0, 100].
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(p.Done * 100 / p.Total)
	return min(max(pct, 0), 100)
}

// ProgressFunc receives transfer progress. A non-nil return aborts the transfer
// and is propagated by the caller.
type ProgressFunc func(done, total int64) error
