package mediarelay

// Status is the execution stage of a Task. The persisted status is the single
// source of truth for where a task is; in-process caches may lag behind it.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// AllStatuses lists every valid status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued, StatusDownloading, StatusDownloaded, StatusUploading,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// NonTerminalStatuses lists the statuses a stalled task can be in.
var NonTerminalStatuses = []Status{StatusQueued, StatusDownloading, StatusDownloaded, StatusUploading}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed edges. downloaded/uploading -> downloading is
// the re-attempt edge taken when the local file vanished before upload.
var transitions = map[Status][]Status{
	StatusQueued:      {StatusDownloading, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDownloading: {StatusDownloaded, StatusCompleted, StatusFailed, StatusCancelled},
	StatusDownloaded:  {StatusUploading, StatusCompleted, StatusFailed, StatusCancelled, StatusDownloading},
	StatusUploading:   {StatusCompleted, StatusFailed, StatusCancelled, StatusDownloading},
}

// CanTransitionTo reports whether s -> next is an allowed edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status, returning ErrUnknownStatus for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}
