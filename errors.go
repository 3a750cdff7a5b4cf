package mediarelay

import (
	"errors"
	"net"
	"time"
)

// ErrTaskNotFound is returned when a task with the specified ID does not exist.
var ErrTaskNotFound = errors.New("mediarelay: task not found")

// ErrSourceNotFound is returned when the source message or its media is gone.
var ErrSourceNotFound = errors.New("mediarelay: source message not found")

// ErrPermissionDenied is returned when a requester may not act on a task.
var ErrPermissionDenied = errors.New("mediarelay: permission denied")

// ErrCancelled is the cause attached to a transfer cancelled by a user.
var ErrCancelled = errors.New("mediarelay: cancelled")

// ErrLeadershipUnavailable is returned when this instance does not lead the media session.
var ErrLeadershipUnavailable = errors.New("mediarelay: leadership unavailable")

// ErrSizeMismatch is returned when remote and local sizes differ beyond tolerance.
var ErrSizeMismatch = errors.New("mediarelay: size mismatch")

// ErrTaskFinalized is returned by stores when a terminal task would be rewritten.
var ErrTaskFinalized = errors.New("mediarelay: task already finalized")

// ErrInvalidTransition is returned for a status change outside the lifecycle.
var ErrInvalidTransition = errors.New("mediarelay: invalid status transition")

// ErrUnknownStatus is returned when an invalid status is used.
var ErrUnknownStatus = errors.New("mediarelay: unknown status")

// ErrLocalFileMissing is returned when the downloaded file is not on disk.
var ErrLocalFileMissing = errors.New("mediarelay: local file missing")

// ErrEmptyGroup is returned when a group submission carries no media.
var ErrEmptyGroup = errors.New("mediarelay: empty group")

var errLockLost = errors.New("mediarelay: task lock lost")

// IsTransient reports whether err is worth retrying later: network timeouts,
// rate limits, a lost task lock and missing leadership.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLeadershipUnavailable) || errors.Is(err, errLockLost) {
		return true
	}
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
