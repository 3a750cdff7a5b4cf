package mediarelay

import (
	"errors"
	"net/http"
)

// Job types carried by the event queue.
const (
	JobDownload = "download"
	JobUpload   = "upload"
	JobBatch    = "batch"
)

// DownloadTrigger asks for the download phase of one task.
type DownloadTrigger struct {
	TaskID string `json:"taskId"`
}

// UploadTrigger asks for the upload phase of one task.
type UploadTrigger struct {
	TaskID string `json:"taskId"`
}

// BatchTrigger fans out download triggers for the tasks of a group. An empty
// TaskIDs means every task of the group.
type BatchTrigger struct {
	GroupID string   `json:"groupId"`
	TaskIDs []string `json:"taskIds"`
}

// Result is returned for every trigger delivery. StatusCode follows HTTP
// semantics: 200 done (including no-op duplicates), 400 malformed trigger,
// 404 task or source missing, 500 internal failure, 503 retry later.
type Result struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	// Deferred marks a 200 that acknowledged the delivery without doing the
	// work because another holder owns the task. Such a delivery has not been
	// handled and a redelivery of it must run again.
	Deferred bool `json:"deferred,omitempty"`
}

func OK(msg string) Result { return Result{Success: true, StatusCode: http.StatusOK, Message: msg} }

// Deferred acknowledges a delivery whose work belongs to another holder.
func Deferred(msg string) Result {
	return Result{Success: true, StatusCode: http.StatusOK, Message: msg, Deferred: true}
}

func BadRequest(msg string) Result {
	return Result{StatusCode: http.StatusBadRequest, Message: msg}
}

func NotFound(msg string) Result { return Result{StatusCode: http.StatusNotFound, Message: msg} }

func Internal(msg string) Result {
	return Result{StatusCode: http.StatusInternalServerError, Message: msg}
}

func Unavailable(msg string) Result {
	return Result{StatusCode: http.StatusServiceUnavailable, Message: msg}
}

// ResultFromError maps err onto the result taxonomy. A nil error is success.
func ResultFromError(err error) Result {
	switch {
	case err == nil:
		return OK("")
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrSourceNotFound):
		return NotFound(err.Error())
	case IsTransient(err):
		return Unavailable(err.Error())
	default:
		return Internal(err.Error())
	}
}

// Retryable reports whether the queue should redeliver the trigger.
func (r Result) Retryable() bool {
	return r.StatusCode >= http.StatusInternalServerError
}
