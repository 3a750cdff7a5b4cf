// Package queue is the producer side of the event queue: messages, the
// batching publisher and the Redis transport that makes them durable.
package queue

// Message is a durable execution trigger. It is serialized to JSON and stored
// in Redis until a consumer acknowledges it.
type Message struct {
	// ID is the unique identifier for the message; redeliveries keep it.
	ID string `json:"id"`
	// Type is the job type, used by Mux to route to the correct handler.
	Type string `json:"type"`
	// Queue is the name of the queue this message belongs to.
	Queue string `json:"queue"`
	// Key is the task id (or group id for batch triggers) the message is about.
	Key string `json:"key"`
	// Payload is the raw trigger body.
	Payload []byte `json:"payload"`
	// Retry is the current number of redeliveries caused by retryable results.
	Retry int `json:"retry"`
	// MaxRetry is the maximum number of retries before the message is dead-lettered.
	MaxRetry int `json:"max_retry"`
	// ErrRetention is how long (in seconds) a dead message is kept. Negative keeps it forever.
	ErrRetention int64 `json:"err_retention,omitempty"`
	// EnqueuedAt is the timestamp (ms) when the message was published.
	EnqueuedAt int64 `json:"enqueued_at,omitempty"`
	// StartedAt is the timestamp (ms) of the last delivery.
	StartedAt int64 `json:"started_at,omitempty"`
	// LastError is the message of the last failed delivery.
	LastError string `json:"last_error,omitempty"`
	// LastErrorAt is the timestamp (ms) of the last failed delivery.
	LastErrorAt int64 `json:"last_error_at,omitempty"`
	// Meta carries free-form trigger metadata (e.g. "origin": "recovery").
	Meta map[string]string `json:"meta,omitempty"`
}

// Receipt acknowledges a publish. Fallback receipts are handed out when a
// batch could not be published; the message is then not guaranteed to exist
// and the caller must rely on recovery.
type Receipt struct {
	MessageID string
	Fallback  bool
}
