package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

const prefix = "mediarelay:"

func Pending(q string) string { return prefix + "{" + q + "}:pending" }
func Active(q string) string  { return prefix + "{" + q + "}:active" }
func Delayed(q string) string { return prefix + "{" + q + "}:delayed" }
func Dead(q string) string    { return prefix + "{" + q + "}:dead" }

// DeadExpiry is a ZSET index that tracks when dead-list members should be purged.
// Members are the raw message JSON; scores are absolute expiration timestamps in ms.
func DeadExpiry(q string) string { return prefix + "{" + q + "}:dead_expiry" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Pending    string
	Active     string
	Delayed    string
	Dead       string
	DeadExpiry string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	p := prefix + "{" + q + "}:"
	return Queue{
		Pending:    p + "pending",
		Active:     p + "active",
		Delayed:    p + "delayed",
		Dead:       p + "dead",
		DeadExpiry: p + "dead_expiry",
	}
}

// Instance is the heartbeat HASH of one running process. It carries a TTL;
// its absence means the instance is gone.
func Instance(id string) string { return prefix + "instance:" + id }

// Instances is the SET of every instance id that ever heartbeated and has not
// been pruned yet.
func Instances() string { return prefix + "instances" }

// Lock is the lease key for a named singleton resource.
func Lock(resource string) string { return prefix + "lock:" + resource }

// TaskLock is the lease key for a single task.
func TaskLock(taskID string) string { return prefix + "lock:task:" + taskID }

// CancelChannel is the pub/sub channel used to broadcast task cancellations.
func CancelChannel() string { return prefix + "cancel" }

// Dedup is the marker key for a processed delivery.
func Dedup(hash string) string { return prefix + "dedup:" + hash }
