package mediarelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ikeys "github.com/UniQw/mediarelay/internal/keys"
	"github.com/UniQw/mediarelay/internal/queue"
	"github.com/redis/go-redis/v9"
)

// QueueState is a stage of a trigger inside a Redis queue.
type QueueState string

const (
	// QueuePending holds triggers ready for delivery (LIST).
	QueuePending QueueState = "pending"
	// QueueActive holds triggers leased by a worker (ZSET).
	QueueActive QueueState = "active"
	// QueueDelayed holds triggers waiting for a backoff retry (ZSET).
	QueueDelayed QueueState = "delayed"
	// QueueDead holds triggers that exhausted their retries (LIST).
	QueueDead QueueState = "dead"
)

// AllQueueStates lists every queue state in a stable order.
var AllQueueStates = []QueueState{QueuePending, QueueActive, QueueDelayed, QueueDead}

// ErrUnknownQueueState is returned when an invalid queue state is used.
var ErrUnknownQueueState = errors.New("mediarelay: unknown queue state")

// ErrTriggerNotFound is returned when a trigger id is not in the inspected state.
var ErrTriggerNotFound = errors.New("mediarelay: trigger not found")

// QueuedTrigger is a trigger as stored in a queue.
type QueuedTrigger struct {
	ID          string
	Type        string
	Queue       string
	Key         string
	Payload     []byte
	Retry       int
	MaxRetry    int
	EnqueuedAt  int64
	LastError   string
	LastErrorAt int64
	Meta        map[string]string
}

// TriggerFilter selects triggers during List.
type TriggerFilter func(*QueuedTrigger) bool

// Inspector reads and repairs the Redis queues used by Server.
type Inspector struct {
	rdb redis.UniversalClient
	enc Encoder
}

// NewInspector creates an Inspector.
func NewInspector(rdb redis.UniversalClient) *Inspector {
	return &Inspector{rdb: rdb, enc: &JSONEncoder{}}
}

func stateKey(q string, state QueueState) (key string, list bool, err error) {
	switch state {
	case QueuePending:
		return ikeys.Pending(q), true, nil
	case QueueActive:
		return ikeys.Active(q), false, nil
	case QueueDelayed:
		return ikeys.Delayed(q), false, nil
	case QueueDead:
		return ikeys.Dead(q), true, nil
	default:
		return "", false, ErrUnknownQueueState
	}
}

// Counts returns the number of triggers per state for queue q.
func (i *Inspector) Counts(ctx context.Context, q string) (map[QueueState]int64, error) {
	cmds := make(map[QueueState]*redis.IntCmd, len(AllQueueStates))
	_, err := i.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, st := range AllQueueStates {
			key, list, _ := stateKey(q, st)
			if list {
				cmds[st] = p.LLen(ctx, key)
			} else {
				cmds[st] = p.ZCard(ctx, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[QueueState]int64, len(cmds))
	for st, c := range cmds {
		out[st] = c.Val()
	}
	return out, nil
}

// List returns the triggers in a state of queue q, optionally filtered.
// Undecodable entries are skipped.
func (i *Inspector) List(ctx context.Context, q string, state QueueState, filter TriggerFilter) ([]*QueuedTrigger, error) {
	raws, err := i.raw(ctx, q, state)
	if err != nil {
		return nil, err
	}
	out := make([]*QueuedTrigger, 0, len(raws))
	for _, s := range raws {
		var m queue.Message
		if err := i.enc.Decode([]byte(s), &m); err != nil {
			continue
		}
		tr := toTrigger(&m)
		if filter == nil || filter(tr) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// RequeueDead moves a dead trigger back to pending with a fresh retry budget.
func (i *Inspector) RequeueDead(ctx context.Context, q, id string) error {
	raws, err := i.raw(ctx, q, QueueDead)
	if err != nil {
		return err
	}
	for _, old := range raws {
		var m queue.Message
		if err := i.enc.Decode([]byte(old), &m); err != nil || m.ID != id {
			continue
		}
		m.Retry = 0
		m.LastError = ""
		m.LastErrorAt = 0
		fresh, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		_, err = i.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, ikeys.Dead(q), 1, old)
			p.ZRem(ctx, ikeys.DeadExpiry(q), old)
			p.LPush(ctx, ikeys.Pending(q), fresh)
			return nil
		})
		return err
	}
	return ErrTriggerNotFound
}

func (i *Inspector) raw(ctx context.Context, q string, state QueueState) ([]string, error) {
	key, list, err := stateKey(q, state)
	if err != nil {
		return nil, err
	}
	var strs []string
	if list {
		strs, err = i.rdb.LRange(ctx, key, 0, -1).Result()
	} else {
		strs, err = i.rdb.ZRange(ctx, key, 0, -1).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read %s: %w", state, err)
	}
	return strs, nil
}

func toTrigger(m *queue.Message) *QueuedTrigger {
	return &QueuedTrigger{
		ID:          m.ID,
		Type:        m.Type,
		Queue:       m.Queue,
		Key:         m.Key,
		Payload:     m.Payload,
		Retry:       m.Retry,
		MaxRetry:    m.MaxRetry,
		EnqueuedAt:  m.EnqueuedAt,
		LastError:   m.LastError,
		LastErrorAt: m.LastErrorAt,
		Meta:        m.Meta,
	}
}
