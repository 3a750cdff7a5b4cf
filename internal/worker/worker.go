package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/mediarelay/internal/keys"
	"github.com/UniQw/mediarelay/internal/queue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var msgPool = sync.Pool{New: func() any { return new(queue.Message) }}

// Atomic dequeue script: RPOP from pending and ZADD into active with visibility score.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	local v = redis.call('RPOP', KEYS[1])
	if not v then return false end
	redis.call('ZADD', KEYS[2], ARGV[1], v)
	return v
	`,
)

// Recycle returns a message to the pool to reduce allocations.
func Recycle(m *queue.Message) {
	if m == nil {
		return
	}
	*m = queue.Message{}
	msgPool.Put(m)
}

// Dequeue atomically moves a message from the Pending list to the Active ZSET
// and returns the decoded message and its raw JSON representation. The active
// score is the visibility deadline; past it the reclaimer redelivers.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, ttl time.Duration) (*queue.Message, []byte) {
	expire := time.Now().Add(ttl).Unix()
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Pending, k.Active}, strconv.FormatInt(expire, 10)).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, nil
	}
	var raw []byte
	switch v := res.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return nil, nil
	}

	m := msgPool.Get().(*queue.Message)
	if err := sonic.Unmarshal(raw, m); err != nil {
		// Undecodable members would be reclaimed forever; park them in dead.
		_ = rdb.ZRem(ctx, k.Active, raw).Err()
		_ = rdb.LPush(ctx, k.Dead, raw).Err()
		Recycle(m)
		return nil, nil
	}
	return m, raw
}

// Ack removes a message from the Active ZSET after successful processing.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte) error {
	return rdb.ZRem(ctx, k.Active, raw).Err()
}

// FailToDead moves a message from the Active ZSET to the Dead list.
func FailToDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, m *queue.Message, raw []byte, reason string) error {
	if reason != "" {
		m.LastError = reason
		m.LastErrorAt = time.Now().UnixMilli()
	}
	newRaw := encodeJSON(m)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		pushDead(ctx, p, k, m, newRaw)
		return nil
	})
	return err
}

// RetryOrDead either re-schedules a message in the Delayed ZSET with
// exponential backoff or moves it to the Dead list once MaxRetry is reached.
func RetryOrDead(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, m *queue.Message, raw []byte, lastErr string) error {
	m.LastError = lastErr
	m.LastErrorAt = time.Now().UnixMilli()
	if m.Retry >= m.MaxRetry {
		newRaw := encodeJSON(m)
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, k.Active, raw)
			pushDead(ctx, p, k, m, newRaw)
			return nil
		})
		return err
	}

	m.Retry++
	newRaw := encodeJSON(m)
	next := time.Now().Add(time.Second * time.Duration(1<<m.Retry)).Unix()
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, raw)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(next), Member: newRaw})
		return nil
	})
	return err
}

// pushDead appends to the dead list unless retention is zero, indexing the
// purge deadline when retention is finite.
func pushDead(ctx context.Context, p redis.Pipeliner, k keys.Queue, m *queue.Message, newRaw []byte) {
	if m.ErrRetention == 0 {
		return
	}
	p.LPush(ctx, k.Dead, newRaw)
	if m.ErrRetention > 0 {
		expireMs := time.Now().UnixMilli() + m.ErrRetention*1000
		p.ZAdd(ctx, k.DeadExpiry, redis.Z{Score: float64(expireMs), Member: newRaw})
	}
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
