package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	ikeys "github.com/UniQw/mediarelay/internal/keys"
	"github.com/UniQw/mediarelay/internal/retry"
	"github.com/redis/go-redis/v9"
)

// Transport durably stores a batch of messages.
type Transport interface {
	Publish(ctx context.Context, msgs []*Message) error
}

// RedisTransport pushes messages onto the pending list of their queue in a
// single transaction so that a batch is either fully visible or not at all.
type RedisTransport struct {
	rdb redis.UniversalClient
}

// NewRedisTransport creates a transport over the given client.
func NewRedisTransport(rdb redis.UniversalClient) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, msgs []*Message) error {
	raws := make([][]byte, len(msgs))
	for i, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return retry.Permanent(err)
		}
		raws[i] = b
	}
	_, err := t.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, m := range msgs {
			p.LPush(ctx, ikeys.Pending(m.Queue), raws[i])
		}
		return nil
	})
	if isClientError(err) {
		return retry.Permanent(err)
	}
	return err
}

// isClientError reports errors that will never succeed on retry: bad auth,
// wrong key types, malformed commands.
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	msg := rerr.Error()
	for _, p := range []string{"NOAUTH", "WRONGPASS", "WRONGTYPE", "ERR wrong number", "NOPERM"} {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}
