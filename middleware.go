package mediarelay

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/UniQw/mediarelay/internal/dedup"
	"github.com/UniQw/mediarelay/internal/hctx"
)

// Recover converts a panicking handler into a 500 result.
func Recover(l Logger) Middleware {
	if l == nil {
		l = noopLogger{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) (res Result) {
			defer func() {
				if r := recover(); r != nil {
					l.Errorf("handler panic: %v\n%s", r, debug.Stack())
					res = Internal(fmt.Sprintf("panic: %v", r))
				}
			}()
			return next(ctx, payload)
		}
	}
}

// Logging logs every delivery with its outcome and duration.
func Logging(l Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) Result {
			start := time.Now()
			res := next(ctx, payload)
			id, typ := "", ""
			if d, ok := hctx.From(ctx); ok {
				id, typ = d.MessageID, d.JobType
			}
			if res.Success {
				l.Debugf("delivery handled: id=%s type=%s status=%d took=%s", id, typ, res.StatusCode, time.Since(start))
			} else {
				l.Warnf("delivery failed: id=%s type=%s status=%d msg=%s took=%s", id, typ, res.StatusCode, res.Message, time.Since(start))
			}
			return res
		}
	}
}

// DedupGuard remembers delivery keys for a TTL window.
type DedupGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Dedup acknowledges a redelivered message that was already handled
// successfully inside the guard's window without running the handler.
// Deferred results are not remembered: the work they point at may still be
// lost by its holder. Deliveries without a message id pass through. Guard
// failures never block processing; the per-task lock still applies.
func Dedup(g DedupGuard, l Logger) Middleware {
	if l == nil {
		l = noopLogger{}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) Result {
			d, ok := hctx.From(ctx)
			if !ok || d.MessageID == "" {
				return next(ctx, payload)
			}
			key := dedup.Key(d.JobType, d.MessageID)
			seen, err := g.Seen(ctx, key)
			if err != nil {
				l.Warnf("dedup check failed: id=%s err=%v", d.MessageID, err)
			} else if seen {
				return OK("duplicate delivery")
			}
			res := next(ctx, payload)
			if res.Success && !res.Deferred {
				if err := g.Mark(ctx, key); err != nil {
					l.Warnf("dedup mark failed: id=%s err=%v", d.MessageID, err)
				}
			}
			return res
		}
	}
}
