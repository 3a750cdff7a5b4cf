package runtime

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/mediarelay/internal/hctx"
	ikeys "github.com/UniQw/mediarelay/internal/keys"
	"github.com/UniQw/mediarelay/internal/queue"
	"github.com/UniQw/mediarelay/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type Config struct {
	// Queues maps queue names to their relative polling weights.
	Queues        map[string]int
	Concurrency   int
	VisibilityTTL time.Duration
	Logger        Logger
}

// Action tells the runtime what to do with a delivered message.
type Action int

const (
	// Ack removes the message.
	Ack Action = iota
	// Retry re-schedules the message with backoff, dead-lettering after MaxRetry.
	Retry
	// Dead dead-letters the message without further retries.
	Dead
)

// Outcome is the executor verdict for one delivery.
type Outcome struct {
	Action Action
	Reason string
}

// Executor handles one delivery. The context carries an hctx.Delivery.
type Executor func(ctx context.Context, m *queue.Message) Outcome

type Runtime struct {
	rdb       redis.UniversalClient
	cfg       Config
	exec      Executor
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	queueList []string
	qmap      map[string]ikeys.Queue
	log       Logger
}

// scheduleOneScript atomically moves one due item from delayed ZSET to pending LIST.
// It returns the moved member on success, or false/nil if none moved.
var scheduleOneScript = redis.NewScript(`
local dkey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// reclaimOneScript atomically reclaims one expired active item back to pending.
// This is what turns a crashed consumer into a redelivery.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// New creates a new background runtime that manages workers and maintenance routines.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	qmap := make(map[string]ikeys.Queue, len(cfg.Queues))
	for q := range cfg.Queues {
		qmap[q] = ikeys.For(q)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		rdb:       rdb,
		cfg:       cfg,
		exec:      exec,
		ctx:       ctx,
		cancel:    cancel,
		queueList: expandQueues(cfg.Queues),
		qmap:      qmap,
		log:       lg,
	}
}

// Start launches workers and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d queues=%d", rt.cfg.Concurrency, len(rt.cfg.Queues))

	// workers
	for i := 0; i < rt.cfg.Concurrency; i++ {
		rt.wg.Add(1)
		seed := time.Now().UnixNano() + int64(i)
		rng := rand.New(rand.NewSource(seed))
		go func(r *rand.Rand) {
			defer rt.wg.Done()
			rt.workerLoop(r)
		}(rng)
	}

	// Per-queue maintenance goroutines
	for q := range rt.cfg.Queues {
		// Dead cleaner: purge expired entries from dead list based on index ZSET
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			kset := rt.qmap[queue]
			for {
				select {
				case <-rt.ctx.Done():
					return
				case <-ticker.C:
					rt.purgeDead(queue, kset)
				}
			}
		}(q)

		// Delayed scheduler: move due retries from delayed to pending atomically
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			kset := rt.qmap[queue]
			rt.drainLoop(queue, "scheduler", 100*time.Millisecond, scheduleOneScript, kset.Delayed, kset.Pending)
		}(q)

		// Visibility reclaimer: move expired active back to pending atomically (retry is not incremented here)
		rt.wg.Add(1)
		go func(queue string) {
			defer rt.wg.Done()
			kset := rt.qmap[queue]
			rt.drainLoop(queue, "reclaimer", 200*time.Millisecond, reclaimOneScript, kset.Active, kset.Pending)
		}(q)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

func (rt *Runtime) drainLoop(queue, name string, every time.Duration, script *redis.Script, from, to string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().Unix(), 10)
			// drain up to N per tick to avoid long loops
			for i := 0; i < 256; i++ {
				res, err := script.Run(rt.ctx, rt.rdb, []string{from, to}, now).Result()
				if err == redis.Nil || res == nil || res == false {
					break
				}
				if err != nil {
					rt.log.Warnf("%s: script failed queue=%s err=%v", name, queue, err)
					break
				}
				if name == "reclaimer" {
					rt.log.Warnf("reclaimer: visibility expired, redelivering queue=%s", queue)
				}
			}
		}
	}
}

func (rt *Runtime) purgeDead(queue string, kset ikeys.Queue) {
	nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	// fetch a small batch to avoid long blocking operations
	members, err := rt.rdb.ZRangeByScore(rt.ctx, kset.DeadExpiry, &redis.ZRangeBy{Min: "0", Max: nowMs, Offset: 0, Count: 256}).Result()
	if err != nil && err != redis.Nil {
		rt.log.Warnf("dead-cleaner: range failed queue=%s err=%v", queue, err)
		return
	}
	if len(members) == 0 {
		return
	}
	_, pipErr := rt.rdb.TxPipelined(rt.ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			p.LRem(rt.ctx, kset.Dead, 1, m)
			p.ZRem(rt.ctx, kset.DeadExpiry, m)
		}
		return nil
	})
	if pipErr != nil {
		rt.log.Warnf("dead-cleaner: purge failed queue=%s err=%v", queue, pipErr)
	}
}

func (rt *Runtime) workerLoop(rng *rand.Rand) {
	ql := rt.queueList
	if len(ql) == 0 {
		return
	}
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		queue := ql[rng.Intn(len(ql))]
		kset := rt.qmap[queue]
		msg, raw := worker.Dequeue(rt.ctx, rt.rdb, kset, rt.cfg.VisibilityTTL)
		if msg == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rt.process(queue, kset, msg, raw)
		worker.Recycle(msg)
	}
}

func (rt *Runtime) process(queue string, kset ikeys.Queue, msg *queue.Message, raw []byte) {
	msg.StartedAt = time.Now().UnixMilli()
	d := hctx.New(msg.ID, msg.Type, msg.Retry, msg.EnqueuedAt)
	out := rt.exec(hctx.WithDelivery(rt.ctx, d), msg)

	// A stopping runtime leaves the message active; the reclaimer of a live
	// instance will redeliver it once the visibility lease runs out.
	if rt.ctx.Err() != nil {
		return
	}

	switch out.Action {
	case Ack:
		if e := worker.Ack(rt.ctx, rt.rdb, kset, raw); e != nil {
			rt.log.Errorf("ack failed: id=%s type=%s queue=%s err=%v", msg.ID, msg.Type, queue, e)
		} else {
			rt.log.Debugf("processed: id=%s type=%s queue=%s key=%s", msg.ID, msg.Type, queue, msg.Key)
		}
	case Retry:
		if e := worker.RetryOrDead(rt.ctx, rt.rdb, kset, msg, raw, out.Reason); e != nil {
			rt.log.Errorf("retry/dead transition failed: id=%s type=%s queue=%s err=%v", msg.ID, msg.Type, queue, e)
		} else {
			rt.log.Warnf("handler asked for retry: id=%s type=%s queue=%s retry=%d reason=%s", msg.ID, msg.Type, queue, msg.Retry, out.Reason)
		}
	default:
		if e := worker.FailToDead(rt.ctx, rt.rdb, kset, msg, raw, out.Reason); e != nil {
			rt.log.Errorf("deadletter failed: id=%s type=%s queue=%s err=%v", msg.ID, msg.Type, queue, e)
		} else {
			rt.log.Warnf("dead-lettered: id=%s type=%s queue=%s reason=%s", msg.ID, msg.Type, queue, out.Reason)
		}
	}
}

// CfgConcurrency exposes configured worker concurrency.
func (rt *Runtime) CfgConcurrency() int { return rt.cfg.Concurrency }

// CfgQueues exposes configured queues mapping.
func (rt *Runtime) CfgQueues() map[string]int { return rt.cfg.Queues }

func expandQueues(q map[string]int) []string {
	n := 0
	for _, w := range q {
		n += w
	}
	out := make([]string, 0, n)
	for name, weight := range q {
		for i := 0; i < weight; i++ {
			out = append(out, name)
		}
	}
	return out
}
