// Package coord gives each running instance an identity, elects a single
// holder for exclusive resources and grants short-lived per-task locks, all
// over a shared Redis.
//
// The scheme is crash tolerant, not linearizable. Heartbeats and leases expire
// on their own, so a vanished holder is replaced once its TTL runs out. Under
// a network partition two halves can see different active sets and elect
// different leaders for a while; that is an accepted tradeoff.
package coord

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	ikeys "github.com/UniQw/mediarelay/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Logger is a minimal logging interface used internally by the coordinator.
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

// Strategy selects how a singleton resource holder is chosen.
type Strategy string

const (
	// StrategyElection makes the live instance with the smallest id the holder.
	StrategyElection Strategy = "election"
	// StrategyLease makes the first instance to set the lease key the holder
	// until it stops refreshing it.
	StrategyLease Strategy = "lease"
)

// Config configures a Coordinator.
type Config struct {
	InstanceID string
	// HeartbeatInterval is how often the instance record is rewritten.
	HeartbeatInterval time.Duration
	// LivenessTTL is the TTL of an instance record; an instance whose record
	// expired is considered gone.
	LivenessTTL time.Duration
	// LockTTL is the lease of a per-task lock. It must exceed the longest
	// single processing phase unless the holder refreshes it.
	LockTTL time.Duration
	// LeaseTTL is the lease of a singleton resource under StrategyLease.
	LeaseTTL time.Duration
	Strategy Strategy
	// ActiveTasks reports the number of in-flight tasks for the heartbeat record.
	ActiveTasks func() int
	Logger      Logger
}

// InstanceRecord is the liveness record of one running process.
type InstanceRecord struct {
	ID            string
	LastHeartbeat time.Time
	ActiveTasks   int
}

// Coordinator implements instance liveness, leadership and task locks.
type Coordinator struct {
	rdb redis.UniversalClient
	cfg Config
	log Logger

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	held     map[string]struct{}
	onCancel []func(taskID string)
}

// ErrNoInstanceID is returned by New when the config lacks an instance id.
var ErrNoInstanceID = errors.New("coord: instance id is required")

// releaseScript deletes a lease only when it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript refreshes a lease only when it is still owned by the caller.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// New creates a coordinator. Call Start to begin heartbeating.
func New(rdb redis.UniversalClient, cfg Config) (*Coordinator, error) {
	if cfg.InstanceID == "" {
		return nil, ErrNoInstanceID
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.LivenessTTL <= 0 {
		cfg.LivenessTTL = 3 * cfg.HeartbeatInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.LivenessTTL
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyElection
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Coordinator{rdb: rdb, cfg: cfg, log: lg, held: make(map[string]struct{})}, nil
}

// InstanceID returns the identity of this process.
func (c *Coordinator) InstanceID() string { return c.cfg.InstanceID }

// LockTTL returns the per-task lease duration.
func (c *Coordinator) LockTTL() time.Duration { return c.cfg.LockTTL }

// Start writes a first heartbeat synchronously, then keeps heartbeating and
// listening for cancel broadcasts until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.log.Warnf("coordinator already started; ignoring Start()")
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.Heartbeat(ctx); err != nil {
		return err
	}
	c.log.Infof("coordinator started: instance=%s strategy=%s", c.cfg.InstanceID, c.cfg.Strategy)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Heartbeat(ctx); err != nil && ctx.Err() == nil {
					c.log.Warnf("heartbeat failed: instance=%s err=%v", c.cfg.InstanceID, err)
				}
			}
		}
	}()

	sub := c.rdb.Subscribe(ctx, ikeys.CancelChannel())
	// Wait for the subscription to be confirmed so no broadcast sent after
	// Start returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				c.dispatchCancel(m.Payload)
			}
		}
	}()
	return nil
}

// Stop ends the heartbeat loop and releases held singleton leases. The
// instance record is left to expire.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.cancel()
	held := make([]string, 0, len(c.held))
	for r := range c.held {
		held = append(held, r)
	}
	c.held = make(map[string]struct{})
	c.mu.Unlock()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, r := range held {
		_ = releaseScript.Run(ctx, c.rdb, []string{ikeys.Lock(r)}, c.cfg.InstanceID).Err()
	}
	c.log.Infof("coordinator stopped: instance=%s", c.cfg.InstanceID)
}

// Heartbeat writes the instance record and refreshes held singleton leases.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	active := 0
	if c.cfg.ActiveTasks != nil {
		active = c.cfg.ActiveTasks()
	}
	key := ikeys.Instance(c.cfg.InstanceID)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "id", c.cfg.InstanceID, "ts", time.Now().UnixMilli(), "active", active)
		p.PExpire(ctx, key, c.cfg.LivenessTTL)
		p.SAdd(ctx, ikeys.Instances(), c.cfg.InstanceID)
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	held := make([]string, 0, len(c.held))
	for r := range c.held {
		held = append(held, r)
	}
	c.mu.Unlock()
	for _, r := range held {
		ok, err := c.extend(ctx, ikeys.Lock(r), c.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			c.mu.Lock()
			delete(c.held, r)
			c.mu.Unlock()
			c.log.Warnf("lease lost: resource=%s instance=%s", r, c.cfg.InstanceID)
		}
	}
	return nil
}

// ActiveInstances returns every instance whose heartbeat has not expired.
// Expired ids are pruned from the registry as a side effect.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	ids, err := c.rdb.SMembers(ctx, ikeys.Instances()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, ikeys.Instance(id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]InstanceRecord, 0, len(ids))
	var gone []any
	for i, id := range ids {
		vals, err := cmds[i].Result()
		if err != nil || len(vals) == 0 {
			gone = append(gone, id)
			continue
		}
		ts, _ := strconv.ParseInt(vals["ts"], 10, 64)
		act, _ := strconv.Atoi(vals["active"])
		out = append(out, InstanceRecord{ID: id, LastHeartbeat: time.UnixMilli(ts), ActiveTasks: act})
	}
	if len(gone) > 0 {
		if err := c.rdb.SRem(ctx, ikeys.Instances(), gone...).Err(); err != nil {
			c.log.Warnf("prune instances failed: err=%v", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ElectLeader returns the id of the leader among the given snapshot: the
// smallest instance id. It returns "" for an empty snapshot. Every caller with
// the same snapshot computes the same answer.
func ElectLeader(instances []InstanceRecord) string {
	leader := ""
	for _, in := range instances {
		if leader == "" || in.ID < leader {
			leader = in.ID
		}
	}
	return leader
}

// HasLock reports whether this instance currently holds resource.
func (c *Coordinator) HasLock(ctx context.Context, resource string) (bool, error) {
	if c.cfg.Strategy == StrategyLease {
		return c.acquireLease(ctx, resource)
	}
	active, err := c.ActiveInstances(ctx)
	if err != nil {
		return false, err
	}
	return ElectLeader(active) == c.cfg.InstanceID, nil
}

func (c *Coordinator) acquireLease(ctx context.Context, resource string) (bool, error) {
	key := ikeys.Lock(resource)
	ok, err := c.rdb.SetNX(ctx, key, c.cfg.InstanceID, c.cfg.LeaseTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		// Already set; it is ours if we set it earlier and still own it.
		ok, err = c.extend(ctx, key, c.cfg.LeaseTTL)
		if err != nil {
			return false, err
		}
	}
	c.mu.Lock()
	if ok {
		c.held[resource] = struct{}{}
	} else {
		delete(c.held, resource)
	}
	c.mu.Unlock()
	return ok, nil
}

// AcquireTaskLock tries to take the lock of taskID without blocking. The
// returned token identifies this acquisition; refresh and release only act on
// a lock still carrying it.
func (c *Coordinator) AcquireTaskLock(ctx context.Context, taskID string) (string, bool, error) {
	token := c.cfg.InstanceID + ":" + uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, ikeys.TaskLock(taskID), token, c.cfg.LockTTL).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// RefreshTaskLock extends the lock of taskID if it still carries token.
func (c *Coordinator) RefreshTaskLock(ctx context.Context, taskID, token string) (bool, error) {
	return c.extendOwned(ctx, ikeys.TaskLock(taskID), token, c.cfg.LockTTL)
}

// ReleaseTaskLock releases the lock of taskID if it still carries token.
// Releasing an unheld, expired or re-acquired lock is a no-op.
func (c *Coordinator) ReleaseTaskLock(ctx context.Context, taskID, token string) error {
	return releaseScript.Run(ctx, c.rdb, []string{ikeys.TaskLock(taskID)}, token).Err()
}

func (c *Coordinator) extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.extendOwned(ctx, key, c.cfg.InstanceID, ttl)
}

func (c *Coordinator) extendOwned(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, c.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PublishCancel broadcasts a task cancellation to every instance, this one included.
func (c *Coordinator) PublishCancel(ctx context.Context, taskID string) error {
	return c.rdb.Publish(ctx, ikeys.CancelChannel(), taskID).Err()
}

// OnCancel registers fn to be called for every cancellation broadcast received.
func (c *Coordinator) OnCancel(fn func(taskID string)) {
	c.mu.Lock()
	c.onCancel = append(c.onCancel, fn)
	c.mu.Unlock()
}

func (c *Coordinator) dispatchCancel(taskID string) {
	c.mu.Lock()
	fns := append([]func(string){}, c.onCancel...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(taskID)
	}
}
