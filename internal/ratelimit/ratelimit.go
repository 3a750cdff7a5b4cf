// Package ratelimit gates outbound work under a global rate cap, a per-owner
// rate cap and an adaptive concurrency cap. Calls rejected by upstream rate
// limits sleep for the advertised (or backoff-computed) delay and retry.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/UniQw/mediarelay/internal/retry"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Logger mirrors the root logger to avoid an import cycle.
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

// ErrRateLimited marks an upstream rejection without a retry hint.
var ErrRateLimited = errors.New("ratelimit: rate limited")

type Config struct {
	GlobalRate  rate.Limit
	GlobalBurst int
	OwnerRate   rate.Limit
	OwnerBurst  int
	// OwnerCacheSize bounds the number of tracked owners; idle owners expire after OwnerIdleTTL.
	OwnerCacheSize int
	OwnerIdleTTL   time.Duration

	MinConcurrency     int
	MaxConcurrency     int
	InitialConcurrency int
	// ErrorThreshold halves the concurrency cap when the error rate of a
	// Window of calls exceeds it.
	ErrorThreshold float64
	Window         int
	// SuccessStreak consecutive successes grow the cap by one.
	SuccessStreak int

	// MaxRetries bounds retries of rate-limited calls. Defaults to 3; a
	// negative value disables them.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger Logger
}

// Limiter implements admission control.
type Limiter struct {
	cfg    Config
	global *rate.Limiter
	log    Logger

	ownersMu sync.Mutex
	owners   *expirable.LRU[int64, *rate.Limiter]

	mu       sync.Mutex
	limit    int
	inFlight int
	total    int
	failures int
	streak   int
	wake     chan struct{}
}

// New creates a Limiter. Zero rates mean unlimited.
func New(cfg Config) *Limiter {
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = rate.Inf
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 1
	}
	if cfg.OwnerRate <= 0 {
		cfg.OwnerRate = rate.Inf
	}
	if cfg.OwnerBurst <= 0 {
		cfg.OwnerBurst = 1
	}
	if cfg.OwnerCacheSize <= 0 {
		cfg.OwnerCacheSize = 1024
	}
	if cfg.OwnerIdleTTL <= 0 {
		cfg.OwnerIdleTTL = 30 * time.Minute
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = max(cfg.MinConcurrency, 8)
	}
	if cfg.InitialConcurrency <= 0 {
		cfg.InitialConcurrency = cfg.MaxConcurrency
	}
	cfg.InitialConcurrency = min(max(cfg.InitialConcurrency, cfg.MinConcurrency), cfg.MaxConcurrency)
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.SuccessStreak <= 0 {
		cfg.SuccessStreak = 20
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 3
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Limiter{
		cfg:    cfg,
		global: rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		log:    lg,
		owners: expirable.NewLRU[int64, *rate.Limiter](cfg.OwnerCacheSize, nil, cfg.OwnerIdleTTL),
		limit:  cfg.InitialConcurrency,
		wake:   make(chan struct{}),
	}
}

// Admit runs fn once every cap allows it. Rate-limited failures (errors
// exposing RetryAfter() or wrapping ErrRateLimited) are retried up to
// MaxRetries times; any other result is returned as is.
func (l *Limiter) Admit(ctx context.Context, ownerID int64, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := l.global.Wait(ctx); err != nil {
			return err
		}
		if err := l.owner(ownerID).Wait(ctx); err != nil {
			return err
		}
		if err := l.acquire(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		l.release(err != nil && ctx.Err() == nil)

		wait, limited := classify(err)
		if !limited || attempt >= l.cfg.MaxRetries {
			return err
		}
		if wait <= 0 {
			wait = l.backoff(attempt)
		}
		l.log.Warnf("rate limited: owner=%d attempt=%d wait=%s", ownerID, attempt+1, wait)
		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Concurrency returns the current adaptive concurrency cap.
func (l *Limiter) Concurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *Limiter) owner(id int64) *rate.Limiter {
	l.ownersMu.Lock()
	defer l.ownersMu.Unlock()
	if lim, ok := l.owners.Get(id); ok {
		return lim
	}
	lim := rate.NewLimiter(l.cfg.OwnerRate, l.cfg.OwnerBurst)
	l.owners.Add(id, lim)
	return lim
}

func (l *Limiter) acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.inFlight < l.limit {
			l.inFlight++
			l.mu.Unlock()
			return nil
		}
		ch := l.wake
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Limiter) release(failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	l.total++
	if failed {
		l.failures++
		l.streak = 0
	} else {
		l.streak++
	}
	if l.total >= l.cfg.Window {
		if float64(l.failures)/float64(l.total) > l.cfg.ErrorThreshold && l.limit > l.cfg.MinConcurrency {
			l.limit = max(l.cfg.MinConcurrency, l.limit/2)
			l.log.Warnf("concurrency decreased: limit=%d", l.limit)
		}
		l.total, l.failures = 0, 0
	}
	if l.streak >= l.cfg.SuccessStreak {
		l.streak = 0
		if l.limit < l.cfg.MaxConcurrency {
			l.limit++
			l.log.Debugf("concurrency increased: limit=%d", l.limit)
		}
	}
	close(l.wake)
	l.wake = make(chan struct{})
}

func (l *Limiter) backoff(attempt int) time.Duration {
	d := l.cfg.BaseBackoff << attempt
	if d <= 0 || d > l.cfg.MaxBackoff {
		d = l.cfg.MaxBackoff
	}
	return d
}

type retryAfter interface{ RetryAfter() time.Duration }

func classify(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var ra retryAfter
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, errors.Is(err, ErrRateLimited)
}
