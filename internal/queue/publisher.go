package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/UniQw/mediarelay/internal/retry"
	"github.com/google/uuid"
)

// Logger is a minimal logging interface used internally by the queue.
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

// PublisherConfig configures batching and publish retries.
type PublisherConfig struct {
	// Routes maps a job type to the queue that carries it. Unknown job types
	// go to a queue named after the job type.
	Routes map[string]string
	// BatchSize flushes the buffer as soon as it holds this many messages.
	BatchSize int
	// FlushInterval flushes a non-empty buffer after this long.
	FlushInterval time.Duration
	// MaxRetry is copied onto every message and bounds consumer-side retries.
	MaxRetry int
	// ErrRetention is copied onto every message. Negative keeps dead messages forever.
	ErrRetention time.Duration
	// Retry governs transport publish retries.
	Retry  retry.Policy
	Logger Logger
}

type pending struct {
	msg  *Message
	done chan Receipt
}

// Publisher coalesces rapid Enqueue calls into batched transport publishes.
type Publisher struct {
	tr  Transport
	cfg PublisherConfig
	log Logger

	mu     sync.Mutex
	buf    []*pending
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewPublisher creates a batching publisher over tr.
func NewPublisher(tr Transport, cfg PublisherConfig) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 20 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Publisher{tr: tr, cfg: cfg, log: lg}
}

// Enqueue publishes one trigger for key. It blocks until the batch holding
// the message is flushed or ctx is done. A failed batch yields a fallback
// receipt instead of an error so that callers never block on a broken queue.
func (p *Publisher) Enqueue(ctx context.Context, jobType, key string, payload any) (Receipt, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}
	q := p.cfg.Routes[jobType]
	if q == "" {
		q = jobType
	}
	msg := &Message{
		ID:           uuid.NewString(),
		Type:         jobType,
		Queue:        q,
		Key:          key,
		Payload:      data,
		MaxRetry:     p.cfg.MaxRetry,
		ErrRetention: int64(p.cfg.ErrRetention.Seconds()),
		EnqueuedAt:   time.Now().UnixMilli(),
	}
	if m := metaFrom(ctx); len(m) > 0 {
		msg.Meta = m
	}
	it := &pending{msg: msg, done: make(chan Receipt, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	p.buf = append(p.buf, it)
	if len(p.buf) >= p.cfg.BatchSize {
		batch := p.takeLocked()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.publish(batch)
		}()
	} else if p.timer == nil {
		p.wg.Add(1)
		p.timer = time.AfterFunc(p.cfg.FlushInterval, p.flushTimer)
	}
	p.mu.Unlock()

	select {
	case r := <-it.done:
		return r, nil
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

// Close flushes whatever is buffered and waits for in-flight publishes.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	batch := p.takeLocked()
	p.mu.Unlock()
	if len(batch) > 0 {
		p.publish(batch)
	}
	p.wg.Wait()
}

func (p *Publisher) flushTimer() {
	defer p.wg.Done()
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()
	if len(batch) > 0 {
		p.publish(batch)
	}
}

func (p *Publisher) takeLocked() []*pending {
	if p.timer != nil {
		// A timer stopped before firing will never run flushTimer.
		if p.timer.Stop() {
			p.wg.Done()
		}
		p.timer = nil
	}
	b := p.buf
	p.buf = nil
	return b
}

func (p *Publisher) publish(batch []*pending) {
	msgs := make([]*Message, len(batch))
	for i, it := range batch {
		msgs[i] = it.msg
	}
	// Detached from callers: one caller giving up must not abort the others.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return p.tr.Publish(ctx, msgs)
	})
	if err != nil {
		p.log.Warnf("publish failed; handing out fallback receipts: batch=%d err=%v", len(batch), err)
	} else {
		p.log.Debugf("published: batch=%d", len(batch))
	}
	for _, it := range batch {
		it.done <- Receipt{MessageID: it.msg.ID, Fallback: err != nil}
	}
}

type metaKey struct{}

// WithMeta attaches trigger metadata to every message enqueued with ctx.
func WithMeta(ctx context.Context, kv map[string]string) context.Context {
	return context.WithValue(ctx, metaKey{}, kv)
}

func metaFrom(ctx context.Context) map[string]string {
	m, _ := ctx.Value(metaKey{}).(map[string]string)
	return m
}
