package mediarelay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/mediarelay/internal/queue"
	rtm "github.com/UniQw/mediarelay/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// ServerConfig defines the configuration for the Redis-backed trigger consumer.
type ServerConfig struct {
	// Queues defines the queues to process and their relative weights.
	Queues map[string]int
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// VisibilityTTL is the duration for which a delivery is leased by a worker.
	// If the worker crashes, the trigger is redelivered after this TTL.
	VisibilityTTL time.Duration
	// Logger is the logger used for server events.
	Logger Logger
}

// Server delivers triggers from Redis queues to a Mux.
type Server struct {
	rt      *rtm.Runtime
	mux     *Mux
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewServer creates a new trigger consumer.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, mux *Mux) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	exec := func(ctx context.Context, m *queue.Message) rtm.Outcome {
		return outcomeFor(mux.Dispatch(ctx, m.Type, m.Payload))
	}

	rtc := rtm.Config{
		Queues:        cfg.Queues,
		Concurrency:   cfg.Concurrency,
		VisibilityTTL: cfg.VisibilityTTL,
		Logger:        rtLogger{Logger: l},
	}
	return &Server{rt: rtm.New(rdb, rtc, exec), mux: mux, log: l}
}

// outcomeFor maps a handler result onto queue semantics: 2xx acknowledges,
// 400 and 404 dead-letter right away, anything else is redelivered with
// backoff until the message's retry budget is spent.
func outcomeFor(r Result) rtm.Outcome {
	reason := strconv.Itoa(r.StatusCode)
	if r.Message != "" {
		reason += " " + r.Message
	}
	switch {
	case r.Success || (r.StatusCode >= 200 && r.StatusCode < 300):
		return rtm.Outcome{Action: rtm.Ack}
	case r.StatusCode == http.StatusBadRequest, r.StatusCode == http.StatusNotFound:
		return rtm.Outcome{Action: rtm.Dead, Reason: reason}
	default:
		return rtm.Outcome{Action: rtm.Retry, Reason: reason}
	}
}

// Start launches the server workers and background maintenance routines.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		if s.log != nil {
			s.log.Warnf("server already started; ignoring Start()")
		}
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infof("starting server: concurrency=%d queues=%d jobs=%v", s.rt.CfgConcurrency(), len(s.rt.CfgQueues()), s.mux.JobTypes())
	}
	s.rt.Start()
}

// Stop gracefully shuts down the server, waiting for workers to finish current deliveries.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		if s.log != nil {
			s.log.Warnf("server not started; ignoring Stop()")
		}
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infof("stopping server")
	}
	s.rt.Stop()
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
