package mediarelay

import (
	"context"
	"fmt"
	"sort"
)

// HandlerFunc processes one trigger delivery and reports the outcome.
type HandlerFunc func(ctx context.Context, payload []byte) Result

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	exec HandlerFunc
}

// Mux routes trigger deliveries to their handlers based on job type. It is
// shared by the Redis-backed Server and the webhook endpoint.
type Mux struct {
	handlers    map[string]handler
	middlewares []Middleware
}

// NewMux creates a new trigger Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for a specific job type.
func (m *Mux) Handle(jobType string, fn func(context.Context, []byte) Result) {
	m.handlers[jobType] = handler{
		exec: fn,
	}
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Dispatch runs the handler registered for jobType. Unknown job types are
// malformed triggers and yield a 400 result.
func (m *Mux) Dispatch(ctx context.Context, jobType string, payload []byte) Result {
	h, ok := m.handlers[jobType]
	if !ok {
		return BadRequest(fmt.Sprintf("no handler for job type %q", jobType))
	}
	return m.wrapHandler(h.exec)(ctx, payload)
}

// Has reports whether a handler is registered for jobType.
func (m *Mux) Has(jobType string) bool {
	_, ok := m.handlers[jobType]
	return ok
}

// JobTypes returns the registered job types in sorted order.
func (m *Mux) JobTypes() []string {
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// decode is a helper for handlers taking a typed trigger.
func decode[T any](enc Encoder, fn func(context.Context, T) Result) func(context.Context, []byte) Result {
	return func(ctx context.Context, payload []byte) Result {
		var v T
		if err := enc.Decode(payload, &v); err != nil {
			return BadRequest("malformed trigger: " + err.Error())
		}
		return fn(ctx, v)
	}
}
