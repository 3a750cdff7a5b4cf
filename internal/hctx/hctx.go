package hctx

import "context"

// Delivery holds per-delivery metadata the transport knows about and the
// handler (or a middleware) may want to inspect.
type Delivery struct {
	// MessageID identifies the queue message; redeliveries keep the same id.
	MessageID string
	// JobType is the trigger type being delivered.
	JobType string
	// Attempt is 0 on the first delivery and grows with each redelivery.
	Attempt int
	// EnqueuedAt is the publish timestamp in ms.
	EnqueuedAt int64
	// Progress is the last progress (0..100) reported by the handler.
	Progress int
}

// New creates a fresh delivery container.
func New(messageID, jobType string, attempt int, enqueuedAt int64) *Delivery {
	return &Delivery{MessageID: messageID, JobType: jobType, Attempt: attempt, EnqueuedAt: enqueuedAt}
}

type ctxKey struct{}

// WithDelivery returns a child context carrying the given delivery.
func WithDelivery(parent context.Context, d *Delivery) context.Context {
	return context.WithValue(parent, ctxKey{}, d)
}

// From extracts the delivery from context if present.
func From(ctx context.Context) (*Delivery, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	d, ok := v.(*Delivery)
	return d, ok
}
