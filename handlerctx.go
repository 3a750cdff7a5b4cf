package mediarelay

import (
	"context"

	"github.com/UniQw/mediarelay/internal/hctx"
)

// DeliveryInfo describes the trigger delivery a handler is running for.
type DeliveryInfo struct {
	MessageID  string
	JobType    string
	Attempt    int
	EnqueuedAt int64
}

// WithDelivery attaches delivery metadata to ctx. Transports call it before
// dispatching to a Mux.
func WithDelivery(ctx context.Context, info DeliveryInfo) context.Context {
	return hctx.WithDelivery(ctx, hctx.New(info.MessageID, info.JobType, info.Attempt, info.EnqueuedAt))
}

// DeliveryFrom returns the delivery metadata carried by ctx.
func DeliveryFrom(ctx context.Context) (DeliveryInfo, bool) {
	d, ok := hctx.From(ctx)
	if !ok || d == nil {
		return DeliveryInfo{}, false
	}
	return DeliveryInfo{MessageID: d.MessageID, JobType: d.JobType, Attempt: d.Attempt, EnqueuedAt: d.EnqueuedAt}, true
}

// SetProgress allows a handler to report progress (0..100) for the current delivery.
// It is a no-op if the context does not carry a delivery.
func SetProgress(ctx context.Context, p int) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	st.Progress = p
}

