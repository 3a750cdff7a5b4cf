package mediarelay

import (
	"context"
	"testing"

	"github.com/UniQw/mediarelay/internal/hctx"
	"github.com/stretchr/testify/require"
)

func TestHandlerCtx_NoDelivery_NoPanic(t *testing.T) {
	ctx := context.Background()
	// should be no-op and no panic
	SetProgress(ctx, 50)
	_, ok := DeliveryFrom(ctx)
	require.False(t, ok)
}

func TestHandlerCtx_WithDelivery(t *testing.T) {
	ctx := WithDelivery(context.Background(), DeliveryInfo{MessageID: "m1", JobType: JobUpload, Attempt: 2, EnqueuedAt: 99})
	info, ok := DeliveryFrom(ctx)
	require.True(t, ok)
	require.Equal(t, DeliveryInfo{MessageID: "m1", JobType: JobUpload, Attempt: 2, EnqueuedAt: 99}, info)

	st, _ := hctx.From(ctx)
	// progress clamps 0..100
	SetProgress(ctx, -10)
	require.Equal(t, 0, st.Progress)
	SetProgress(ctx, 150)
	require.Equal(t, 100, st.Progress)
	SetProgress(ctx, 42)
	require.Equal(t, 42, st.Progress)
}
