package mediarelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/mediarelay/internal/queue"
	rtm "github.com/UniQw/mediarelay/internal/runtime"
	"github.com/stretchr/testify/require"
)

func TestServer_StartStop_Idempotent(t *testing.T) {
	rdb, _ := newMiniClient(t)

	mux := NewMux()
	mux.Handle("t", func(ctx context.Context, b []byte) Result { return OK("") })
	srv := NewServer(rdb, ServerConfig{
		Queues:        map[string]int{"q": 1},
		Concurrency:   0, // no workers
		VisibilityTTL: 1 * time.Second,
		Logger:        NewFmtLogger(),
	}, mux)

	srv.Start()
	srv.Start()
	srv.Stop()
	srv.Stop()
}

func TestOutcomeFor(t *testing.T) {
	require.Equal(t, rtm.Ack, outcomeFor(OK("")).Action)
	require.Equal(t, rtm.Ack, outcomeFor(OK("cancelled")).Action)
	require.Equal(t, rtm.Dead, outcomeFor(BadRequest("bad")).Action)
	require.Equal(t, rtm.Dead, outcomeFor(NotFound("gone")).Action)
	out := outcomeFor(Unavailable("not leader"))
	require.Equal(t, rtm.Retry, out.Action)
	require.Equal(t, "503 not leader", out.Reason)
	require.Equal(t, rtm.Retry, outcomeFor(Internal("boom")).Action)
}

func TestServer_DeliversTriggerWithMetadata(t *testing.T) {
	rdb, _ := newMiniClient(t)

	type seen struct {
		taskID string
		info   DeliveryInfo
	}
	got := make(chan seen, 1)
	var once sync.Once

	mux := NewMux()
	mux.Handle(JobDownload, decode(&JSONEncoder{}, func(ctx context.Context, tr DownloadTrigger) Result {
		info, _ := DeliveryFrom(ctx)
		once.Do(func() { got <- seen{taskID: tr.TaskID, info: info} })
		return OK("")
	}))

	srv := NewServer(rdb, ServerConfig{
		Queues:        map[string]int{"downloads": 1},
		Concurrency:   1,
		VisibilityTTL: 30 * time.Second,
	}, mux)
	srv.Start()
	defer srv.Stop()

	p := queue.NewPublisher(queue.NewRedisTransport(rdb), queue.PublisherConfig{Routes: map[string]string{JobDownload: "downloads"}})
	defer p.Close()
	r, err := p.Enqueue(context.Background(), JobDownload, "t1", DownloadTrigger{TaskID: "t1"})
	require.NoError(t, err)
	require.False(t, r.Fallback)

	select {
	case s := <-got:
		require.Equal(t, "t1", s.taskID)
		require.Equal(t, r.MessageID, s.info.MessageID)
		require.Equal(t, JobDownload, s.info.JobType)
		require.Zero(t, s.info.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("trigger was not delivered within timeout")
	}
}
