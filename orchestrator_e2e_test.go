package mediarelay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/UniQw/mediarelay"
	"github.com/UniQw/mediarelay/internal/coord"
	"github.com/UniQw/mediarelay/internal/dedup"
	"github.com/UniQw/mediarelay/internal/queue"
	"github.com/UniQw/mediarelay/internal/store"
)

const (
	owner   = int64(7)
	chat    = int64(100)
	tenMiB  = int64(10 << 20)
	chunks  = 4
	admin   = int64(99)
	session = "media-session"
)

// fakeSource serves media messages from memory.
type fakeSource struct {
	mu        sync.Mutex
	messages  map[int64]mediarelay.MediaHandle
	downloads atomic.Int32
	// failures makes that many Download calls fail with a timeout.
	failures atomic.Int32
	// onChunk runs after chunk i was written, before progress is reported.
	onChunk func(taskPath string, i int)
	// started and release make the first download block until released.
	started chan struct{}
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(map[int64]mediarelay.MediaHandle)}
}

func (s *fakeSource) add(id, size int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = mediarelay.MediaHandle{ChatID: chat, MessageID: id, FileID: "f" + strconv.FormatInt(id, 10), FileName: name, FileSize: size}
}

func (s *fakeSource) FetchMessages(_ context.Context, _ int64, ids []int64) ([]mediarelay.MediaHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mediarelay.MediaHandle
	for _, id := range ids {
		if h, ok := s.messages[id]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeSource) Download(ctx context.Context, h mediarelay.MediaHandle, outputPath string, onProgress mediarelay.ProgressFunc) error {
	s.downloads.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return timeoutErr{}
	}
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(outputPath + ".part")
	if err != nil {
		return err
	}
	defer f.Close()

	chunk := make([]byte, h.FileSize/chunks)
	var done int64
	for i := 0; i < chunks; i++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		n, err := f.Write(chunk)
		if err != nil {
			return err
		}
		done += int64(n)
		if s.onChunk != nil {
			s.onChunk(outputPath, i)
		}
		if err := onProgress(done, h.FileSize); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(outputPath+".part", outputPath)
}

// fakeSink stores object sizes per owner.
type fakeSink struct {
	mu      sync.Mutex
	objects map[string]int64
	uploads atomic.Int32
	// failures makes that many Upload calls fail with a timeout.
	failures atomic.Int32
	// skew is added to the size Stat reports for uploaded objects.
	skew int64
}

func newFakeSink() *fakeSink { return &fakeSink{objects: make(map[string]int64)} }

func objectKey(name string, ownerID int64) string {
	return strconv.FormatInt(ownerID, 10) + "/" + name
}

func (s *fakeSink) put(name string, ownerID, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(name, ownerID)] = size
}

func (s *fakeSink) Stat(_ context.Context, name string, ownerID int64) (*mediarelay.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.objects[objectKey(name, ownerID)]
	if !ok {
		return nil, nil
	}
	return &mediarelay.ObjectInfo{Name: name, Size: size}, nil
}

func (s *fakeSink) Upload(_ context.Context, localPath, name string, ownerID int64, onProgress mediarelay.ProgressFunc) error {
	s.uploads.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return timeoutErr{}
	}
	fi, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if err := onProgress(fi.Size(), fi.Size()); err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[objectKey(name, ownerID)] = fi.Size() + s.skew
	s.mu.Unlock()
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type trigger struct {
	job, key string
}

// fakePublisher records triggers instead of queueing them.
type fakePublisher struct {
	mu   sync.Mutex
	sent []trigger
	seq  int
}

func (p *fakePublisher) Enqueue(_ context.Context, jobType, key string, _ any) (queue.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.sent = append(p.sent, trigger{job: jobType, key: key})
	return queue.Receipt{MessageID: "m" + strconv.Itoa(p.seq)}, nil
}

func (p *fakePublisher) take() []trigger {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

// alwaysLeader lets several instances pass the leadership check so that the
// per-task lock is what separates them.
type alwaysLeader struct{ *coord.Coordinator }

func (alwaysLeader) HasLock(context.Context, string) (bool, error) { return true, nil }

type harness struct {
	rdb   *redis.Client
	store *store.Memory
	src   *fakeSource
	sink  *fakeSink
	pub   *fakePublisher
	o     *mediarelay.Orchestrator
	dir   string
}

func quietLogger() mediarelay.Logger {
	return mediarelay.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newCoordinator(t *testing.T, rdb *redis.Client, id string) *coord.Coordinator {
	t.Helper()
	c, err := coord.New(rdb, coord.Config{
		InstanceID:        id,
		HeartbeatInterval: time.Hour,
		LivenessTTL:       time.Minute,
		LockTTL:           time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, c.Heartbeat(context.Background()))
	return c
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		rdb:   rdb,
		store: store.NewMemory(),
		src:   newFakeSource(),
		sink:  newFakeSink(),
		pub:   &fakePublisher{},
		dir:   t.TempDir(),
	}
	h.o = h.instance(t, newCoordinator(t, rdb, "a"))
	return h
}

// instance builds another orchestrator sharing the harness collaborators.
func (h *harness) instance(t *testing.T, c mediarelay.Coordinator) *mediarelay.Orchestrator {
	t.Helper()
	o, err := mediarelay.New(mediarelay.Deps{
		Store:       h.store,
		Source:      h.src,
		Sink:        h.sink,
		Coordinator: c,
		Publisher:   h.pub,
	}, mediarelay.Config{
		DownloadDir:       h.dir,
		MediaSession:      session,
		LockTTL:           time.Minute,
		VerifyAttempts:    2,
		VerifyBackoff:     time.Millisecond,
		CallBackoff:       time.Millisecond,
		RecoveryBatchSize: 2,
		PrivilegedOwners:  []int64{admin},
	}, mediarelay.WithLogger(quietLogger()))
	require.NoError(t, err)
	return o
}

// drain delivers published triggers until none are left.
func (h *harness) drain(t *testing.T, o *mediarelay.Orchestrator) []mediarelay.Result {
	t.Helper()
	var results []mediarelay.Result
	for i := 0; i < 10; i++ {
		batch := h.pub.take()
		if len(batch) == 0 {
			return results
		}
		for _, tr := range batch {
			switch tr.job {
			case mediarelay.JobDownload:
				results = append(results, o.HandleDownload(context.Background(), tr.key))
			case mediarelay.JobUpload:
				results = append(results, o.HandleUpload(context.Background(), tr.key))
			default:
				t.Fatalf("unexpected trigger %q", tr.job)
			}
		}
	}
	t.Fatal("triggers did not settle")
	return nil
}

func (h *harness) submit(t *testing.T, msgID, size int64, name string) *mediarelay.Task {
	t.Helper()
	h.src.add(msgID, size, name)
	task, err := h.o.SubmitSingle(context.Background(), mediarelay.Target{ChatID: chat, ReplyTo: msgID},
		mediarelay.MediaRef{MessageID: msgID, FileName: name, FileSize: size}, owner, "")
	require.NoError(t, err)
	return task
}

func (h *harness) status(t *testing.T, id string) *mediarelay.Task {
	t.Helper()
	task, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestTransferHappyPath(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, 1, tenMiB, "clip.mp4")

	results := h.drain(t, h.o)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Success, r.Message)
	}

	require.Equal(t, []mediarelay.Status{
		mediarelay.StatusQueued,
		mediarelay.StatusDownloading,
		mediarelay.StatusDownloaded,
		mediarelay.StatusUploading,
		mediarelay.StatusCompleted,
	}, h.store.History(task.ID))
	require.Equal(t, int32(1), h.src.downloads.Load())
	require.Equal(t, int32(1), h.sink.uploads.Load())

	got := h.status(t, task.ID)
	require.NotEmpty(t, got.LocalPath)
	_, err := os.Stat(got.LocalPath)
	require.ErrorIs(t, err, os.ErrNotExist, "local copy is removed after upload")
	require.Zero(t, h.o.ActiveTasks())
}

func TestDuplicateTriggerForCompletedTaskIsNoop(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, 1, 4096, "a.bin")
	h.drain(t, h.o)
	require.Equal(t, mediarelay.StatusCompleted, h.status(t, task.ID).Status)

	res := h.o.HandleDownload(context.Background(), task.ID)
	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res = h.o.HandleUpload(context.Background(), task.ID)
	require.Equal(t, http.StatusOK, res.StatusCode)

	require.Equal(t, int32(1), h.src.downloads.Load())
	require.Equal(t, int32(1), h.sink.uploads.Load())
	require.Empty(t, h.pub.take())
}

func TestInstantTransfer(t *testing.T) {
	h := newHarness(t)
	h.sink.put("clip.mp4", owner, tenMiB+1000)
	task := h.submit(t, 1, tenMiB, "clip.mp4")

	results := h.drain(t, h.o)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)

	require.Equal(t, []mediarelay.Status{mediarelay.StatusQueued, mediarelay.StatusCompleted}, h.store.History(task.ID))
	require.Zero(t, h.src.downloads.Load())
	require.Zero(t, h.sink.uploads.Load())
}

func TestRecoverStalled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-130 * time.Second)

	mk := func(id string, msgID int64, s mediarelay.Status, updated time.Time) *mediarelay.Task {
		return &mediarelay.Task{
			ID: id, OwnerID: owner, ChatID: chat, SourceMessageID: msgID,
			FileName: id + ".bin", FileSize: 4096, Status: s,
			CreatedAt: updated, UpdatedAt: updated,
		}
	}
	for _, id := range []int64{1, 2, 3, 4, 5} {
		h.src.add(id, 4096, "x")
	}

	stuck := mk("stuck", 1, mediarelay.StatusDownloading, old)
	fresh := mk("fresh", 2, mediarelay.StatusQueued, now)
	done := mk("done", 3, mediarelay.StatusCompleted, old)
	ready := mk("ready", 4, mediarelay.StatusDownloaded, old)
	ready.LocalPath = filepath.Join(h.dir, "ready", "ready.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(ready.LocalPath), 0o755))
	require.NoError(t, os.WriteFile(ready.LocalPath, make([]byte, 4096), 0o644))
	gone := mk("gone", 42, mediarelay.StatusQueued, old)
	require.NoError(t, h.store.CreateBatch(ctx, []*mediarelay.Task{stuck, fresh, done, ready, gone}))

	n, err := h.o.RecoverStalled(ctx, 120*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []trigger{
		{job: mediarelay.JobDownload, key: "stuck"},
		{job: mediarelay.JobUpload, key: "ready"},
	}, h.pub.take())

	g := h.status(t, "gone")
	require.Equal(t, mediarelay.StatusFailed, g.Status)
	require.Equal(t, mediarelay.StatusQueued, h.status(t, "fresh").Status)
	require.Equal(t, mediarelay.StatusCompleted, h.status(t, "done").Status)

	// The republished download starts from scratch; there was no partial file.
	res := h.o.HandleDownload(ctx, "stuck")
	require.True(t, res.Success, res.Message)
	require.Equal(t, int32(1), h.src.downloads.Load())
	require.Equal(t, mediarelay.StatusDownloaded, h.status(t, "stuck").Status)
}

func TestCancelDuringDownload(t *testing.T) {
	h := newHarness(t)
	h.src.add(1, tenMiB, "clip.mp4")

	var taskID string
	h.src.onChunk = func(_ string, i int) {
		if i == 1 {
			ok, err := h.o.Cancel(context.Background(), taskID, owner)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	task, err := h.o.SubmitSingle(context.Background(), mediarelay.Target{ChatID: chat},
		mediarelay.MediaRef{MessageID: 1, FileName: "clip.mp4", FileSize: tenMiB}, owner, "")
	require.NoError(t, err)
	taskID = task.ID

	results := h.drain(t, h.o)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "cancelled", results[0].Message)

	got := h.status(t, task.ID)
	require.Equal(t, mediarelay.StatusCancelled, got.Status)
	require.Equal(t, "user cancelled", got.ErrorMessage)
	require.NotContains(t, h.store.History(task.ID), mediarelay.StatusFailed)
	require.Zero(t, h.sink.uploads.Load())
}

func TestDuplicateDeliveryAcrossInstances(t *testing.T) {
	h := newHarness(t)
	a := h.instance(t, alwaysLeader{newCoordinator(t, h.rdb, "a")})
	b := h.instance(t, alwaysLeader{newCoordinator(t, h.rdb, "b")})
	task := h.submit(t, 1, 4096, "a.bin")
	h.pub.take()

	h.src.started = make(chan struct{})
	h.src.release = make(chan struct{})

	first := make(chan mediarelay.Result, 1)
	go func() { first <- a.HandleDownload(context.Background(), task.ID) }()
	<-h.src.started

	res := b.HandleDownload(context.Background(), task.ID)
	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.StatusCode)

	close(h.src.release)
	res = <-first
	require.True(t, res.Success, res.Message)

	require.Equal(t, int32(1), h.src.downloads.Load())
	require.Equal(t, []mediarelay.Status{
		mediarelay.StatusQueued, mediarelay.StatusDownloading, mediarelay.StatusDownloaded,
	}, h.store.History(task.ID))
	require.Equal(t, []trigger{{job: mediarelay.JobUpload, key: task.ID}}, h.pub.take())
}

func TestNonLeaderIsUnavailable(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, 1, 4096, "a.bin")

	follower := h.instance(t, newCoordinator(t, h.rdb, "b"))
	res := follower.HandleDownload(context.Background(), task.ID)
	require.False(t, res.Success)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	require.True(t, res.Retryable())
	require.Equal(t, mediarelay.StatusQueued, h.status(t, task.ID).Status)
	require.Zero(t, h.src.downloads.Load())
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	h := newHarness(t)
	res := h.o.HandleDownload(context.Background(), "nope")
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = h.o.HandleUpload(context.Background(), "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMissingSourceMessageFails(t *testing.T) {
	h := newHarness(t)
	task, err := h.o.SubmitSingle(context.Background(), mediarelay.Target{ChatID: chat},
		mediarelay.MediaRef{MessageID: 404, FileName: "a.bin", FileSize: 4096}, owner, "")
	require.NoError(t, err)

	results := h.drain(t, h.o)
	require.Len(t, results, 1)
	require.Equal(t, http.StatusNotFound, results[0].StatusCode)

	got := h.status(t, task.ID)
	require.Equal(t, mediarelay.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "source message not found")
}

func TestVerifyMismatchFailsAndCleansUp(t *testing.T) {
	h := newHarness(t)
	h.sink.skew = 64 * 1024
	task := h.submit(t, 1, 4096, "a.bin")

	results := h.drain(t, h.o)
	require.Len(t, results, 2)
	require.Equal(t, http.StatusInternalServerError, results[1].StatusCode)

	got := h.status(t, task.ID)
	require.Equal(t, mediarelay.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "size mismatch")
	_, err := os.Stat(got.LocalPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestUploadWithoutLocalFileRedownloads(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, 1, 4096, "a.bin")

	require.True(t, h.o.HandleDownload(context.Background(), task.ID).Success)
	require.Equal(t, []trigger{{job: mediarelay.JobUpload, key: task.ID}}, h.pub.take())
	require.NoError(t, os.RemoveAll(h.dir))

	res := h.o.HandleUpload(context.Background(), task.ID)
	require.True(t, res.Success)
	require.Equal(t, []trigger{{job: mediarelay.JobDownload, key: task.ID}}, h.pub.take())
	require.Equal(t, mediarelay.StatusDownloaded, h.status(t, task.ID).Status)

	require.True(t, h.o.HandleDownload(context.Background(), task.ID).Success)
	h.drain(t, h.o)
	require.Equal(t, mediarelay.StatusCompleted, h.status(t, task.ID).Status)
	require.Equal(t, int32(2), h.src.downloads.Load())
}

func TestCancelPermissions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.submit(t, 1, 4096, "a.bin")

	ok, err := h.o.Cancel(ctx, "unknown-id", owner)
	require.False(t, ok)
	require.ErrorIs(t, err, mediarelay.ErrTaskNotFound)

	ok, err = h.o.Cancel(ctx, task.ID, owner+1)
	require.False(t, ok)
	require.ErrorIs(t, err, mediarelay.ErrPermissionDenied)
	require.Equal(t, []mediarelay.Status{mediarelay.StatusQueued}, h.store.History(task.ID))

	ok, err = h.o.Cancel(ctx, task.ID, admin)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mediarelay.StatusCancelled, h.status(t, task.ID).Status)

	// terminal: still true, nothing changes
	ok, err = h.o.Cancel(ctx, task.ID, owner)
	require.NoError(t, err)
	require.True(t, ok)

	// the pending trigger is now a no-op
	results := h.drain(t, h.o)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Zero(t, h.src.downloads.Load())
}

func TestSubmitAndCancelGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	refs := make([]mediarelay.MediaRef, 3)
	for i := range refs {
		id := int64(i + 1)
		h.src.add(id, 4096, "f"+strconv.Itoa(i))
		refs[i] = mediarelay.MediaRef{MessageID: id, FileName: "f" + strconv.Itoa(i), FileSize: 4096}
	}

	_, err := h.o.SubmitGroup(ctx, mediarelay.Target{ChatID: chat}, nil, owner)
	require.ErrorIs(t, err, mediarelay.ErrEmptyGroup)

	tasks, err := h.o.SubmitGroup(ctx, mediarelay.Target{ChatID: chat}, refs, owner)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	groupID := tasks[0].GroupID
	require.NotEmpty(t, groupID)
	for _, task := range tasks {
		require.Equal(t, groupID, task.GroupID)
		require.Equal(t, tasks[0].StatusMessageID, task.StatusMessageID)
	}
	require.Len(t, h.pub.take(), 3)

	// finish one task so the group is mixed
	require.True(t, h.o.HandleDownload(ctx, tasks[0].ID).Success)
	require.True(t, h.o.HandleUpload(ctx, tasks[0].ID).Success)
	h.pub.take()

	ok, err := h.o.CancelGroup(ctx, groupID, owner+1)
	require.False(t, ok)
	require.ErrorIs(t, err, mediarelay.ErrPermissionDenied)

	ok, err = h.o.CancelGroup(ctx, groupID, owner)
	require.NoError(t, err)
	require.True(t, ok)

	group, err := h.store.FindByGroupID(ctx, groupID)
	require.NoError(t, err)
	counts := map[mediarelay.Status]int{}
	for _, task := range group {
		counts[task.Status]++
	}
	require.Equal(t, map[mediarelay.Status]int{mediarelay.StatusCompleted: 1, mediarelay.StatusCancelled: 2}, counts)
}

func TestBatchTriggerFansOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	refs := []mediarelay.MediaRef{{MessageID: 1, FileName: "a", FileSize: 1}, {MessageID: 2, FileName: "b", FileSize: 1}}
	tasks, err := h.o.SubmitGroup(ctx, mediarelay.Target{ChatID: chat}, refs, owner)
	require.NoError(t, err)
	h.pub.take()

	ok, err := h.o.Cancel(ctx, tasks[1].ID, owner)
	require.NoError(t, err)
	require.True(t, ok)

	res := h.o.HandleBatch(ctx, mediarelay.BatchTrigger{GroupID: tasks[0].GroupID})
	require.True(t, res.Success)
	require.Equal(t, []trigger{{job: mediarelay.JobDownload, key: tasks[0].ID}}, h.pub.take())

	res = h.o.HandleBatch(ctx, mediarelay.BatchTrigger{TaskIDs: []string{"missing"}})
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = h.o.HandleBatch(ctx, mediarelay.BatchTrigger{})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRegisterRoutesTriggers(t *testing.T) {
	h := newHarness(t)
	m := mediarelay.NewMux()
	h.o.Register(m)
	require.Equal(t, []string{mediarelay.JobBatch, mediarelay.JobDownload, mediarelay.JobUpload}, m.JobTypes())

	res := m.Dispatch(context.Background(), mediarelay.JobDownload, []byte(`{"taskId":"nope"}`))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res = m.Dispatch(context.Background(), mediarelay.JobDownload, []byte(`{`))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res = m.Dispatch(context.Background(), mediarelay.JobDownload, []byte(`{"task_id":"nope"}`))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, "unknown trigger fields are malformed")
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := mediarelay.New(mediarelay.Deps{}, mediarelay.Config{})
	require.ErrorContains(t, err, "Store, Source, Sink, Coordinator, Publisher")
}

func TestDedupDoesNotSwallowDeferredDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.submit(t, 1, 4096, "a.bin")
	h.pub.take()

	m := mediarelay.NewMux()
	m.Use(mediarelay.Dedup(dedup.New(dedup.Config{Redis: h.rdb}), nil))
	h.o.Register(m)
	payload := []byte(`{"taskId":"` + task.ID + `"}`)
	dctx := mediarelay.WithDelivery(ctx, mediarelay.DeliveryInfo{MessageID: "M", JobType: mediarelay.JobDownload})

	other := newCoordinator(t, h.rdb, "z")
	token, ok, err := other.AcquireTaskLock(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	res := m.Dispatch(dctx, mediarelay.JobDownload, payload)
	require.True(t, res.Success)
	require.True(t, res.Deferred)
	require.Zero(t, h.src.downloads.Load())

	// the holder gives up without finishing; the same message comes back
	require.NoError(t, other.ReleaseTaskLock(ctx, task.ID, token))
	res = m.Dispatch(dctx, mediarelay.JobDownload, payload)
	require.True(t, res.Success, res.Message)
	require.False(t, res.Deferred)
	require.Equal(t, int32(1), h.src.downloads.Load())
	require.Equal(t, mediarelay.StatusDownloaded, h.status(t, task.ID).Status)

	res = m.Dispatch(dctx, mediarelay.JobDownload, payload)
	require.Equal(t, "duplicate delivery", res.Message)
	require.Equal(t, int32(1), h.src.downloads.Load())
}

func TestTransientDownloadFailureIsRedelivered(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, 1, 4096, "a.bin")
	h.pub.take()
	h.src.failures.Store(3)

	res := h.o.HandleDownload(context.Background(), task.ID)
	require.False(t, res.Success)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	require.True(t, res.Retryable())
	require.Equal(t, []mediarelay.Status{mediarelay.StatusQueued, mediarelay.StatusDownloading}, h.store.History(task.ID))
	require.Empty(t, h.status(t, task.ID).ErrorMessage)

	res = h.o.HandleDownload(context.Background(), task.ID)
	require.True(t, res.Success, res.Message)
	require.Equal(t, int32(4), h.src.downloads.Load())
	h.drain(t, h.o)
	require.Equal(t, mediarelay.StatusCompleted, h.status(t, task.ID).Status)
}

func TestTransientUploadFailureKeepsLocalCopy(t *testing.T) {
	h := newHarness(t)
	task := h.submit(t, 1, 4096, "a.bin")
	h.pub.take()
	require.True(t, h.o.HandleDownload(context.Background(), task.ID).Success)
	h.pub.take()
	h.sink.failures.Store(3)

	res := h.o.HandleUpload(context.Background(), task.ID)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	got := h.status(t, task.ID)
	require.Equal(t, mediarelay.StatusUploading, got.Status)
	_, err := os.Stat(got.LocalPath)
	require.NoError(t, err, "local copy survives for the redelivery")

	res = h.o.HandleUpload(context.Background(), task.ID)
	require.True(t, res.Success, res.Message)
	require.Equal(t, mediarelay.StatusCompleted, h.status(t, task.ID).Status)
	require.Equal(t, int32(1), h.src.downloads.Load())
	_, err = os.Stat(got.LocalPath)
	require.ErrorIs(t, err, os.ErrNotExist)
}

type brokenStore struct{ *store.Memory }

var errStoreDown = errors.New("store down")

func (brokenStore) Create(context.Context, *mediarelay.Task) error        { return errStoreDown }
func (brokenStore) CreateBatch(context.Context, []*mediarelay.Task) error { return errStoreDown }

type recordingNotifier struct {
	mu     sync.Mutex
	tasks  []mediarelay.Task
	groups [][]mediarelay.Status
}

func (n *recordingNotifier) Acknowledge(context.Context, int64, int64, string) (int64, error) {
	return 55, nil
}

func (n *recordingNotifier) RenderTask(_ context.Context, t *mediarelay.Task, _ mediarelay.Progress) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, *t)
	return nil
}

func (n *recordingNotifier) RenderGroup(_ context.Context, _, _ int64, tasks []*mediarelay.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ss []mediarelay.Status
	for _, t := range tasks {
		ss = append(ss, t.Status)
	}
	n.groups = append(n.groups, ss)
	return nil
}

func TestSubmitReportsStoreFailureToUser(t *testing.T) {
	h := newHarness(t)
	n := &recordingNotifier{}
	o, err := mediarelay.New(mediarelay.Deps{
		Store:       brokenStore{h.store},
		Source:      h.src,
		Sink:        h.sink,
		Coordinator: newCoordinator(t, h.rdb, "a"),
		Publisher:   h.pub,
	}, mediarelay.Config{DownloadDir: h.dir}, mediarelay.WithLogger(quietLogger()), mediarelay.WithNotifier(n))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = o.SubmitSingle(ctx, mediarelay.Target{ChatID: chat}, mediarelay.MediaRef{MessageID: 1, FileName: "a.bin", FileSize: 1}, owner, "")
	require.ErrorIs(t, err, errStoreDown)
	require.Len(t, n.tasks, 1)
	require.Equal(t, mediarelay.StatusFailed, n.tasks[0].Status)
	require.Equal(t, int64(55), n.tasks[0].StatusMessageID)
	require.Contains(t, n.tasks[0].ErrorMessage, "store down")

	refs := []mediarelay.MediaRef{{MessageID: 1, FileName: "a"}, {MessageID: 2, FileName: "b"}}
	_, err = o.SubmitGroup(ctx, mediarelay.Target{ChatID: chat}, refs, owner)
	require.ErrorIs(t, err, errStoreDown)
	require.Equal(t, [][]mediarelay.Status{{mediarelay.StatusFailed, mediarelay.StatusFailed}}, n.groups)
	require.Empty(t, h.pub.take(), "nothing is published for unsaved tasks")
}
