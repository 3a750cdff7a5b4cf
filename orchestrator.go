package mediarelay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/mediarelay/internal/retry"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config tunes the Orchestrator. Zero values pick defaults.
type Config struct {
	// DownloadDir holds local copies between the download and upload phases.
	DownloadDir string
	// MediaSession names the singleton resource whose leader may use the
	// source session. Defaults to "media-session".
	MediaSession string
	// ProgressInterval throttles per-task progress renders. Defaults to 3s.
	ProgressInterval time.Duration
	// GroupRefreshInterval throttles group renders; terminal changes render
	// immediately. Defaults to 2s.
	GroupRefreshInterval time.Duration
	// LockTTL must match the coordinator's task lock TTL; the lock is
	// refreshed on progress once half of it has elapsed. Defaults to 30m.
	LockTTL time.Duration
	// VerifyDelay absorbs sink eventual consistency before verification.
	VerifyDelay time.Duration
	// VerifyAttempts and VerifyBackoff bound post-upload verification.
	VerifyAttempts int
	VerifyBackoff  time.Duration
	// CallAttempts and CallBackoff bound retries of transient source and sink failures.
	CallAttempts int
	CallBackoff  time.Duration
	// RecoveryBatchSize triggers are republished between RecoveryBatchDelay pauses.
	RecoveryBatchSize  int
	RecoveryBatchDelay time.Duration
	// PrivilegedOwners may cancel any task.
	PrivilegedOwners []int64
}

func (c *Config) setDefaults() {
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(os.TempDir(), "mediarelay")
	}
	if c.MediaSession == "" {
		c.MediaSession = "media-session"
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 3 * time.Second
	}
	if c.GroupRefreshInterval <= 0 {
		c.GroupRefreshInterval = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.VerifyDelay < 0 {
		c.VerifyDelay = 0
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 4
	}
	if c.VerifyBackoff <= 0 {
		c.VerifyBackoff = time.Second
	}
	if c.CallAttempts <= 0 {
		c.CallAttempts = 3
	}
	if c.CallBackoff <= 0 {
		c.CallBackoff = 500 * time.Millisecond
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = 10
	}
	if c.RecoveryBatchDelay < 0 {
		c.RecoveryBatchDelay = 0
	}
}

// Deps are the collaborators the Orchestrator cannot work without.
type Deps struct {
	Store       TaskStore
	Source      MediaSource
	Sink        StorageSink
	Coordinator Coordinator
	Publisher   Publisher
}

// Orchestrator owns the task state machine. One instance is built at process
// start; its in-memory tables (active handlers, cancel flags, render
// throttles) are per-process and never authoritative.
type Orchestrator struct {
	store   TaskStore
	source  MediaSource
	sink    StorageSink
	coord   Coordinator
	pub     Publisher
	notify  Notifier
	limiter RateLimiter
	enc     Encoder
	log     Logger
	now     func() time.Time

	cfg         Config
	callRetry   retry.Policy
	verifyRetry retry.Policy
	privileged  map[int64]struct{}

	mu        sync.Mutex
	active    map[string]*attempt
	cancelled *expirable.LRU[string, struct{}]

	renders *throttle
}

var errMissingDep = errors.New("mediarelay: missing dependency")

// New builds an Orchestrator.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	var missing []string
	if deps.Store == nil {
		missing = append(missing, "Store")
	}
	if deps.Source == nil {
		missing = append(missing, "Source")
	}
	if deps.Sink == nil {
		missing = append(missing, "Sink")
	}
	if deps.Coordinator == nil {
		missing = append(missing, "Coordinator")
	}
	if deps.Publisher == nil {
		missing = append(missing, "Publisher")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", errMissingDep, strings.Join(missing, ", "))
	}
	cfg.setDefaults()

	o := &Orchestrator{
		store:  deps.Store,
		source: deps.Source,
		sink:   deps.Sink,
		coord:  deps.Coordinator,
		pub:    deps.Publisher,
		log:    NewFmtLogger(),
		now:    time.Now,
		cfg:    cfg,
		active: make(map[string]*attempt),
		// Flags outlive the handler they target only long enough to catch a
		// late redelivery.
		cancelled: expirable.NewLRU[string, struct{}](8192, nil, time.Hour),
		renders:   newThrottle(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.notify == nil {
		o.notify = NewLogNotifier(o.log)
	}
	if o.limiter == nil {
		o.limiter = unlimited{}
	}
	if o.enc == nil {
		o.enc = &JSONEncoder{Strict: true}
	}
	o.privileged = make(map[int64]struct{}, len(cfg.PrivilegedOwners))
	for _, id := range cfg.PrivilegedOwners {
		o.privileged[id] = struct{}{}
	}
	o.callRetry = retry.Policy{
		MaxAttempts: cfg.CallAttempts,
		BaseDelay:   cfg.CallBackoff,
		MaxDelay:    30 * time.Second,
		Jitter:      cfg.CallBackoff / 4,
		Retryable: func(err error) bool {
			return IsTransient(err) && !errors.Is(err, errLockLost)
		},
	}
	o.verifyRetry = retry.Policy{
		MaxAttempts: cfg.VerifyAttempts,
		BaseDelay:   cfg.VerifyBackoff,
		MaxDelay:    30 * time.Second,
	}
	return o, nil
}

// Register installs the download, upload and batch handlers on m.
func (o *Orchestrator) Register(m *Mux) {
	m.Handle(JobDownload, decode(o.enc, func(ctx context.Context, tr DownloadTrigger) Result {
		return o.HandleDownload(ctx, tr.TaskID)
	}))
	m.Handle(JobUpload, decode(o.enc, func(ctx context.Context, tr UploadTrigger) Result {
		return o.HandleUpload(ctx, tr.TaskID)
	}))
	m.Handle(JobBatch, decode(o.enc, o.HandleBatch))
}

// ActiveTasks returns the number of handlers running in this process.
func (o *Orchestrator) ActiveTasks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) track(a *attempt) {
	id := a.task.ID
	o.mu.Lock()
	o.active[id] = a
	flagged := o.cancelled.Contains(id)
	o.mu.Unlock()
	if flagged {
		a.cancel(ErrCancelled)
	}
}

// untrack removes a only if no later attempt for the same task replaced it.
func (o *Orchestrator) untrack(a *attempt) {
	o.mu.Lock()
	if o.active[a.task.ID] == a {
		delete(o.active, a.task.ID)
	}
	o.mu.Unlock()
}

// localPath is where the task's file lives between phases.
func (o *Orchestrator) localPath(t *Task) string {
	if t.LocalPath != "" {
		return t.LocalPath
	}
	name := filepath.Base(filepath.Clean("/" + t.FileName))
	if name == "/" || name == "." {
		name = "file"
	}
	return filepath.Join(o.cfg.DownloadDir, t.ID, name)
}

func (o *Orchestrator) removeLocal(t *Task) {
	p := o.localPath(t)
	for _, f := range []string{p, p + ".part"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warnf("cleanup failed: task=%s path=%s err=%v", t.ID, f, err)
		}
	}
	// only succeeds when the per-task directory is empty
	_ = os.Remove(filepath.Dir(p))
}

func fileMatches(path string, size int64) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && IsSizeMatch(fi.Size(), size)
}
