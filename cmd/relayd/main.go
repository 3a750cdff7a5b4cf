package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/UniQw/mediarelay"
	"github.com/UniQw/mediarelay/internal/config"
	"github.com/UniQw/mediarelay/internal/coord"
	"github.com/UniQw/mediarelay/internal/dedup"
	"github.com/UniQw/mediarelay/internal/queue"
	"github.com/UniQw/mediarelay/internal/ratelimit"
	"github.com/UniQw/mediarelay/internal/sink"
	"github.com/UniQw/mediarelay/internal/source"
	"github.com/UniQw/mediarelay/internal/store"
	"github.com/UniQw/mediarelay/internal/webhook"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorf("relayd: %v", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *mediarelay.SlogLogger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return mediarelay.NewSlogLogger(slog.New(h))
}

func run(ctx context.Context, cfg *config.Config, log *mediarelay.SlogLogger) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	tasks, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	dst, err := sink.New(ctx, sink.Config{
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		PathStyle: cfg.S3.PathStyle,
		Prefix:    cfg.S3.Prefix,
	})
	if err != nil {
		return err
	}
	src, err := source.New(source.Config{BaseURL: cfg.Source.BaseURL, Token: cfg.Source.Token})
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:     rate.Limit(cfg.Limiter.GlobalRate),
		GlobalBurst:    cfg.Limiter.GlobalBurst,
		OwnerRate:      rate.Limit(cfg.Limiter.OwnerRate),
		OwnerBurst:     cfg.Limiter.OwnerBurst,
		MinConcurrency: cfg.Limiter.MinConcurrency,
		MaxConcurrency: cfg.Limiter.MaxConcurrency,
		MaxRetries:     cfg.Limiter.MaxRetries,
		Logger:         log,
	})

	instanceID := cfg.Coord.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	var orch *mediarelay.Orchestrator
	co, err := coord.New(rdb, coord.Config{
		InstanceID:        instanceID,
		HeartbeatInterval: cfg.Coord.HeartbeatInterval.Duration,
		LivenessTTL:       cfg.Coord.LivenessTTL.Duration,
		LockTTL:           cfg.Coord.LockTTL.Duration,
		LeaseTTL:          cfg.Coord.LeaseTTL.Duration,
		Strategy:          coord.Strategy(cfg.Coord.Strategy),
		ActiveTasks: func() int {
			if orch == nil {
				return 0
			}
			return orch.ActiveTasks()
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	routes := map[string]string{
		mediarelay.JobDownload: mediarelay.JobDownload,
		mediarelay.JobUpload:   mediarelay.JobUpload,
		mediarelay.JobBatch:    mediarelay.JobBatch,
	}
	pub := queue.NewPublisher(queue.NewRedisTransport(rdb), queue.PublisherConfig{
		Routes:        routes,
		BatchSize:     cfg.Queue.BatchSize,
		FlushInterval: cfg.Queue.FlushInterval.Duration,
		MaxRetry:      cfg.Queue.MaxRetry,
		ErrRetention:  retention(cfg.Queue.DeadRetention.Duration),
		Logger:        log,
	})
	defer pub.Close()

	orch, err = mediarelay.New(mediarelay.Deps{
		Store:       tasks,
		Source:      src,
		Sink:        dst,
		Coordinator: co,
		Publisher:   pub,
	}, mediarelay.Config{
		DownloadDir:          cfg.Orchestrator.DownloadDir,
		ProgressInterval:     cfg.Orchestrator.ProgressInterval.Duration,
		GroupRefreshInterval: cfg.Orchestrator.GroupRefreshInterval.Duration,
		LockTTL:              co.LockTTL(),
		VerifyDelay:          cfg.Orchestrator.VerifyDelay.Duration,
		VerifyAttempts:       cfg.Orchestrator.VerifyAttempts,
		RecoveryBatchSize:    cfg.Orchestrator.RecoveryBatchSize,
		RecoveryBatchDelay:   cfg.Orchestrator.RecoveryBatchDelay.Duration,
		PrivilegedOwners:     cfg.Orchestrator.PrivilegedOwners,
	}, mediarelay.WithLogger(log), mediarelay.WithRateLimiter(limiter))
	if err != nil {
		return err
	}
	co.OnCancel(orch.HandleCancelBroadcast)

	mux := mediarelay.NewMux()
	mux.Use(mediarelay.Recover(log))
	mux.Use(mediarelay.Logging(log))
	if cfg.Dedup.Enabled {
		mux.Use(mediarelay.Dedup(dedup.New(dedup.Config{
			Size:  cfg.Dedup.Size,
			TTL:   cfg.Dedup.TTL.Duration,
			Redis: rdb,
		}), log))
	}
	orch.Register(mux)

	if err := co.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	defer co.Stop()
	log.Infof("relayd started: instance=%s strategy=%s", instanceID, cfg.Coord.Strategy)

	srv := mediarelay.NewServer(rdb, mediarelay.ServerConfig{
		Queues:        map[string]int{mediarelay.JobDownload: 3, mediarelay.JobUpload: 3, mediarelay.JobBatch: 1},
		Concurrency:   cfg.Queue.Concurrency,
		VisibilityTTL: cfg.Queue.VisibilityTTL.Duration,
		Logger:        log,
	}, mux)
	srv.Start()
	defer srv.Stop()

	var hs *http.Server
	if cfg.Webhook.Addr != "" {
		routes := http.NewServeMux()
		routes.Handle(webhook.PathPrefix, webhook.New(mux, webhook.Config{
			CurrentKey: cfg.Webhook.CurrentKey,
			NextKey:    cfg.Webhook.NextKey,
			Logger:     log,
		}))
		hs = &http.Server{Addr: cfg.Webhook.Addr, Handler: routes, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Infof("webhook listening: addr=%s", cfg.Webhook.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("webhook server: %v", err)
			}
		}()
	}

	go func() {
		n, err := orch.RecoverStalled(ctx, cfg.Orchestrator.RecoveryAge.Duration)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("recovery failed: err=%v", err)
			return
		}
		log.Infof("recovery finished: republished=%d", n)
	}()

	<-ctx.Done()
	log.Infof("signal received; stopping relayd")
	if hs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			log.Warnf("webhook shutdown: %v", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log mediarelay.Logger) (mediarelay.TaskStore, *sql.DB, error) {
	if cfg.DatabaseDSN == "" {
		log.Warnf("no database dsn; using the in-memory task store")
		return store.NewMemory(), nil, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store.NewPostgres(db), db, nil
}

// retention maps a non-positive dead-letter retention to "keep forever".
func retention(d time.Duration) time.Duration {
	if d <= 0 {
		return -time.Second
	}
	return d
}
