// Package config loads process configuration for relayd: defaults, then an
// optional JSON file, then environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Duration is a time.Duration that decodes from "1m30s" strings or integer
// nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := sonic.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val)
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(d.String())
}

type Redis struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// S3 holds the object storage settings of the sink.
type S3 struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	PathStyle bool   `json:"path_style"`
	Prefix    string `json:"prefix"`
}

type Source struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

// Webhook configures the HTTP trigger endpoint. An empty Addr disables it.
type Webhook struct {
	Addr       string `json:"addr"`
	CurrentKey string `json:"current_key"`
	NextKey    string `json:"next_key"`
}

type Queue struct {
	Concurrency   int      `json:"concurrency"`
	VisibilityTTL Duration `json:"visibility_ttl"`
	MaxRetry      int      `json:"max_retry"`
	BatchSize     int      `json:"batch_size"`
	FlushInterval Duration `json:"flush_interval"`
	// DeadRetention of zero or less keeps dead triggers forever.
	DeadRetention Duration `json:"dead_retention"`
}

type Coord struct {
	// InstanceID defaults to a random id per process.
	InstanceID        string   `json:"instance_id"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	LivenessTTL       Duration `json:"liveness_ttl"`
	LockTTL           Duration `json:"lock_ttl"`
	LeaseTTL          Duration `json:"lease_ttl"`
	// Strategy is "election" or "lease".
	Strategy string `json:"strategy"`
}

type Orchestrator struct {
	DownloadDir          string   `json:"download_dir"`
	ProgressInterval     Duration `json:"progress_interval"`
	GroupRefreshInterval Duration `json:"group_refresh_interval"`
	VerifyDelay          Duration `json:"verify_delay"`
	VerifyAttempts       int      `json:"verify_attempts"`
	RecoveryAge          Duration `json:"recovery_age"`
	RecoveryBatchSize    int      `json:"recovery_batch_size"`
	RecoveryBatchDelay   Duration `json:"recovery_batch_delay"`
	PrivilegedOwners     []int64  `json:"privileged_owners"`
}

type Limiter struct {
	GlobalRate     float64 `json:"global_rate"`
	GlobalBurst    int     `json:"global_burst"`
	OwnerRate      float64 `json:"owner_rate"`
	OwnerBurst     int     `json:"owner_burst"`
	MinConcurrency int     `json:"min_concurrency"`
	MaxConcurrency int     `json:"max_concurrency"`
	// MaxRetries bounds the limiter's own retries of rate-limited calls.
	MaxRetries int `json:"max_retries"`
}

type Dedup struct {
	Enabled bool     `json:"enabled"`
	Size    int      `json:"size"`
	TTL     Duration `json:"ttl"`
}

// Config holds runtime settings for relayd.
//
// DatabaseDSN selects the PostgreSQL task store; when empty an in-memory
// store is used, which only makes sense for a single instance.
type Config struct {
	Redis        Redis        `json:"redis"`
	DatabaseDSN  string       `json:"database_dsn"`
	S3           S3           `json:"s3"`
	Source       Source       `json:"source"`
	Webhook      Webhook      `json:"webhook"`
	Queue        Queue        `json:"queue"`
	Coord        Coord        `json:"coord"`
	Orchestrator Orchestrator `json:"orchestrator"`
	Limiter      Limiter      `json:"limiter"`
	Dedup        Dedup        `json:"dedup"`
	// LogLevel is debug, info, warn or error; LogFormat is text or json.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: credentials here are for local MinIO only and must be overridden.
func (c *Config) LoadDefaults() {
	c.Redis = Redis{Addr: "127.0.0.1:6379"}
	c.S3 = S3{
		Bucket:    "media",
		Region:    "us-east-1",
		Endpoint:  "http://127.0.0.1:9000/",
		AccessKey: "admin",
		SecretKey: "secretpassword",
		PathStyle: true,
	}
	c.Source = Source{BaseURL: "http://127.0.0.1:8081"}
	c.Webhook = Webhook{Addr: ":8080"}
	c.Queue = Queue{
		Concurrency:   8,
		VisibilityTTL: Duration{45 * time.Minute},
		MaxRetry:      10,
		BatchSize:     50,
		FlushInterval: Duration{50 * time.Millisecond},
		DeadRetention: Duration{7 * 24 * time.Hour},
	}
	c.Coord = Coord{
		HeartbeatInterval: Duration{5 * time.Second},
		LivenessTTL:       Duration{15 * time.Second},
		LockTTL:           Duration{30 * time.Minute},
		LeaseTTL:          Duration{15 * time.Second},
		Strategy:          "election",
	}
	c.Orchestrator = Orchestrator{
		DownloadDir:          "downloads",
		ProgressInterval:     Duration{3 * time.Second},
		GroupRefreshInterval: Duration{2 * time.Second},
		VerifyDelay:          Duration{2 * time.Second},
		VerifyAttempts:       4,
		RecoveryAge:          Duration{2 * time.Minute},
		RecoveryBatchSize:    10,
		RecoveryBatchDelay:   Duration{time.Second},
	}
	c.Limiter = Limiter{
		GlobalRate: 30, GlobalBurst: 30,
		OwnerRate: 5, OwnerBurst: 5,
		MinConcurrency: 1, MaxConcurrency: 16,
		MaxRetries: 3,
	}
	c.Dedup = Dedup{Enabled: true, Size: 4096, TTL: Duration{10 * time.Minute}}
	c.LogLevel = "info"
	c.LogFormat = "text"
}

// Validate reports settings relayd cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis addr is required"))
	}
	if c.S3.Bucket == "" {
		errs = append(errs, errors.New("s3 bucket is required"))
	}
	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source base url is required"))
	}
	switch c.Coord.Strategy {
	case "election", "lease":
	default:
		errs = append(errs, fmt.Errorf("unknown coord strategy %q", c.Coord.Strategy))
	}
	if c.Queue.VisibilityTTL.Duration <= c.Coord.LockTTL.Duration/2 {
		errs = append(errs, errors.New("queue visibility ttl must exceed half the lock ttl"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
