package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// EnvConfigFile names the JSON config file when -config is not given.
const EnvConfigFile = "RELAY_CONFIG"

// Load builds a Config from defaults, the JSON file named by -config (or
// RELAY_CONFIG), environment variables and finally flags explicitly set in
// args. getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	fs, set := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := set.configFile
	if path == "" {
		path = getenv(EnvConfigFile)
	}
	if path != "" {
		if err := parseJSONFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := parseEnv(cfg, getenv); err != nil {
		return nil, err
	}
	set.apply(fs, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func parseJSONFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	// decoding over the populated struct keeps defaults for absent keys
	if err := sonic.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// parseEnv applies the supported environment overrides.
func parseEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"REDIS_ADDR":          &cfg.Redis.Addr,
		"REDIS_PASSWORD":      &cfg.Redis.Password,
		"DATABASE_DSN":        &cfg.DatabaseDSN,
		"S3_BUCKET":           &cfg.S3.Bucket,
		"S3_REGION":           &cfg.S3.Region,
		"S3_ENDPOINT":         &cfg.S3.Endpoint,
		"S3_ACCESS_KEY":       &cfg.S3.AccessKey,
		"S3_SECRET_KEY":       &cfg.S3.SecretKey,
		"SOURCE_URL":          &cfg.Source.BaseURL,
		"SOURCE_TOKEN":        &cfg.Source.Token,
		"WEBHOOK_ADDR":        &cfg.Webhook.Addr,
		"WEBHOOK_CURRENT_KEY": &cfg.Webhook.CurrentKey,
		"WEBHOOK_NEXT_KEY":    &cfg.Webhook.NextKey,
		"INSTANCE_ID":         &cfg.Coord.InstanceID,
		"DOWNLOAD_DIR":        &cfg.Orchestrator.DownloadDir,
		"LOG_LEVEL":           &cfg.LogLevel,
	}
	for k, dst := range str {
		if v := getenv(k); v != "" {
			*dst = v
		}
	}
	if v := getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := getenv("PRIVILEGED_OWNERS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("config: PRIVILEGED_OWNERS: %w", err)
		}
		cfg.Orchestrator.PrivilegedOwners = ids
	}
	return nil
}

func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// flagValues receives flag values; only flags present in args are applied
// so that they override JSON and env without clobbering them with defaults.
type flagValues struct {
	configFile  string
	redisAddr   string
	dsn         string
	listen      string
	instance    string
	downloadDir string
	strategy    string
	concurrency int
	lockTTL     time.Duration
	logLevel    string
	logFormat   string
}

func newFlagSet(cfg *Config) (*flag.FlagSet, *flagValues) {
	v := &flagValues{}
	fs := flag.NewFlagSet("relayd", flag.ContinueOnError)
	fs.StringVar(&v.configFile, "config", "", "path to a JSON config file")
	fs.StringVar(&v.redisAddr, "redis", cfg.Redis.Addr, "redis address")
	fs.StringVar(&v.dsn, "dsn", cfg.DatabaseDSN, "PostgreSQL DSN; empty uses the in-memory store")
	fs.StringVar(&v.listen, "listen", cfg.Webhook.Addr, "webhook listen address; empty disables it")
	fs.StringVar(&v.instance, "instance", cfg.Coord.InstanceID, "instance id")
	fs.StringVar(&v.downloadDir, "download-dir", cfg.Orchestrator.DownloadDir, "local download directory")
	fs.StringVar(&v.strategy, "strategy", cfg.Coord.Strategy, "leader strategy: election or lease")
	fs.IntVar(&v.concurrency, "concurrency", cfg.Queue.Concurrency, "queue worker goroutines")
	fs.DurationVar(&v.lockTTL, "lock-ttl", cfg.Coord.LockTTL.Duration, "per-task lock TTL")
	fs.StringVar(&v.logLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&v.logFormat, "log-format", cfg.LogFormat, "text or json")
	return fs, v
}

func (v *flagValues) apply(fs *flag.FlagSet, cfg *Config) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "redis":
			cfg.Redis.Addr = v.redisAddr
		case "dsn":
			cfg.DatabaseDSN = v.dsn
		case "listen":
			cfg.Webhook.Addr = v.listen
		case "instance":
			cfg.Coord.InstanceID = v.instance
		case "download-dir":
			cfg.Orchestrator.DownloadDir = v.downloadDir
		case "strategy":
			cfg.Coord.Strategy = v.strategy
		case "concurrency":
			cfg.Queue.Concurrency = v.concurrency
		case "lock-ttl":
			cfg.Coord.LockTTL = Duration{v.lockTTL}
		case "log-level":
			cfg.LogLevel = v.logLevel
		case "log-format":
			cfg.LogFormat = v.logFormat
		}
	})
}
