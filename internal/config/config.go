package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"queuewatch/internal/domain"
)

const (
	RegistrySQLite = "sqlite"
	RegistryDynamo = "dynamodb"

	TransportLocal = "local"
	TransportSQS   = "sqs"
	TransportRedis = "redis"
)

// maxBatchSize mirrors the SQS ReceiveMessage ceiling.
const maxBatchSize = 10

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,255}$`)

// Config is the process-wide configuration for the watcher.
type Config struct {
	// Logger receives every orchestrator log line. The zero value discards.
	Logger zerolog.Logger

	TableName    string
	LegacyCompat bool
	// AutoConfirm confirms subscription handshakes on every queue, not just
	// the ones whose record opts in.
	AutoConfirm bool

	ProcessingVisibility time.Duration
	ConfirmTimeout       time.Duration
	ConfirmAllowedHosts  []string
	ConfirmAllowInsecure bool

	Queue QueueDefaults

	Registry       string
	Transport      string
	DBPath         string
	RedisAddr      string
	RedisDB        int
	AWSRegion      string
	AWSEndpoint    string
	HTTPAddr       string
	ResyncSchedule string
	LogLevel       string
	LogJSON        bool
}

// QueueDefaults are applied to every watched queue unless the queue's record
// overrides them.
type QueueDefaults struct {
	Concurrency       int
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	WaitTime          time.Duration
}

// QueueOptions is the merged per-queue result of QueueDefaults and a record.
type QueueOptions struct {
	Name              string
	Concurrency       int
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	WaitTime          time.Duration
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Logger:               log.Logger,
		TableName:            "queue_watches",
		ProcessingVisibility: 30 * time.Second,
		ConfirmTimeout:       10 * time.Second,
		Queue: QueueDefaults{
			Concurrency:       1,
			BatchSize:         1,
			VisibilityTimeout: 30 * time.Second,
			PollInterval:      250 * time.Millisecond,
			WaitTime:          20 * time.Second,
		},
		Registry:  RegistrySQLite,
		Transport: TransportLocal,
		DBPath:    "queuewatch.db",
		RedisAddr: "localhost:6379",
		HTTPAddr:  ":8080",
		LogLevel:  "info",
	}
}

// FromEnv overrides cfg with QUEUEWATCH_* environment variables.
func FromEnv(cfg *Config) {
	cfg.TableName = getEnv("QUEUEWATCH_TABLE_NAME", cfg.TableName)
	cfg.LegacyCompat = getEnvBool("QUEUEWATCH_LEGACY_COMPAT", cfg.LegacyCompat)
	cfg.AutoConfirm = getEnvBool("QUEUEWATCH_AUTO_CONFIRM", cfg.AutoConfirm)
	cfg.ProcessingVisibility = getEnvDuration("QUEUEWATCH_PROCESSING_VISIBILITY", cfg.ProcessingVisibility)
	cfg.ConfirmTimeout = getEnvDuration("QUEUEWATCH_CONFIRM_TIMEOUT", cfg.ConfirmTimeout)
	if v := os.Getenv("QUEUEWATCH_CONFIRM_ALLOWED_HOSTS"); v != "" {
		cfg.ConfirmAllowedHosts = splitList(v)
	}
	cfg.ConfirmAllowInsecure = getEnvBool("QUEUEWATCH_CONFIRM_ALLOW_INSECURE", cfg.ConfirmAllowInsecure)

	cfg.Queue.Concurrency = getEnvInt("QUEUEWATCH_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.BatchSize = getEnvInt("QUEUEWATCH_BATCH_SIZE", cfg.Queue.BatchSize)
	cfg.Queue.VisibilityTimeout = getEnvDuration("QUEUEWATCH_VISIBILITY_TIMEOUT", cfg.Queue.VisibilityTimeout)
	cfg.Queue.PollInterval = getEnvDuration("QUEUEWATCH_POLL_INTERVAL", cfg.Queue.PollInterval)
	cfg.Queue.WaitTime = getEnvDuration("QUEUEWATCH_WAIT_TIME", cfg.Queue.WaitTime)

	cfg.Registry = getEnv("QUEUEWATCH_REGISTRY", cfg.Registry)
	cfg.Transport = getEnv("QUEUEWATCH_TRANSPORT", cfg.Transport)
	cfg.DBPath = getEnv("QUEUEWATCH_DB", cfg.DBPath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.AWSEndpoint = getEnv("QUEUEWATCH_AWS_ENDPOINT", cfg.AWSEndpoint)
	cfg.HTTPAddr = getEnv("QUEUEWATCH_HTTP_ADDR", cfg.HTTPAddr)
	cfg.ResyncSchedule = getEnv("QUEUEWATCH_RESYNC", cfg.ResyncSchedule)
	cfg.LogLevel = getEnv("QUEUEWATCH_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getEnvBool("QUEUEWATCH_LOG_JSON", cfg.LogJSON)
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if !tableNameRe.MatchString(c.TableName) {
		return fmt.Errorf("invalid table name %q", c.TableName)
	}
	if c.ProcessingVisibility <= 0 || c.ProcessingVisibility > 12*time.Hour {
		return fmt.Errorf("processing visibility must be within (0, 12h], got %s", c.ProcessingVisibility)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("confirm timeout must be positive")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > maxBatchSize {
		return fmt.Errorf("batch size must be within [1, %d], got %d", maxBatchSize, c.Queue.BatchSize)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	switch c.Registry {
	case RegistrySQLite, RegistryDynamo:
	default:
		return fmt.Errorf("unknown registry %q", c.Registry)
	}
	switch c.Transport {
	case TransportLocal, TransportSQS, TransportRedis:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// For merges a record's per-queue overrides over the defaults.
func (d QueueDefaults) For(rec domain.WatchRecord) QueueOptions {
	opts := QueueOptions{
		Name:              rec.QueueName,
		Concurrency:       d.Concurrency,
		BatchSize:         d.BatchSize,
		VisibilityTimeout: d.VisibilityTimeout,
		PollInterval:      d.PollInterval,
		WaitTime:          d.WaitTime,
	}
	if n, ok := rec.IntExtra(domain.ConcurrencyKey); ok && n > 0 {
		opts.Concurrency = n
	}
	if n, ok := rec.IntExtra(domain.BatchSizeKey); ok && n > 0 {
		if n > maxBatchSize {
			n = maxBatchSize
		}
		opts.BatchSize = n
	}
	if n, ok := rec.IntExtra(domain.VisibilityTimeoutKey); ok && n > 0 {
		opts.VisibilityTimeout = time.Duration(n) * time.Second
	}
	return opts
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
