package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string
	MaxBodyBytes    int64
	SyncInflight    int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Enabled        bool
	Concurrency    int
	JobTimeout     time.Duration
	CancelPoll     time.Duration
	JobMaxAttempts int
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// StorageConfig selects where uploads and results live between requests.
type StorageConfig struct {
	Backend            string // "redis"|"s3"
	Bucket             string
	Region             string
	Prefix             string
	EncryptionPassword string
	EncryptionFormat   string // "gcm"|"cbc"
	ResultTTL          time.Duration
}

// CompressConfig holds defaults for the compress operation.
type CompressConfig struct {
	DefaultQuality string
}

// Config is the top-level configuration.
type Config struct {
	Environment string
	Logging     LoggingConfig
	Axiom       AxiomConfig
	Server      ServerConfig
	Worker      WorkerConfig
	Queue       QueueConfig
	Storage     StorageConfig
	Compress    CompressConfig
}

// LoadDotEnv loads variables from the given files (".env" when none) without
// overriding ones already set. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{Environment: getEnv("ENVIRONMENT", "production")}

	// Logging defaults
	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/pdftools.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	// Axiom defaults
	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_pdftools",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Server = ServerConfig{
		Port:            getEnv("PORT", "8080"),
		MaxBodyBytes:    int64(parseInt(getEnv("MAX_BODY_MB", "100"), 100)) << 20,
		SyncInflight:    parseInt(getEnv("SYNC_MAX_INFLIGHT", "2"), 2),
		ReadTimeout:     parseDuration(getEnv("HTTP_READ_TIMEOUT", "60s"), 60*time.Second),
		WriteTimeout:    parseDuration(getEnv("HTTP_WRITE_TIMEOUT", "10m"), 10*time.Minute),
		ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "30s"), 30*time.Second),
	}

	// Worker defaults
	cfg.Worker = WorkerConfig{
		Enabled:        parseBool(getEnv("RUN_DISPATCHER", "true")),
		Concurrency:    parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		JobTimeout:     parseDuration(getEnv("JOB_TIMEOUT", "10m"), 10*time.Minute),
		CancelPoll:     parseDuration(getEnv("CANCEL_POLL_INTERVAL", "500ms"), 500*time.Millisecond),
		JobMaxAttempts: parseInt(getEnv("JOB_MAX_ATTEMPTS", "2"), 2),
	}
	if cfg.Worker.Concurrency < 1 {
		cfg.Worker.Concurrency = 1
	}

	// Queue defaults
	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:pdf"),
		Group:        getEnv("QUEUE_GROUP", "workers:pdf"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.Storage = StorageConfig{
		Backend:            strings.ToLower(getEnv("STORAGE_BACKEND", "redis")),
		Bucket:             getEnv("S3_BUCKET", ""),
		Region:             getEnv("AWS_REGION", "us-east-1"),
		Prefix:             getEnv("S3_PREFIX", "pdftools"),
		EncryptionPassword: getEnv("ENCRYPTION_PASSWORD", ""),
		EncryptionFormat:   strings.ToLower(getEnv("ENCRYPTION_FORMAT", "gcm")),
		ResultTTL:          parseDuration(getEnv("RESULT_TTL", "1h"), time.Hour),
	}

	cfg.Compress = CompressConfig{
		DefaultQuality: getEnv("COMPRESS_DEFAULT_QUALITY", "recommended"),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
