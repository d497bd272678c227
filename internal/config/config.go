// Package config centralizes how ChannelDrop reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the worker and the CLI.
type Config struct {
	// Source session.
	APIID         string
	APIHash       string
	SessionString string
	SourceWSURL   string
	SourceAPIURL  string
	SourceRPS     float64
	Channel       string

	// Object store.
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      bool
	S3Bucket      string
	PublicBaseURL string

	// Metadata store.
	MetadataDriver string
	DatabaseURL    string

	// Retry queue and dependency resilience.
	MaxRetries        int
	BaseDelay         time.Duration
	MaxRetryDelay     time.Duration
	RetryQueueSize    int
	RetryPollInterval time.Duration
	UploadAttempts    int
	DownloadAttempts  int
	BreakerThreshold  int
	BreakerTimeout    time.Duration
	OperationTimeout  time.Duration

	// Connection manager.
	ConnectPollInterval time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectAttempts   int

	// Derivatives.
	EnableWebP             bool
	EnableAVIF             bool
	EnableResizedOriginals bool
	ImageSizes             []int
	MaxImageDimension      int
	MaxImageSizeBytes      int64
	WebPQuality            int
	AVIFQuality            int
	ScratchDir             string

	// Process.
	HeartbeatInterval      time.Duration
	Port                   int
	BackfillLimit          int
	BackfillOnStart        bool
	SupervisorMaxRestarts  int
	SupervisorRestartDelay time.Duration
	WorkerBinary           string

	// Dead letters.
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	DeadLetterEnabled bool

	LogLevel  string
	LogFormat string
}

// Metadata drivers accepted by METADATA_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const (
	defaultSourceWSURL       = "ws://localhost:8081/ws"
	defaultSourceAPIURL      = "http://localhost:8081"
	defaultSourceRPS         = 5.0
	defaultS3Endpoint        = "localhost:9000"
	defaultS3Region          = "us-east-1"
	defaultS3Bucket          = "channeldrop"
	defaultMaxRetries        = 5
	defaultBaseDelay         = 2 * time.Second
	defaultMaxRetryDelay     = 5 * time.Minute
	defaultRetryQueueSize    = 1000
	defaultRetryPollInterval = 5 * time.Second
	defaultUploadAttempts    = 3
	defaultDownloadAttempts  = 3
	defaultBreakerThreshold  = 5
	defaultBreakerTimeout    = 60 * time.Second
	defaultOperationTimeout  = 60 * time.Second
	defaultConnectPoll       = 30 * time.Second
	defaultReconnectBase     = 5 * time.Second
	defaultReconnectMax      = 5 * time.Minute
	defaultReconnectAttempts = 10
	defaultImageSizes        = "320,640,1280"
	defaultMaxImageDimension = 4096
	defaultMaxImageBytes     = 50 << 20 // 50 MiB
	defaultWebPQuality       = 80
	defaultAVIFQuality       = 60
	defaultHeartbeat         = 60 * time.Second
	defaultPort              = 8080
	defaultBackfillLimit     = 100
	defaultMaxRestarts       = 10
	defaultRestartDelay      = 5 * time.Second
	defaultWorkerBinary      = "worker"
	defaultRedisAddr         = "127.0.0.1:6379"
)

// ErrMissingChannel is returned when CHANNEL is unset.
var ErrMissingChannel = errors.New("CHANNEL is required")

// Load reads a .env file when present, then environment variables falling back
// to defaults. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	LoadDotEnv()
	return FromEnv()
}

// LoadDotEnv loads .env into the environment when the file exists. Commands
// that need a single variable use it without full validation.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	sizes, err := parseIntList("IMAGE_SIZES", defaultImageSizes)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		APIID:         readEnv("API_ID", ""),
		APIHash:       readEnv("API_HASH", ""),
		SessionString: readEnv("SESSION_STRING", ""),
		SourceWSURL:   readEnv("SOURCE_WS_URL", defaultSourceWSURL),
		SourceAPIURL:  strings.TrimRight(readEnv("SOURCE_API_URL", defaultSourceAPIURL), "/"),
		SourceRPS:     parseFloat("SOURCE_RPS", defaultSourceRPS),
		Channel:       strings.TrimSpace(readEnv("CHANNEL", "")),

		S3Endpoint:    readEnv("S3_ENDPOINT", defaultS3Endpoint),
		S3AccessKey:   readEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:   readEnv("S3_SECRET_KEY", ""),
		S3Region:      readEnv("S3_REGION", defaultS3Region),
		S3UseSSL:      parseBool("S3_USE_SSL", false),
		S3Bucket:      readEnv("S3_BUCKET", defaultS3Bucket),
		PublicBaseURL: strings.TrimRight(readEnv("PUBLIC_BASE_URL", ""), "/"),

		MetadataDriver: strings.ToLower(readEnv("METADATA_DRIVER", DriverPostgres)),
		DatabaseURL:    readEnv("DATABASE_URL", ""),

		MaxRetries:        parseInt("MAX_RETRIES", defaultMaxRetries),
		BaseDelay:         parseDuration("BASE_DELAY", defaultBaseDelay),
		MaxRetryDelay:     parseDuration("MAX_RETRY_DELAY", defaultMaxRetryDelay),
		RetryQueueSize:    parseInt("RETRY_QUEUE_SIZE", defaultRetryQueueSize),
		RetryPollInterval: parseDuration("RETRY_POLL_INTERVAL", defaultRetryPollInterval),
		UploadAttempts:    parseInt("UPLOAD_ATTEMPTS", defaultUploadAttempts),
		DownloadAttempts:  parseInt("DOWNLOAD_ATTEMPTS", defaultDownloadAttempts),
		BreakerThreshold:  parseInt("BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerTimeout:    parseDuration("BREAKER_TIMEOUT", defaultBreakerTimeout),
		OperationTimeout:  parseDuration("OPERATION_TIMEOUT", defaultOperationTimeout),

		ConnectPollInterval: parseDuration("CONNECT_POLL_INTERVAL", defaultConnectPoll),
		ReconnectBaseDelay:  parseDuration("RECONNECT_BASE_DELAY", defaultReconnectBase),
		ReconnectMaxDelay:   parseDuration("RECONNECT_MAX_DELAY", defaultReconnectMax),
		ReconnectAttempts:   parseInt("RECONNECT_ATTEMPTS", defaultReconnectAttempts),

		EnableWebP:             parseBool("ENABLE_WEBP", true),
		EnableAVIF:             parseBool("ENABLE_AVIF", false),
		EnableResizedOriginals: parseBool("ENABLE_RESIZED_ORIGINALS", false),
		ImageSizes:             sizes,
		MaxImageDimension:      parseInt("MAX_IMAGE_DIMENSION", defaultMaxImageDimension),
		MaxImageSizeBytes:      parseInt64("MAX_IMAGE_SIZE_BYTES", defaultMaxImageBytes),
		WebPQuality:            parseInt("WEBP_QUALITY", defaultWebPQuality),
		AVIFQuality:            parseInt("AVIF_QUALITY", defaultAVIFQuality),
		ScratchDir:             readEnv("SCRATCH_DIR", os.TempDir()),

		HeartbeatInterval:      parseDuration("HEARTBEAT_INTERVAL", defaultHeartbeat),
		Port:                   parseInt("PORT", defaultPort),
		BackfillLimit:          parseInt("BACKFILL_LIMIT", defaultBackfillLimit),
		BackfillOnStart:        parseBool("BACKFILL_ON_START", false),
		SupervisorMaxRestarts:  parseInt("SUPERVISOR_MAX_RESTARTS", defaultMaxRestarts),
		SupervisorRestartDelay: parseDuration("SUPERVISOR_RESTART_DELAY", defaultRestartDelay),
		WorkerBinary:           readEnv("WORKER_BINARY", defaultWorkerBinary),

		RedisAddr:         readEnv("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:     readEnv("REDIS_PASSWORD", ""),
		RedisDB:           parseInt("REDIS_DB", 0),
		DeadLetterEnabled: parseBool("DEAD_LETTER_ENABLED", false),

		LogLevel:  readEnv("LOG_LEVEL", "info"),
		LogFormat: readEnv("LOG_FORMAT", "json"),
	}
	cfg.applyFloors()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFloors replaces nonsensical numbers with defaults, the same way invalid
// input is ignored by the parse helpers.
func (c *Config) applyFloors() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxRetryDelay < c.BaseDelay {
		c.MaxRetryDelay = c.BaseDelay
	}
	if c.RetryQueueSize <= 0 {
		c.RetryQueueSize = defaultRetryQueueSize
	}
	if c.RetryPollInterval <= 0 {
		c.RetryPollInterval = defaultRetryPollInterval
	}
	if c.UploadAttempts <= 0 {
		c.UploadAttempts = defaultUploadAttempts
	}
	if c.DownloadAttempts <= 0 {
		c.DownloadAttempts = defaultDownloadAttempts
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = defaultBreakerTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.ConnectPollInterval <= 0 {
		c.ConnectPollInterval = defaultConnectPoll
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBase
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.MaxImageDimension <= 0 {
		c.MaxImageDimension = defaultMaxImageDimension
	}
	if c.MaxImageSizeBytes <= 0 {
		c.MaxImageSizeBytes = defaultMaxImageBytes
	}
	c.WebPQuality = clamp(c.WebPQuality, 1, 100)
	c.AVIFQuality = clamp(c.AVIFQuality, 1, 100)
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.SourceRPS <= 0 {
		c.SourceRPS = defaultSourceRPS
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if c.Channel == "" {
		return ErrMissingChannel
	}
	switch c.MetadataDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when METADATA_DRIVER=postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown METADATA_DRIVER %q", c.MetadataDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	return nil
}

// Addr is the health server listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

// parseIntList reads a comma separated list of positive integers, sorted
// ascending with duplicates removed. Unlike the scalar helpers it rejects bad
// input, since a typo here would silently drop derivatives.
func parseIntList(key, def string) ([]int, error) {
	val := readEnv(key, def)
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%s: invalid size %q", key, part)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
