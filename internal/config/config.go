// Package config provides configuration loading and management for the ingest service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the ingest service.
// It contains all configuration parameters needed to run the ingest daemon.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects the in-memory store
	RedisURL    string // Redis URL for chunk tracking and rate limiting; empty selects in-memory
	NATSURL     string // NATS server URL for transcode notifications; empty selects the noop publisher
	UploadDir   string // Root directory for chunk staging and assembled artifacts

	// Upload limits
	MaxUploadSize    int64 // Maximum declared artifact size in bytes
	DefaultChunkSize int64 // Chunk size assigned to sessions that do not request one
	MinChunkSize     int64 // Lower bound for a session chunk size
	MaxChunkSize     int64 // Upper bound for a session chunk size
	MaxChunks        int   // Maximum chunks a single session may declare

	// Session lifecycle
	UploadExpiry  time.Duration // How long a session may stay incomplete before the sweeper reclaims it
	SweepInterval time.Duration // How often the expiry sweeper scans for stale sessions

	// Rate limiting (sliding window per identity and category)
	RateWindow     time.Duration // Window width
	RateInitLimit  int           // Max session initializations per identity per window
	RateChunkLimit int           // Max chunk submissions per identity per window

	// Artifact constraints
	AllowedExtensions []string // Permitted filename extensions, lowercase without dot

	// Chunk write pool
	WriteWorkers    int // Concurrent filesystem writers
	WriteQueueDepth int // Pending write jobs before submission blocks

	// Optional S3-compatible archive for assembled artifacts
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name; empty disables archiving
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
}

// Default configuration values used when environment variables are not set
const (
	defaultPort      = "8080"      // Default HTTP server port
	defaultEnv       = "dev"       // Default environment
	defaultS3Region  = "us-east-1" // Default S3 region
	defaultUploadDir = "./uploads" // Default artifact staging root

	defaultMaxUploadSize    = 2 * 1024 * 1024 * 1024 // 2 GiB
	defaultChunkSize        = 1024 * 1024            // 1 MiB
	defaultMinChunkSize     = 64 * 1024              // 64 KiB
	defaultMaxChunkSize     = 16 * 1024 * 1024       // 16 MiB
	defaultMaxChunks        = 10000
	defaultUploadExpiry     = 24 * time.Hour
	defaultSweepInterval    = 5 * time.Minute
	defaultRateWindow       = time.Minute
	defaultRateInitLimit    = 10
	defaultRateChunkLimit   = 600
	defaultWriteWorkers     = 4
	defaultWriteQueueDepth  = 64
	defaultAllowedExtension = "mp4,avi,mov,mkv,flv,wmv"
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// It handles both required and optional configuration parameters, providing defaults where appropriate.
// Returns an error if the resulting limits are inconsistent.
func Load() (Config, error) {
	cfg := Config{}

	cfg.Env = getEnv("INGEST_ENV", defaultEnv)
	cfg.Port = getEnv("INGEST_PORT", defaultPort)
	cfg.UploadDir = getEnv("INGEST_UPLOAD_DIR", defaultUploadDir)

	// Handle optional backends; empty values select in-process fallbacks
	if dsn, exists := os.LookupEnv("INGEST_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if redisURL, exists := os.LookupEnv("INGEST_REDIS_URL"); exists {
		cfg.RedisURL = redisURL
	}

	if natsURL, exists := os.LookupEnv("INGEST_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	// Handle upload limits
	cfg.MaxUploadSize = parseInt64Env("INGEST_MAX_UPLOAD_SIZE", defaultMaxUploadSize)
	cfg.DefaultChunkSize = parseInt64Env("INGEST_DEFAULT_CHUNK_SIZE", defaultChunkSize)
	cfg.MinChunkSize = parseInt64Env("INGEST_MIN_CHUNK_SIZE", defaultMinChunkSize)
	cfg.MaxChunkSize = parseInt64Env("INGEST_MAX_CHUNK_SIZE", defaultMaxChunkSize)
	cfg.MaxChunks = parseIntEnv("INGEST_MAX_CHUNKS", defaultMaxChunks)

	// Handle session lifecycle
	cfg.UploadExpiry = parseDurationEnv("INGEST_UPLOAD_EXPIRY", defaultUploadExpiry)
	cfg.SweepInterval = parseDurationEnv("INGEST_SWEEP_INTERVAL", defaultSweepInterval)

	// Handle rate limiting
	cfg.RateWindow = parseDurationEnv("INGEST_RATE_WINDOW", defaultRateWindow)
	cfg.RateInitLimit = parseIntEnv("INGEST_RATE_INIT_LIMIT", defaultRateInitLimit)
	cfg.RateChunkLimit = parseIntEnv("INGEST_RATE_CHUNK_LIMIT", defaultRateChunkLimit)

	// Handle allowed extensions
	extensions := getEnv("INGEST_ALLOWED_EXTENSIONS", defaultAllowedExtension)
	cfg.AllowedExtensions = strings.Split(extensions, ",")
	for i, ext := range cfg.AllowedExtensions {
		cfg.AllowedExtensions[i] = strings.ToLower(strings.TrimSpace(ext))
	}

	// Handle chunk write pool
	cfg.WriteWorkers = parseIntEnv("INGEST_WRITE_WORKERS", defaultWriteWorkers)
	cfg.WriteQueueDepth = parseIntEnv("INGEST_WRITE_QUEUE", defaultWriteQueueDepth)

	// Handle S3 archive settings
	if s3Endpoint, exists := os.LookupEnv("INGEST_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	cfg.S3Region = getEnv("INGEST_S3_REGION", defaultS3Region)

	if s3Bucket, exists := os.LookupEnv("INGEST_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}

	if s3AccessKey, exists := os.LookupEnv("INGEST_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}

	if s3SecretKey, exists := os.LookupEnv("INGEST_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	// Validate limit consistency
	if cfg.MinChunkSize <= 0 || cfg.MaxChunkSize < cfg.MinChunkSize {
		return cfg, fmt.Errorf("chunk size bounds invalid: min=%d max=%d", cfg.MinChunkSize, cfg.MaxChunkSize)
	}

	if cfg.DefaultChunkSize < cfg.MinChunkSize || cfg.DefaultChunkSize > cfg.MaxChunkSize {
		return cfg, fmt.Errorf("default chunk size %d outside bounds [%d, %d]", cfg.DefaultChunkSize, cfg.MinChunkSize, cfg.MaxChunkSize)
	}

	if cfg.MaxUploadSize <= 0 {
		return cfg, fmt.Errorf("INGEST_MAX_UPLOAD_SIZE must be positive")
	}

	if cfg.MaxChunks < 1 {
		return cfg, fmt.Errorf("INGEST_MAX_CHUNKS must be at least 1")
	}

	if cfg.UploadExpiry <= 0 || cfg.SweepInterval <= 0 {
		return cfg, fmt.Errorf("upload expiry and sweep interval must be positive")
	}

	if cfg.WriteWorkers < 1 {
		return cfg, fmt.Errorf("INGEST_WRITE_WORKERS must be at least 1")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseIntEnv parses an integer environment variable, returning a fallback on absence or parse failure
func parseIntEnv(key string, fallback int) int {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// parseInt64Env parses a 64-bit integer environment variable, returning a fallback on absence or parse failure
func parseInt64Env(key string, fallback int64) int64 {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// parseDurationEnv parses a duration environment variable (Go syntax, e.g. "24h"),
// returning a fallback on absence or parse failure
func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
