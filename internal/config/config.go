package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ACS indexer.
type Config struct {

	// Scan API
	ScanURLs  []string // Scan node base URLs, comma-separated in SCAN_URLS
	ScanRPS   int
	ScanBurst int

	// PostgreSQL
	PostgresURL string

	// Redis
	RedisURL      string
	SnapshotTopic string
	ConsumerGroup string

	// Worker
	WorkerConcurrency int

	// Blob storage
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	// WebSocket (round notification mode)
	WSEnabled        bool
	WSURL            string
	WSMaxRetries     int
	WSReconnectDelay time.Duration

	// Snapshot scheduling
	ACSPageSize      int
	UpdatesPageSize  int
	MaxPagesPerRun   int
	MaxIterations    int
	DebounceInterval time.Duration
	StaleAfter       time.Duration
	SweepInterval    time.Duration

	// Logging
	LogLevel string

	// HTTP API
	HTTPEnabled bool
	HTTPAddr    string
	AdminToken  string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Defaults
		ScanRPS:           20,
		ScanBurst:         40,
		SnapshotTopic:     "snapshots-to-continue",
		ConsumerGroup:     "snapshot-workers",
		WorkerConcurrency: 1,
		WSEnabled:         true,
		WSMaxRetries:      25,
		WSReconnectDelay:  time.Second,
		ACSPageSize:       2000,
		UpdatesPageSize:   1000,
		MaxPagesPerRun:    40,
		MaxIterations:     500,
		DebounceInterval:  30 * time.Second,
		StaleAfter:        30 * time.Minute,
		SweepInterval:     5 * time.Minute,
		LogLevel:          "info",
	}

	// Required
	if v := os.Getenv("SCAN_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.ScanURLs = append(cfg.ScanURLs, u)
			}
		}
	}
	if len(cfg.ScanURLs) == 0 {
		return nil, fmt.Errorf("SCAN_URLS is required")
	}

	cfg.PostgresURL = os.Getenv("POSTGRES_URL")
	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("POSTGRES_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	if cfg.S3Endpoint == "" {
		return nil, fmt.Errorf("S3_ENDPOINT is required")
	}
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	if cfg.S3Bucket == "" {
		cfg.S3Bucket = "acs-artifacts"
	}
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		cfg.S3UseSSL = v == "true" || v == "1"
	}

	// Optional overrides
	if v := os.Getenv("SCAN_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanRPS = n
		}
	}

	if v := os.Getenv("SCAN_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanBurst = n
		}
	}

	if v := os.Getenv("SNAPSHOT_TOPIC"); v != "" {
		cfg.SnapshotTopic = v
	}

	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		cfg.ConsumerGroup = v
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}

	if v := os.Getenv("WS_ENABLED"); v != "" {
		cfg.WSEnabled = v == "true" || v == "1"
	}

	cfg.WSURL = os.Getenv("WS_URL")
	if cfg.WSURL == "" && cfg.WSEnabled {
		// Subscribe against the first scan node unless told otherwise.
		cfg.WSURL = cfg.ScanURLs[0]
	}

	if v := os.Getenv("WS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSMaxRetries = n
		}
	}

	if v := os.Getenv("WS_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WSReconnectDelay = d
		}
	}

	if v := os.Getenv("ACS_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ACSPageSize = n
		}
	}

	if v := os.Getenv("UPDATES_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UpdatesPageSize = n
		}
	}

	if v := os.Getenv("MAX_PAGES_PER_RUN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPagesPerRun = n
		}
	}

	if v := os.Getenv("MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxIterations = n
		}
	}

	if v := os.Getenv("DEBOUNCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DebounceInterval = d
		}
	}

	if v := os.Getenv("STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleAfter = d
		}
	}

	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepInterval = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// HTTP API Configuration
	if v := os.Getenv("HTTP_ENABLED"); v != "" {
		cfg.HTTPEnabled = v == "true" || v == "1"
	} else {
		cfg.HTTPEnabled = true
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080" // Default port
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken == "" {
		cfg.AdminToken = "devtoken" // Default token for development
	}

	return cfg, nil
}
