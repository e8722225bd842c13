// Package config loads ingestion settings from the environment. Every value
// has an environment variable; CLI flags override them after Load.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Environment variables read by Load.
const (
	EnvAPIURL          = "DRONE_INGEST_API_URL"
	EnvTokenSSMParam   = "DRONE_INGEST_TOKEN_SSM_PARAM"
	EnvChunkSizeMB     = "DRONE_INGEST_CHUNK_SIZE_MB"
	EnvPartConcurrency = "DRONE_INGEST_PART_CONCURRENCY"
	EnvFileConcurrency = "DRONE_INGEST_FILE_CONCURRENCY"
	EnvJournalTable    = "DRONE_INGEST_JOURNAL_TABLE"
	EnvFeedbackBus     = "DRONE_INGEST_FEEDBACK_BUS"
	EnvMetrics         = "DRONE_INGEST_METRICS"
	EnvBrokerBucket    = "DRONE_INGEST_BUCKET"
)

// Defaults and limits.
const (
	DefaultAPIURL          = "http://localhost:8000/api"
	DefaultChunkSizeMB     = 5
	MinChunkSizeMB         = 5
	MaxChunkSizeMB         = 100
	DefaultPartConcurrency = 4
	DefaultFileConcurrency = 3
	maxConcurrency         = 32
)

// Config is the resolved configuration for one CLI run.
type Config struct {
	APIURL string
	// TokenSSMParam names a SecureString parameter holding the API token.
	// The token itself is resolved by the auth package.
	TokenSSMParam string

	ChunkSizeMB     int
	PartConcurrency int
	FileConcurrency int

	// JournalTable selects the DynamoDB resume journal. Empty keeps the
	// journal in memory for the life of the process.
	JournalTable string
	// FeedbackBus is the EventBridge bus for override events. Empty
	// disables feedback.
	FeedbackBus string
	// Metrics enables EMF output on stdout.
	Metrics bool

	// Bucket is the S3 bucket served by the reference broker.
	Bucket string
}

// Load reads the environment. Malformed numbers are reported here; range
// checks happen in Validate so flag overrides can be applied first.
func Load() (*Config, error) {
	cfg := &Config{
		APIURL:        EnvOrDefault(EnvAPIURL, DefaultAPIURL),
		TokenSSMParam: os.Getenv(EnvTokenSSMParam),
		JournalTable:  os.Getenv(EnvJournalTable),
		FeedbackBus:   os.Getenv(EnvFeedbackBus),
		Bucket:        os.Getenv(EnvBrokerBucket),
	}

	var err error
	if cfg.ChunkSizeMB, err = envInt(EnvChunkSizeMB, DefaultChunkSizeMB); err != nil {
		return nil, err
	}
	if cfg.PartConcurrency, err = envInt(EnvPartConcurrency, DefaultPartConcurrency); err != nil {
		return nil, err
	}
	if cfg.FileConcurrency, err = envInt(EnvFileConcurrency, DefaultFileConcurrency); err != nil {
		return nil, err
	}
	if v := os.Getenv(EnvMetrics); v != "" {
		if cfg.Metrics, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("%s: invalid boolean %q", EnvMetrics, v)
		}
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API URL %q must be an absolute http(s) URL", c.APIURL)
	}
	if c.ChunkSizeMB < MinChunkSizeMB || c.ChunkSizeMB > MaxChunkSizeMB {
		return fmt.Errorf("chunk size must be between %d and %d MB, got %d", MinChunkSizeMB, MaxChunkSizeMB, c.ChunkSizeMB)
	}
	if c.PartConcurrency < 1 || c.PartConcurrency > maxConcurrency {
		return fmt.Errorf("part concurrency must be between 1 and %d, got %d", maxConcurrency, c.PartConcurrency)
	}
	if c.FileConcurrency < 1 || c.FileConcurrency > maxConcurrency {
		return fmt.Errorf("file concurrency must be between 1 and %d, got %d", maxConcurrency, c.FileConcurrency)
	}
	return nil
}

// PartSize returns the chunk size in bytes.
func (c *Config) PartSize() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal if the variable is empty or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

func envInt(envVar string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", envVar, v)
	}
	return n, nil
}
