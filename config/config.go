package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds exporter configuration.
type Config struct {
	BaseURL            string
	SpaceKeys          []string
	APIToken           string
	PageSize           int
	RequestDelay       time.Duration
	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	InsecureTLS        bool
	OutputDir          string
	MetricsAddr        string
	UserAgent          string
	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int
	Verbose            bool
}

// DefaultConfig returns the defaults the original export tooling shipped with.
func DefaultConfig() *Config {
	return &Config{
		PageSize:           50,
		RequestDelay:       0,
		Timeout:            30 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       500 * time.Millisecond,
		RetryBackoffMax:    10 * time.Second,
		InsecureTLS:        true,
		OutputDir:          "confluence_export",
		UserAgent:          "go-confluence-export/1.0",
		PipelineBufferSize: 256,
		BatchSize:          16,
		DedupeMaxSize:      100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if len(c.SpaceKeys) == 0 {
		return fmt.Errorf("at least one space key is required")
	}
	for _, key := range c.SpaceKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("space keys cannot be blank")
		}
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return fmt.Errorf("page size must be between 1 and 100")
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("request delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	return nil
}

// ParseSpaceKeys splits a comma-separated space key list, dropping empties.
func ParseSpaceKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		key := strings.TrimSpace(part)
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
