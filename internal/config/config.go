package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vulnwatch/cvesync/internal/nvd"
)

// Config represents the complete configuration for cvesync
type Config struct {
	// Feed
	APIKey            string `yaml:"api_key" json:"api_key"`
	APIBaseURL        string `yaml:"api_base_url" json:"api_base_url"`
	PageSize          int    `yaml:"page_size" json:"page_size"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec" json:"request_timeout_sec"`

	// Store
	DatabaseURL string `yaml:"database_url" json:"database_url"`

	// Windows
	LookbackYears int    `yaml:"lookback_years" json:"lookback_years"`
	ChunkDays     int    `yaml:"chunk_days" json:"chunk_days"`
	FallbackEpoch string `yaml:"fallback_epoch" json:"fallback_epoch"`

	// Run lock
	RedisAddr  string `yaml:"redis_addr" json:"redis_addr"`
	LockTTLSec int    `yaml:"lock_ttl_sec" json:"lock_ttl_sec"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = nvd.DefaultBaseURL
	}
	if c.PageSize == 0 {
		c.PageSize = 2000
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 30
	}
	if c.LookbackYears == 0 {
		c.LookbackYears = 5
	}
	if c.ChunkDays == 0 {
		c.ChunkDays = 14
	}
	if c.LockTTLSec == 0 {
		c.LockTTLSec = 3600
	}
	if c.OTELService == "" {
		c.OTELService = "cvesync"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.PageSize < 1 || c.PageSize > 2000 {
		return fmt.Errorf("page_size must be between 1 and 2000")
	}
	if c.LookbackYears < 1 {
		return fmt.Errorf("lookback_years must be at least 1")
	}
	if c.ChunkDays < 1 {
		return fmt.Errorf("chunk_days must be at least 1")
	}
	if c.RequestTimeoutSec < 1 {
		return fmt.Errorf("request_timeout_sec must be at least 1")
	}
	if _, err := c.FallbackTime(); err != nil {
		return err
	}
	return nil
}

// FallbackTime parses the fallback checkpoint epoch. Zero when unset, which
// the planner treats as one chunk before now.
func (c *Config) FallbackTime() (time.Time, error) {
	if c.FallbackEpoch == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.FallbackEpoch)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid fallback_epoch: %w", err)
	}
	return t.UTC(), nil
}

// RequestTimeout returns the per-request timeout bounding the feed client's
// retry loop.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Chunk returns the incremental window size.
func (c *Config) Chunk() time.Duration {
	return time.Duration(c.ChunkDays) * 24 * time.Hour
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()
	return &config, nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("NVD_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["api_key"].(string); ok && v != "" {
		c.APIKey = v
	}
	if v, ok := flags["database_url"].(string); ok && v != "" {
		c.DatabaseURL = v
	}
	if v, ok := flags["page_size"].(int); ok && v > 0 {
		c.PageSize = v
	}
	if v, ok := flags["lookback_years"].(int); ok && v > 0 {
		c.LookbackYears = v
	}
	if v, ok := flags["chunk_days"].(int); ok && v > 0 {
		c.ChunkDays = v
	}
	if v, ok := flags["fallback_epoch"].(string); ok && v != "" {
		c.FallbackEpoch = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
}
