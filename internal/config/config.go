// Package config loads the extractor configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/terraforms-extractor/pkg/logging"
	"github.com/Sternrassler/terraforms-extractor/pkg/pipeline"
	"github.com/Sternrassler/terraforms-extractor/pkg/publish"
	"github.com/Sternrassler/terraforms-extractor/pkg/rpc"
	"github.com/Sternrassler/terraforms-extractor/pkg/subgraph"
	"github.com/Sternrassler/terraforms-extractor/pkg/terraforms"
)

// Config holds all configuration for the extractor
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	RPC      RPCConfig      `yaml:"rpc"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Export   ExportConfig   `yaml:"export"`
	Publish  PublishConfig  `yaml:"publish"`
	Subgraph SubgraphConfig `yaml:"subgraph"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SourceConfig describes the remote collection
type SourceConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Contract     string        `yaml:"contract"`
	UserAgent    string        `yaml:"user_agent"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	FetchSVG     bool          `yaml:"fetch_svg"`
}

// RPCConfig tunes the JSON-RPC transport
type RPCConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CacheConfig holds the Redis call cache settings
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// PipelineConfig holds batching and retry settings
type PipelineConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// StoreConfig locates the persisted records
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// ExportConfig controls the reporting views
type ExportConfig struct {
	Enabled    bool   `yaml:"enabled"`
	EveryBatch bool   `yaml:"every_batch"`
	Dir        string `yaml:"dir"`
}

// PublishConfig holds the object store settings
type PublishConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	AccessKey   string        `yaml:"access_key"`
	SecretKey   string        `yaml:"secret_key"`
	Bucket      string        `yaml:"bucket"`
	Region      string        `yaml:"region"`
	Secure      bool          `yaml:"secure"`
	Dir         string        `yaml:"dir"`
	BatchSize   int           `yaml:"batch_size"`
	Delay       time.Duration `yaml:"delay"`
	ChunkSize   int           `yaml:"chunk_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// SubgraphConfig holds the subgraph audit settings
type SubgraphConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
	BatchSize   int           `yaml:"batch_size"`
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig holds the metrics listener address; empty disables it
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a runnable configuration against a local node.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Endpoint:     "http://localhost:8545",
			Contract:     terraforms.DefaultAddress,
			UserAgent:    "terraforms-extractor/0.1.0",
			FetchTimeout: 30 * time.Second,
			FetchSVG:     true,
		},
		RPC: RPCConfig{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  6 * time.Hour,
		},
		Pipeline: PipelineConfig{
			BatchSize:   5,
			Delay:       time.Second,
			MaxAttempts: 10,
			RetryDelay:  500 * time.Millisecond,
		},
		Store: StoreConfig{
			Dir: "metadata",
		},
		Export: ExportConfig{
			Enabled:    true,
			EveryBatch: true,
			Dir:        ".",
		},
		Publish: PublishConfig{
			Bucket:      "terraforms",
			BatchSize:   50,
			Delay:       50 * time.Millisecond,
			ChunkSize:   1000,
			MaxAttempts: 10,
		},
		Subgraph: SubgraphConfig{
			Endpoint:    subgraph.DefaultEndpoint,
			Timeout:     30 * time.Second,
			BatchSize:   5,
			Delay:       50 * time.Millisecond,
			MaxAttempts: 10,
			RetryDelay:  50 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Source.Endpoint = getEnv("RPC_ENDPOINT", c.Source.Endpoint)
	c.Source.Contract = getEnv("CONTRACT_ADDRESS", c.Source.Contract)
	c.Store.Dir = getEnv("OUTPUT_DIR", c.Store.Dir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	if addr := os.Getenv("REDIS_URL"); addr != "" {
		c.Cache.Addr = addr
		c.Cache.Enabled = true
	}

	c.Publish.Endpoint = getEnv("OBJECT_STORE_ENDPOINT", c.Publish.Endpoint)
	c.Publish.AccessKey = getEnv("OBJECT_STORE_ACCESS_KEY", c.Publish.AccessKey)
	c.Publish.SecretKey = getEnv("OBJECT_STORE_SECRET_KEY", c.Publish.SecretKey)
	c.Publish.Bucket = getEnv("OBJECT_STORE_BUCKET", c.Publish.Bucket)
	c.Subgraph.Endpoint = getEnv("SUBGRAPH_ENDPOINT", c.Subgraph.Endpoint)

	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: "BATCH_SIZE", Message: fmt.Sprintf("not an integer: %q", v)}
		}
		c.Pipeline.BatchSize = n
	}
	if v := os.Getenv("BATCH_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: "BATCH_DELAY", Message: fmt.Sprintf("not a duration: %q", v)}
		}
		c.Pipeline.Delay = d
	}
	return nil
}

// ValidationError reports one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

// Validate checks everything an extraction run needs. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Source.Endpoint == "" {
		add("source.endpoint", "is required")
	}
	if c.Source.Contract == "" {
		add("source.contract", "is required")
	} else if !common.IsHexAddress(c.Source.Contract) {
		add("source.contract", "not a hex address: %q", c.Source.Contract)
	}
	if c.Source.FetchTimeout < 0 {
		add("source.fetch_timeout", "must not be negative")
	}
	if c.RPC.MaxRetries < 1 {
		add("rpc.max_retries", "must be >= 1 (got %d)", c.RPC.MaxRetries)
	}
	if c.Pipeline.BatchSize < 1 {
		add("pipeline.batch_size", "must be >= 1 (got %d)", c.Pipeline.BatchSize)
	}
	if c.Pipeline.Delay < 0 {
		add("pipeline.delay", "must not be negative")
	}
	if c.Pipeline.RetryDelay < 0 {
		add("pipeline.retry_delay", "must not be negative")
	}
	if c.Pipeline.MaxAttempts < 0 {
		add("pipeline.max_attempts", "must be >= 0 (got %d)", c.Pipeline.MaxAttempts)
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		add("cache.addr", "is required when the cache is enabled")
	}
	if c.Store.Dir == "" {
		add("store.dir", "is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "unknown level %q", c.Log.Level)
	}

	return errors.Join(errs...)
}

// ValidatePublish checks the settings the publish command needs.
func (c *Config) ValidatePublish() error {
	var errs []error
	if c.Publish.Endpoint == "" {
		errs = append(errs, &ValidationError{Field: "publish.endpoint", Message: "is required"})
	}
	if c.Publish.Bucket == "" {
		errs = append(errs, &ValidationError{Field: "publish.bucket", Message: "is required"})
	}
	if c.Publish.BatchSize < 1 {
		errs = append(errs, &ValidationError{Field: "publish.batch_size", Message: "must be >= 1"})
	}
	if c.Publish.ChunkSize < 1 {
		errs = append(errs, &ValidationError{Field: "publish.chunk_size", Message: "must be >= 1"})
	}
	if c.Store.Dir == "" {
		errs = append(errs, &ValidationError{Field: "store.dir", Message: "is required"})
	}
	return errors.Join(errs...)
}

// ValidateSubgraph checks the settings the subgraph command needs.
func (c *Config) ValidateSubgraph() error {
	var errs []error
	if c.Subgraph.Endpoint == "" {
		errs = append(errs, &ValidationError{Field: "subgraph.endpoint", Message: "is required"})
	}
	if c.Subgraph.BatchSize < 1 {
		errs = append(errs, &ValidationError{Field: "subgraph.batch_size", Message: "must be >= 1"})
	}
	if c.Store.Dir == "" {
		errs = append(errs, &ValidationError{Field: "store.dir", Message: "is required"})
	}
	return errors.Join(errs...)
}

// LoggingConfig converts the log section.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Log.Level))
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// RPCClientConfig converts the source and rpc sections. The cache manager is
// attached by the caller.
func (c *Config) RPCClientConfig() rpc.Config {
	cfg := rpc.DefaultConfig(c.Source.Endpoint)
	if c.Source.UserAgent != "" {
		cfg.UserAgent = c.Source.UserAgent
	}
	if c.RPC.Timeout > 0 {
		cfg.Timeout = c.RPC.Timeout
	}
	cfg.MaxRetries = c.RPC.MaxRetries
	cfg.InitialBackoff = c.RPC.InitialBackoff
	cfg.MaxBackoff = c.RPC.MaxBackoff
	return cfg
}

// TerraformsConfig converts the source section.
func (c *Config) TerraformsConfig() terraforms.Config {
	return terraforms.Config{
		Address:  c.Source.Contract,
		FetchSVG: c.Source.FetchSVG,
	}
}

// PipelineConfig converts the pipeline section.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		BatchSize:         c.Pipeline.BatchSize,
		Delay:             c.Pipeline.Delay,
		FetchTimeout:      c.Source.FetchTimeout,
		MaxAttempts:       c.Pipeline.MaxAttempts,
		RetryDelay:        c.Pipeline.RetryDelay,
		ObserveEveryBatch: c.Export.EveryBatch,
	}
}

// PublisherConfig converts the publish section. Index files go below the
// store directory unless publish.dir is set.
func (c *Config) PublisherConfig() publish.Config {
	dir := c.Publish.Dir
	if dir == "" {
		dir = filepath.Join(c.Store.Dir, "ipfs")
	}
	return publish.Config{
		Dir:         dir,
		BatchSize:   c.Publish.BatchSize,
		Delay:       c.Publish.Delay,
		ChunkSize:   c.Publish.ChunkSize,
		MaxAttempts: c.Publish.MaxAttempts,
	}
}

// MinioConfig converts the publish section's endpoint settings.
func (c *Config) MinioConfig() publish.MinioConfig {
	return publish.MinioConfig{
		Endpoint:  c.Publish.Endpoint,
		AccessKey: c.Publish.AccessKey,
		SecretKey: c.Publish.SecretKey,
		Bucket:    c.Publish.Bucket,
		Region:    c.Publish.Region,
		Secure:    c.Publish.Secure,
	}
}

// SubgraphClientConfig converts the subgraph endpoint settings.
func (c *Config) SubgraphClientConfig() subgraph.ClientConfig {
	cfg := subgraph.DefaultClientConfig()
	cfg.Endpoint = c.Subgraph.Endpoint
	if c.Source.UserAgent != "" {
		cfg.UserAgent = c.Source.UserAgent
	}
	if c.Subgraph.Timeout > 0 {
		cfg.Timeout = c.Subgraph.Timeout
	}
	return cfg
}

// SubgraphConfig converts the subgraph pacing settings.
func (c *Config) SubgraphConfig() subgraph.Config {
	return subgraph.Config{
		BatchSize:   c.Subgraph.BatchSize,
		Delay:       c.Subgraph.Delay,
		MaxAttempts: c.Subgraph.MaxAttempts,
		RetryDelay:  c.Subgraph.RetryDelay,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
