package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/yamlforge/perfcore/internal/batch"
	"github.com/yamlforge/perfcore/internal/cache"
	"github.com/yamlforge/perfcore/internal/loader"
	"github.com/yamlforge/perfcore/internal/metrics"
	"github.com/yamlforge/perfcore/internal/scheduler"
	"github.com/yamlforge/perfcore/pkg/memmon"
	"github.com/yamlforge/perfcore/pkg/retry"
	"github.com/yamlforge/perfcore/pkg/utils"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PERFCORE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Batch     BatchConfig     `yaml:"batch"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Loader    LoaderConfig    `yaml:"loader"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	MaxEntries      int                 `yaml:"max_entries"`
	MaxMemory       string              `yaml:"max_memory"`
	DefaultTTL      time.Duration       `yaml:"default_ttl"`
	DefaultPriority int                 `yaml:"default_priority"`
	HotThreshold    uint64              `yaml:"hot_threshold"`
	CleanupInterval time.Duration       `yaml:"cleanup_interval"`
	EvictionSamples int                 `yaml:"eviction_samples,omitempty"`
	Categories      map[string][]string `yaml:"categories,omitempty"`
}

// SchedulerConfig represents scheduler settings
type SchedulerConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	HighConcurrency int           `yaml:"high_concurrency"`
	LowTierDelay    time.Duration `yaml:"low_tier_delay"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     bool          `yaml:"jitter"`
}

// BatchConfig represents batch processor settings
type BatchConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MonitorConfig represents resource monitor settings
type MonitorConfig struct {
	GCInterval           time.Duration `yaml:"gc_interval"`
	MemoryThresholdRatio float64       `yaml:"memory_threshold_ratio"`
	LowUsageRatio        float64       `yaml:"low_usage_ratio"`
	RecoverySamples      int           `yaml:"recovery_samples"`
	TrimRatio            float64       `yaml:"trim_ratio"`
	OptimizationEnabled  bool          `yaml:"optimization_enabled"`
	ProfileDir           string        `yaml:"profile_dir"`

	// GCPercent sets GOGC for the process when positive
	GCPercent int `yaml:"gc_percent,omitempty"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Namespace     string        `yaml:"namespace"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// LoaderConfig selects where cache misses are loaded from
type LoaderConfig struct {
	Source  string        `yaml:"source"` // "file" or "s3"
	Root    string        `yaml:"root"`
	Timeout time.Duration `yaml:"timeout"`
	S3      S3Config      `yaml:"s3"`
}

// S3Config represents S3 loader settings
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	Profile        string `yaml:"profile"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// Static credentials for S3-compatible endpoints; when empty the AWS
	// default credential chain is used.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsAddr: "",
		},
		Cache: CacheConfig{
			MaxEntries:      1000,
			MaxMemory:       "50MiB",
			DefaultTTL:      5 * time.Minute,
			DefaultPriority: 5,
			HotThreshold:    5,
			CleanupInterval: time.Minute,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:   4,
			HighConcurrency: 2,
			LowTierDelay:    10 * time.Millisecond,
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   10 * time.Second,
				Multiplier: 2.0,
			},
		},
		Batch: BatchConfig{
			BatchSize:     10,
			FlushInterval: 50 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			GCInterval:           30 * time.Second,
			MemoryThresholdRatio: 0.8,
			LowUsageRatio:        0.3,
			RecoverySamples:      3,
			TrimRatio:            0.7,
			OptimizationEnabled:  true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Namespace:     "perfcore",
			SlowThreshold: 100 * time.Millisecond,
		},
		Loader: LoaderConfig{
			Source:  "file",
			Root:    ".",
			Timeout: 30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from PERFCORE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	var errs []string
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	float := func(name string, dst *float64) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = strings.ToLower(val) == "true"
		}
	}

	// Global settings
	str("LOG_LEVEL", &c.Global.LogLevel)
	str("LOG_FORMAT", &c.Global.LogFormat)
	str("LOG_FILE", &c.Global.LogFile)
	str("METRICS_ADDR", &c.Global.MetricsAddr)

	// Cache settings
	integer("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	str("CACHE_MAX_MEMORY", &c.Cache.MaxMemory)
	duration("CACHE_DEFAULT_TTL", &c.Cache.DefaultTTL)

	// Scheduler settings
	integer("SCHEDULER_MAX_CONCURRENT", &c.Scheduler.MaxConcurrent)
	integer("SCHEDULER_HIGH_CONCURRENCY", &c.Scheduler.HighConcurrency)
	duration("SCHEDULER_LOW_TIER_DELAY", &c.Scheduler.LowTierDelay)
	integer("SCHEDULER_MAX_RETRIES", &c.Scheduler.Retry.MaxRetries)

	// Batch settings
	integer("BATCH_SIZE", &c.Batch.BatchSize)
	duration("BATCH_FLUSH_INTERVAL", &c.Batch.FlushInterval)

	// Monitor settings
	duration("MONITOR_GC_INTERVAL", &c.Monitor.GCInterval)
	float("MONITOR_MEMORY_THRESHOLD_RATIO", &c.Monitor.MemoryThresholdRatio)
	boolean("MONITOR_OPTIMIZATION_ENABLED", &c.Monitor.OptimizationEnabled)
	integer("MONITOR_GC_PERCENT", &c.Monitor.GCPercent)

	// Loader settings
	str("LOADER_SOURCE", &c.Loader.Source)
	str("LOADER_ROOT", &c.Loader.Root)
	str("S3_BUCKET", &c.Loader.S3.Bucket)
	str("S3_REGION", &c.Loader.S3.Region)
	str("S3_ENDPOINT", &c.Loader.S3.Endpoint)
	str("S3_ACCESS_KEY_ID", &c.Loader.S3.AccessKeyID)
	str("S3_SECRET_ACCESS_KEY", &c.Loader.S3.SecretAccessKey)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be greater than 0")
	}
	if _, err := c.Cache.maxMemoryBytes(); err != nil {
		return err
	}
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl cannot be negative")
	}

	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be greater than 0")
	}
	if c.Scheduler.HighConcurrency <= 0 {
		return fmt.Errorf("scheduler.high_concurrency must be greater than 0")
	}
	if c.Scheduler.Retry.MaxRetries < 0 {
		return fmt.Errorf("scheduler.retry.max_retries cannot be negative")
	}
	if c.Scheduler.Retry.MaxDelay > 0 && c.Scheduler.Retry.BaseDelay > c.Scheduler.Retry.MaxDelay {
		return fmt.Errorf("scheduler.retry.base_delay cannot exceed max_delay")
	}

	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch.batch_size must be greater than 0")
	}

	if c.Monitor.MemoryThresholdRatio <= 0 || c.Monitor.MemoryThresholdRatio > 1 {
		return fmt.Errorf("monitor.memory_threshold_ratio must be in (0, 1]")
	}
	if c.Monitor.LowUsageRatio < 0 || c.Monitor.LowUsageRatio >= c.Monitor.MemoryThresholdRatio {
		return fmt.Errorf("monitor.low_usage_ratio must be below memory_threshold_ratio")
	}

	switch c.Loader.Source {
	case "file":
	case "s3":
		if c.Loader.S3.Bucket == "" {
			return fmt.Errorf("loader.s3.bucket is required when loader.source is s3")
		}
	default:
		return fmt.Errorf("invalid loader.source: %s (must be file or s3)", c.Loader.Source)
	}

	return nil
}

func (c CacheConfig) maxMemoryBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid cache.max_memory %q: %w", c.MaxMemory, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("cache.max_memory must be greater than 0")
	}
	return int64(n), nil
}

// CacheSettings converts the cache section
func (c *Configuration) CacheSettings() (*cache.Config, error) {
	maxMemory, err := c.Cache.maxMemoryBytes()
	if err != nil {
		return nil, err
	}

	cfg := cache.DefaultConfig()
	cfg.MaxEntries = c.Cache.MaxEntries
	cfg.MaxMemory = maxMemory
	cfg.DefaultTTL = c.Cache.DefaultTTL
	if c.Cache.DefaultPriority > 0 {
		cfg.DefaultPriority = c.Cache.DefaultPriority
	}
	if c.Cache.HotThreshold > 0 {
		cfg.HotThreshold = c.Cache.HotThreshold
	}
	if c.Cache.CleanupInterval > 0 {
		cfg.CleanupInterval = c.Cache.CleanupInterval
	}
	if c.Cache.EvictionSamples > 0 {
		cfg.EvictionSamples = c.Cache.EvictionSamples
	}
	for name, patterns := range c.Cache.Categories {
		cfg.Categories[name] = patterns
	}
	return cfg, nil
}

// SchedulerSettings converts the scheduler section
func (c *Configuration) SchedulerSettings() *scheduler.Config {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = c.Scheduler.Retry.MaxRetries
	if c.Scheduler.Retry.BaseDelay > 0 {
		policy.BaseDelay = c.Scheduler.Retry.BaseDelay
	}
	if c.Scheduler.Retry.MaxDelay > 0 {
		policy.MaxDelay = c.Scheduler.Retry.MaxDelay
	}
	if c.Scheduler.Retry.Multiplier > 0 {
		policy.Multiplier = c.Scheduler.Retry.Multiplier
	}
	policy.Jitter = c.Scheduler.Retry.Jitter

	return &scheduler.Config{
		MaxConcurrent:   c.Scheduler.MaxConcurrent,
		HighConcurrency: c.Scheduler.HighConcurrency,
		LowTierDelay:    c.Scheduler.LowTierDelay,
		Retry:           policy,
	}
}

// BatchSettings converts the batch section
func (c *Configuration) BatchSettings() *batch.Config {
	return &batch.Config{
		BatchSize:     c.Batch.BatchSize,
		FlushInterval: c.Batch.FlushInterval,
	}
}

// MonitorSettings converts the monitor section
func (c *Configuration) MonitorSettings() *memmon.Config {
	cfg := memmon.DefaultConfig()
	cfg.Interval = c.Monitor.GCInterval
	cfg.MemoryThresholdRatio = c.Monitor.MemoryThresholdRatio
	cfg.LowUsageRatio = c.Monitor.LowUsageRatio
	if c.Monitor.RecoverySamples > 0 {
		cfg.RecoverySamples = c.Monitor.RecoverySamples
	}
	if c.Monitor.TrimRatio > 0 {
		cfg.TrimRatio = c.Monitor.TrimRatio
	}
	cfg.OptimizationEnabled = c.Monitor.OptimizationEnabled
	cfg.ProfileDir = c.Monitor.ProfileDir
	return cfg
}

// MetricsSettings converts the metrics section
func (c *Configuration) MetricsSettings() *metrics.Config {
	cfg := metrics.DefaultConfig()
	cfg.Enabled = c.Metrics.Enabled
	if c.Metrics.Namespace != "" {
		cfg.Namespace = c.Metrics.Namespace
	}
	if c.Metrics.SlowThreshold > 0 {
		cfg.SlowThreshold = c.Metrics.SlowThreshold
	}
	return cfg
}

// S3Settings converts the loader.s3 section
func (c *Configuration) S3Settings() *loader.S3Config {
	return &loader.S3Config{
		Bucket:          c.Loader.S3.Bucket,
		Prefix:          c.Loader.S3.Prefix,
		Region:          c.Loader.S3.Region,
		Endpoint:        c.Loader.S3.Endpoint,
		Profile:         c.Loader.S3.Profile,
		ForcePathStyle:  c.Loader.S3.ForcePathStyle,
		AccessKeyID:     c.Loader.S3.AccessKeyID,
		SecretAccessKey: c.Loader.S3.SecretAccessKey,
		Timeout:         c.Loader.Timeout,
	}
}

// NewLogger builds the root logger from the global section. The returned
// close function releases the log file, if any.
func (c *Configuration) NewLogger() (*utils.StructuredLogger, func() error, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	loggerConfig := utils.DefaultStructuredLoggerConfig()
	loggerConfig.Level = level
	loggerConfig.Format = format

	closeFn := func() error { return nil }
	if c.Global.LogFile != "" {
		f, err := os.OpenFile(c.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		loggerConfig.Output = f
		closeFn = f.Close
	}

	logger, err := utils.NewStructuredLogger(loggerConfig)
	if err != nil {
		return nil, nil, err
	}
	return logger, closeFn, nil
}
