// Package config handles configuration for vision-runner.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/vision-runner/pkg/advisor"
	"github.com/devicelab-dev/vision-runner/pkg/buffer"
	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/detection"
	"github.com/devicelab-dev/vision-runner/pkg/executor"
)

// Store backends.
const (
	StoreSQLite  = "sqlite"
	StoreMonitor = "monitor"
	StoreNone    = "none"
)

// Config represents the workspace configuration (config.yaml).
type Config struct {
	Devices []string `yaml:"devices"` // Device serials; empty = all connected

	Detector  DetectorConfig  `yaml:"detector"`
	Cache     CacheConfig     `yaml:"cache"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
	Store     StoreConfig     `yaml:"store"`
	Execution ExecutionConfig `yaml:"execution"`

	LogFile string `yaml:"logFile"`
	Debug   bool   `yaml:"debug"`
}

// DetectorConfig configures the detection service client.
type DetectorConfig struct {
	Endpoint  string        `yaml:"endpoint"`  // HTTP detection service URL
	Timeout   time.Duration `yaml:"timeout"`   // Per call
	RateLimit float64       `yaml:"rateLimit"` // Calls per second across devices; 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// CacheConfig configures the detection cache.
type CacheConfig struct {
	Duration time.Duration `yaml:"duration"`
	MaxSize  int           `yaml:"maxSize"`
}

// BufferConfig configures the result buffer.
type BufferConfig struct {
	HardLimit      int           `yaml:"hardLimit"`
	EmergencyRatio float64       `yaml:"emergencyRatio"`
	FlushWait      time.Duration `yaml:"flushWait"`
	BatchSize      int           `yaml:"batchSize"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
}

// AdvisorConfig configures the concurrency advisor.
type AdvisorConfig struct {
	BaseThreshold int     `yaml:"baseThreshold"`
	MaxHistory    int     `yaml:"maxHistory"`
	ScoreCap      float64 `yaml:"scoreCap"`
}

// StoreConfig selects where execution records are persisted.
type StoreConfig struct {
	Backend      string `yaml:"backend"` // sqlite, monitor, none
	Path         string `yaml:"path"`    // SQLite file
	MonitorURL   string `yaml:"monitorUrl"`
	MonitorToken string `yaml:"monitorToken"`
}

// ExecutionConfig holds runner defaults that scripts may override.
type ExecutionConfig struct {
	WaitTimeout      time.Duration `yaml:"waitTimeout"`
	MaxTryTime       int           `yaml:"maxTryTime"`
	DefaultThreshold float64       `yaml:"defaultThreshold"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	ScreenshotDir    string        `yaml:"screenshotDir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Endpoint: "http://127.0.0.1:8000/detect",
			Timeout:  10 * time.Second,
			Burst:    1,
		},
		Cache: CacheConfig{
			Duration: detection.DefaultCacheDuration,
			MaxSize:  detection.DefaultMaxCacheSize,
		},
		Buffer: BufferConfig{
			HardLimit:      buffer.DefaultHardLimit,
			EmergencyRatio: buffer.DefaultEmergencyRatio,
			FlushWait:      buffer.DefaultFlushWait,
			BatchSize:      buffer.DefaultBatchSize,
			FlushInterval:  30 * time.Second,
		},
		Advisor: AdvisorConfig{
			BaseThreshold: advisor.DefaultBaseThreshold,
			MaxHistory:    advisor.DefaultMaxHistory,
			ScoreCap:      advisor.DefaultScoreCap,
		},
		Store: StoreConfig{
			Backend: StoreSQLite,
			Path:    filepath.Join(GetDataDir(), "records.db"),
		},
		Execution: ExecutionConfig{
			WaitTimeout:      executor.DefaultWaitTimeout,
			MaxTryTime:       executor.DefaultMaxTryTime,
			DefaultThreshold: executor.DefaultThreshold,
			PollInterval:     executor.DefaultPollInterval,
			RetryDelay:       executor.DefaultRetryDelay,
		},
	}
}

// Load loads configuration from a file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	return Default(), nil
}

// LoadDotEnv loads KEY=VALUE pairs from files (default ".env") into the
// process environment without overriding variables already set.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from VISION_* environment variables.
func (c *Config) ApplyEnv() {
	c.Detector.Endpoint = getEnv("VISION_DETECTOR_URL", c.Detector.Endpoint)
	c.Detector.Timeout = getEnvDuration("VISION_DETECTOR_TIMEOUT", c.Detector.Timeout)
	c.Detector.RateLimit = getEnvFloat("VISION_RATE_LIMIT", c.Detector.RateLimit)
	c.Cache.Duration = getEnvDuration("VISION_CACHE_DURATION", c.Cache.Duration)
	c.Buffer.HardLimit = getEnvInt("VISION_BUFFER_LIMIT", c.Buffer.HardLimit)
	c.Buffer.FlushInterval = getEnvDuration("VISION_FLUSH_INTERVAL", c.Buffer.FlushInterval)
	c.Advisor.BaseThreshold = getEnvInt("VISION_BASE_THRESHOLD", c.Advisor.BaseThreshold)
	c.Store.Backend = getEnv("VISION_STORE", c.Store.Backend)
	c.Store.Path = getEnv("VISION_DB_PATH", c.Store.Path)
	c.Store.MonitorURL = getEnv("VISION_MONITOR_URL", c.Store.MonitorURL)
	c.Store.MonitorToken = getEnv("VISION_MONITOR_TOKEN", c.Store.MonitorToken)
	c.Execution.ScreenshotDir = getEnv("VISION_SCREENSHOT_DIR", c.Execution.ScreenshotDir)
	c.LogFile = getEnv("VISION_LOG_FILE", c.LogFile)
	if v := os.Getenv("VISION_DEVICES"); v != "" {
		c.Devices = splitList(v)
	}
	if v := os.Getenv("VISION_DEBUG"); v != "" {
		c.Debug, _ = strconv.ParseBool(v)
	}
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, core.ErrInvalidConfig.WithMessage(fmt.Sprintf(format, args...)))
	}

	if c.Detector.Endpoint == "" {
		bad("detector.endpoint is required")
	}
	if c.Detector.RateLimit < 0 {
		bad("detector.rateLimit must not be negative")
	}
	if c.Cache.Duration < 0 || c.Cache.MaxSize < 0 {
		bad("cache.duration and cache.maxSize must not be negative")
	}
	if c.Buffer.HardLimit < 0 || c.Buffer.BatchSize < 0 {
		bad("buffer.hardLimit and buffer.batchSize must not be negative")
	}
	if c.Buffer.EmergencyRatio < 0 || c.Buffer.EmergencyRatio > 1 {
		bad("buffer.emergencyRatio must be within [0, 1]")
	}
	if c.Execution.DefaultThreshold < 0 || c.Execution.DefaultThreshold > 1 {
		bad("execution.defaultThreshold must be within [0, 1]")
	}

	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.Path == "" {
			bad("store.path is required for the sqlite backend")
		}
	case StoreMonitor:
		if c.Store.MonitorURL == "" {
			bad("store.monitorUrl is required for the monitor backend")
		}
	case StoreNone:
	default:
		bad("unknown store.backend %q (want sqlite, monitor or none)", c.Store.Backend)
	}

	return errors.Join(errs...)
}

// CacheOptions returns the detection cache configuration.
func (c *Config) CacheOptions() detection.CacheConfig {
	return detection.CacheConfig{Duration: c.Cache.Duration, MaxSize: c.Cache.MaxSize}
}

// ServiceOptions returns the detection service configuration.
func (c *Config) ServiceOptions() detection.ServiceConfig {
	return detection.ServiceConfig{
		RateLimit: c.Detector.RateLimit,
		Burst:     c.Detector.Burst,
		Timeout:   c.Detector.Timeout,
	}
}

// BufferOptions returns the result buffer configuration.
func (c *Config) BufferOptions() buffer.Config {
	return buffer.Config{
		HardLimit:      c.Buffer.HardLimit,
		EmergencyRatio: c.Buffer.EmergencyRatio,
		FlushWait:      c.Buffer.FlushWait,
		BatchSize:      c.Buffer.BatchSize,
		FlushInterval:  c.Buffer.FlushInterval,
	}
}

// AdvisorOptions returns the advisor configuration.
func (c *Config) AdvisorOptions() advisor.Config {
	return advisor.Config{
		BaseThreshold: c.Advisor.BaseThreshold,
		MaxHistory:    c.Advisor.MaxHistory,
		ScoreCap:      c.Advisor.ScoreCap,
	}
}

// ExecutorSettings returns the runner defaults.
func (c *Config) ExecutorSettings() executor.Settings {
	s := executor.DefaultSettings()
	e := c.Execution
	if e.WaitTimeout > 0 {
		s.WaitTimeout = e.WaitTimeout
	}
	if e.MaxTryTime > 0 {
		s.MaxTryTime = e.MaxTryTime
	}
	if e.DefaultThreshold > 0 {
		s.DefaultThreshold = e.DefaultThreshold
	}
	if e.PollInterval > 0 {
		s.PollInterval = e.PollInterval
	}
	s.RetryDelay = e.RetryDelay
	s.ScreenshotDir = e.ScreenshotDir
	return s
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EnvHome names the environment variable that pins the home directory.
const EnvHome = "VISION_RUNNER_HOME"

var home = sync.OnceValue(findHome)

// GetHome returns the directory holding data/ and logs/. It is resolved once:
// $VISION_RUNNER_HOME, then <home> for a binary installed as <home>/bin/vision-runner,
// then ~/.vision-runner, then the working directory.
func GetHome() string {
	return home()
}

// GetDataDir returns <home>/data, where the SQLite store lives.
func GetDataDir() string {
	return filepath.Join(GetHome(), "data")
}

// GetLogDir returns <home>/logs.
func GetLogDir() string {
	return filepath.Join(GetHome(), "logs")
}

// ResetHome forgets the resolved home directory.
func ResetHome() {
	home = sync.OnceValue(findHome)
}

func findHome() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	if exe, err := os.Executable(); err == nil {
		if target, err := filepath.EvalSymlinks(exe); err == nil {
			exe = target
		}
		if bin := filepath.Dir(exe); filepath.Base(bin) == "bin" {
			return filepath.Dir(bin)
		}
	}
	if user, err := os.UserHomeDir(); err == nil && user != "" {
		return filepath.Join(user, ".vision-runner")
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}
