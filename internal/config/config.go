// Package config provides process-wide configuration for shrinkd. The
// configuration is resolved once at boot from an optional YAML file plus
// SHRINKD_* environment overrides; it is not hot-reloadable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/branport/shrinkd/internal/xerrors"
)

// Default constants.
const (
	// DefaultEncodingTimeout bounds a single encode run. Effectively
	// infinite; real encodes finish in hours or days.
	DefaultEncodingTimeout = 30 * 24 * time.Hour

	// DefaultSearchTimeout bounds a single CRF-search run.
	DefaultSearchTimeout = 6 * time.Hour

	// DefaultRateLimitMessages is the per-stage message budget per interval.
	DefaultRateLimitMessages = 5

	// DefaultRateLimitInterval is the default for rate_limit_interval. The
	// value is validated but the stage pipelines do not read it: their
	// limiter window is fixed at one second.
	DefaultRateLimitInterval = time.Second

	// DefaultVMAFTarget is the minimum acceptable VMAF score.
	DefaultVMAFTarget = 95.0

	// DefaultToolPath expects ab-av1 on PATH.
	DefaultToolPath = "ab-av1"

	// DefaultListenAddr serves the operator API.
	DefaultListenAddr = "127.0.0.1:8989"

	// Watchdog thresholds. Encodes are genuinely long; searches are not.
	DefaultSearchWarnThreshold = 30 * time.Minute
	DefaultSearchKillThreshold = time.Hour
	DefaultEncodeWarnThreshold = 23 * time.Hour
	DefaultEncodeKillThreshold = 24 * time.Hour
)

// WatchdogConfig holds per-stage stall thresholds.
type WatchdogConfig struct {
	WarnThreshold time.Duration `yaml:"warn_threshold"`
	KillThreshold time.Duration `yaml:"kill_threshold"`
}

// ServiceEndpoint configures one external library source.
type ServiceEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Config holds all configuration for the daemon.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	TempDir      string `yaml:"tmp_dir"`
	ToolPath     string `yaml:"external_tool_path"`
	ListenAddr   string `yaml:"listen_addr"`

	LogLevel   string `yaml:"log_level"`
	LogConsole bool   `yaml:"log_console"`

	EncodingTimeout time.Duration `yaml:"encoding_timeout"`
	SearchTimeout   time.Duration `yaml:"search_timeout"`

	RateLimitMessages int           `yaml:"rate_limit_messages"`
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`

	VMAFTarget float64 `yaml:"vmaf_target"`

	SearchWatchdog WatchdogConfig `yaml:"search_watchdog"`
	EncodeWatchdog WatchdogConfig `yaml:"encode_watchdog"`

	Movies ServiceEndpoint `yaml:"movies"`
	Series ServiceEndpoint `yaml:"series"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		DatabasePath:      "shrinkd.db",
		TempDir:           os.TempDir(),
		ToolPath:          DefaultToolPath,
		ListenAddr:        DefaultListenAddr,
		LogLevel:          "info",
		EncodingTimeout:   DefaultEncodingTimeout,
		SearchTimeout:     DefaultSearchTimeout,
		RateLimitMessages: DefaultRateLimitMessages,
		RateLimitInterval: DefaultRateLimitInterval,
		VMAFTarget:        DefaultVMAFTarget,
		SearchWatchdog: WatchdogConfig{
			WarnThreshold: DefaultSearchWarnThreshold,
			KillThreshold: DefaultSearchKillThreshold,
		},
		EncodeWatchdog: WatchdogConfig{
			WarnThreshold: DefaultEncodeWarnThreshold,
			KillThreshold: DefaultEncodeKillThreshold,
		},
	}
}

// Load reads the config file (when path is non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindConfig, "read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.KindConfig, "parse config file", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHRINKD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SHRINKD_TMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("SHRINKD_TOOL_PATH"); v != "" {
		cfg.ToolPath = v
	}
	if v := os.Getenv("SHRINKD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SHRINKD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHRINKD_VMAF_TARGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.VMAFTarget = f
		}
	}
	if v := os.Getenv("SHRINKD_ENCODING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.EncodingTimeout = d
		}
	}
	if v := os.Getenv("SHRINKD_MOVIES_URL"); v != "" {
		cfg.Movies.BaseURL = v
	}
	if v := os.Getenv("SHRINKD_MOVIES_API_KEY"); v != "" {
		cfg.Movies.APIKey = v
	}
	if v := os.Getenv("SHRINKD_SERIES_URL"); v != "" {
		cfg.Series.BaseURL = v
	}
	if v := os.Getenv("SHRINKD_SERIES_API_KEY"); v != "" {
		cfg.Series.APIKey = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return xerrors.NewConfigError("database_path is required")
	}
	if c.TempDir == "" {
		return xerrors.NewConfigError("tmp_dir is required")
	}
	if c.ToolPath == "" {
		return xerrors.NewConfigError("external_tool_path is required")
	}
	if c.VMAFTarget <= 0 || c.VMAFTarget > 100 {
		return xerrors.NewConfigError(fmt.Sprintf("vmaf_target %.1f out of range (0, 100]", c.VMAFTarget))
	}
	if c.RateLimitMessages <= 0 {
		return xerrors.NewConfigError("rate_limit_messages must be positive")
	}
	if c.RateLimitInterval <= 0 {
		return xerrors.NewConfigError("rate_limit_interval must be positive")
	}
	if c.EncodingTimeout <= 0 || c.SearchTimeout <= 0 {
		return xerrors.NewConfigError("stage timeouts must be positive")
	}
	for _, wd := range []WatchdogConfig{c.SearchWatchdog, c.EncodeWatchdog} {
		if wd.KillThreshold < wd.WarnThreshold {
			return xerrors.NewConfigError("watchdog kill threshold below warn threshold")
		}
	}
	return nil
}

// TimeoutFor returns the absolute subprocess timeout for a stage name.
func (c *Config) TimeoutFor(stage string) time.Duration {
	if stage == "encoder" {
		return c.EncodingTimeout
	}
	return c.SearchTimeout
}
