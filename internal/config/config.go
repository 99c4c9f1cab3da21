// Package config loads papertrail settings from an optional YAML file and
// PAPERTRAIL_* environment overrides.
//
// Precedence, lowest to highest: DefaultConfig, the YAML file, the
// environment. A missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up inside the data directory.
const FileName = "config.yaml"

// Config is the complete runtime configuration.
type Config struct {
	DataDir   string `yaml:"data_dir" env:"PAPERTRAIL_DATA_DIR"`
	VaultPath string `yaml:"vault_path" env:"PAPERTRAIL_VAULT_PATH"`

	Budget      BudgetConfig      `yaml:"budget"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Compression CompressionConfig `yaml:"compression"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Log         LogConfig         `yaml:"log"`
}

// BudgetConfig sizes the input window.
type BudgetConfig struct {
	TotalTokens    int `yaml:"total_tokens" env:"PAPERTRAIL_BUDGET_TOTAL_TOKENS"`
	ReservedOutput int `yaml:"reserved_output" env:"PAPERTRAIL_BUDGET_RESERVED_OUTPUT"`
}

// TokensConfig controls the token counter.
type TokensConfig struct {
	CacheSize int    `yaml:"cache_size" env:"PAPERTRAIL_TOKENS_CACHE_SIZE"`
	Encoding  string `yaml:"encoding" env:"PAPERTRAIL_TOKENS_ENCODING"`
	// Estimate skips the BPE encoder and uses the chars/4 heuristic only.
	Estimate bool `yaml:"estimate" env:"PAPERTRAIL_TOKENS_ESTIMATE"`
}

// DocumentsConfig holds the size bands used by the chunker.
type DocumentsConfig struct {
	FullThreshold    int   `yaml:"full_threshold" env:"PAPERTRAIL_DOCUMENTS_FULL_THRESHOLD"`
	SummaryThreshold int   `yaml:"summary_threshold" env:"PAPERTRAIL_DOCUMENTS_SUMMARY_THRESHOLD"`
	ChunkTarget      int   `yaml:"chunk_target" env:"PAPERTRAIL_DOCUMENTS_CHUNK_TARGET"`
	MaxFileBytes     int64 `yaml:"max_file_bytes" env:"PAPERTRAIL_DOCUMENTS_MAX_FILE_BYTES"`
}

// CompressionConfig holds the aging policy and the sweep schedule.
type CompressionConfig struct {
	RecentMaxAge     time.Duration `yaml:"recent_max_age" env:"PAPERTRAIL_COMPRESSION_RECENT_MAX_AGE"`
	HistoricalMaxAge time.Duration `yaml:"historical_max_age" env:"PAPERTRAIL_COMPRESSION_HISTORICAL_MAX_AGE"`
	// SweepSchedule is a cron expression; empty disables the sweeper.
	SweepSchedule string `yaml:"sweep_schedule" env:"PAPERTRAIL_COMPRESSION_SWEEP_SCHEDULE"`
}

// WatcherConfig controls filesystem notifications.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled" env:"PAPERTRAIL_WATCHER_ENABLED"`
	Debounce time.Duration `yaml:"debounce" env:"PAPERTRAIL_WATCHER_DEBOUNCE"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level  string `yaml:"level" env:"PAPERTRAIL_LOG_LEVEL"`
	Format string `yaml:"format" env:"PAPERTRAIL_LOG_FORMAT"` // "json" or "console"
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".papertrail"),
		Budget: BudgetConfig{
			TotalTokens:    100_000,
			ReservedOutput: 28_000,
		},
		Tokens: TokensConfig{
			CacheSize: 10_000,
			Encoding:  "cl100k_base",
		},
		Documents: DocumentsConfig{
			FullThreshold:    4_000,
			SummaryThreshold: 20_000,
			ChunkTarget:      500,
			MaxFileBytes:     50 << 20,
		},
		Compression: CompressionConfig{
			RecentMaxAge:     7 * 24 * time.Hour,
			HistoricalMaxAge: 30 * 24 * time.Hour,
			SweepSchedule:    "@hourly",
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if it exists) over the defaults and applies environment
// overrides. An empty path means <DataDir>/config.yaml.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		if dir := os.Getenv("PAPERTRAIL_DATA_DIR"); dir != "" {
			cfg.DataDir = dir
		}
		path = filepath.Join(cfg.DataDir, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.VaultPath = expandHome(cfg.VaultPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Budget.TotalTokens <= 0 {
		return fmt.Errorf("config: budget.total_tokens must be positive, got %d", c.Budget.TotalTokens)
	}
	if c.Budget.ReservedOutput < 0 || c.Budget.ReservedOutput >= c.Budget.TotalTokens {
		return fmt.Errorf("config: budget.reserved_output %d must be in [0, %d)", c.Budget.ReservedOutput, c.Budget.TotalTokens)
	}
	if c.Tokens.CacheSize < 2 {
		return fmt.Errorf("config: tokens.cache_size must be at least 2, got %d", c.Tokens.CacheSize)
	}
	d := c.Documents
	if d.FullThreshold <= 0 || d.SummaryThreshold < d.FullThreshold {
		return fmt.Errorf("config: documents thresholds must satisfy 0 < full (%d) <= summary (%d)", d.FullThreshold, d.SummaryThreshold)
	}
	if d.ChunkTarget <= 0 {
		return fmt.Errorf("config: documents.chunk_target must be positive, got %d", d.ChunkTarget)
	}
	if c.Compression.RecentMaxAge <= 0 || c.Compression.HistoricalMaxAge <= 0 {
		return errors.New("config: compression ages must be positive")
	}
	if s := c.Compression.SweepSchedule; s != "" && !gronx.New().IsValid(s) {
		return fmt.Errorf("config: invalid compression.sweep_schedule %q", s)
	}
	if c.Watcher.Debounce <= 0 {
		return fmt.Errorf("config: watcher.debounce must be positive, got %s", c.Watcher.Debounce)
	}
	return nil
}

// SessionsDir is where per-session state lives.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// ArchiveDir holds the Tier-5 archive, outside every session tree.
func (c *Config) ArchiveDir() string { return filepath.Join(c.DataDir, "archive") }

// WorkingBudget is the part of the window available for input.
func (c *Config) WorkingBudget() int {
	return c.Budget.TotalTokens - c.Budget.ReservedOutput
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
