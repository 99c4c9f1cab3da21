package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- DefaultConfig ---

func TestDefaultConfig_Budget(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Budget.TotalTokens != 100000 {
		t.Errorf("TotalTokens = %d, want 100000", cfg.Budget.TotalTokens)
	}
	if cfg.Budget.ReservedOutput != 28000 {
		t.Errorf("ReservedOutput = %d, want 28000", cfg.Budget.ReservedOutput)
	}
	if got := cfg.WorkingBudget(); got != 72000 {
		t.Errorf("WorkingBudget() = %d, want 72000", got)
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Validate() on defaults: %v", err)
	}
}

func TestDefaultConfig_Paths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	if got := cfg.SessionsDir(); got != filepath.Join("/data", "sessions") {
		t.Errorf("SessionsDir() = %s", got)
	}
	if got := cfg.ArchiveDir(); got != filepath.Join("/data", "archive") {
		t.Errorf("ArchiveDir() = %s", got)
	}
	if strings.HasPrefix(cfg.ArchiveDir(), cfg.SessionsDir()) {
		t.Error("archive must live outside the sessions tree")
	}
}

// --- Load ---

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Documents.ChunkTarget != 500 {
		t.Errorf("ChunkTarget = %d, want 500", cfg.Documents.ChunkTarget)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	body := `
data_dir: ` + dir + `
vault_path: /notes
budget:
  total_tokens: 50000
  reserved_output: 10000
watcher:
  debounce: 500ms
compression:
  sweep_schedule: "*/5 * * * *"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.VaultPath != "/notes" {
		t.Errorf("VaultPath = %s, want /notes", cfg.VaultPath)
	}
	if cfg.WorkingBudget() != 40000 {
		t.Errorf("WorkingBudget() = %d, want 40000", cfg.WorkingBudget())
	}
	if cfg.Watcher.Debounce != 500*time.Millisecond {
		t.Errorf("Debounce = %s, want 500ms", cfg.Watcher.Debounce)
	}
	// Untouched sections keep their defaults.
	if cfg.Tokens.CacheSize != 10000 {
		t.Errorf("CacheSize = %d, want 10000", cfg.Tokens.CacheSize)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAPERTRAIL_DATA_DIR", dir)
	t.Setenv("PAPERTRAIL_LOG_LEVEL", "debug")
	t.Setenv("PAPERTRAIL_TOKENS_CACHE_SIZE", "64")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Tokens.CacheSize != 64 {
		t.Errorf("CacheSize = %d, want 64", cfg.Tokens.CacheSize)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.DataDir, dir)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("budget: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// --- Validate ---

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"reserved >= total", func(c *Config) { c.Budget.ReservedOutput = c.Budget.TotalTokens }},
		{"zero total", func(c *Config) { c.Budget.TotalTokens = 0 }},
		{"tiny cache", func(c *Config) { c.Tokens.CacheSize = 1 }},
		{"inverted thresholds", func(c *Config) { c.Documents.SummaryThreshold = 10 }},
		{"bad cron", func(c *Config) { c.Compression.SweepSchedule = "every tuesday" }},
		{"zero debounce", func(c *Config) { c.Watcher.Debounce = 0 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_EmptyScheduleDisablesSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression.SweepSchedule = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty schedule should be valid: %v", err)
	}
}
