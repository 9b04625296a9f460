package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Coordinator CoordinatorConfig   `toml:"coordinator"`
	Notify      NotifyConfig        `toml:"notify"`
	Roles       map[string][]string `toml:"roles"`
	Raw         map[string]any      `toml:"-"`
	Path        string              `toml:"-"`
}

type CoordinatorConfig struct {
	Addr            string   `toml:"addr"`
	DBPath          string   `toml:"db_path"`
	CatalogPath     string   `toml:"catalog_path"`
	TimeoutSweep    string   `toml:"timeout_sweep"`
	OverdueSweep    string   `toml:"overdue_sweep"`
	ScanSweep       string   `toml:"scan_sweep"`
	ObserverBuffer  int      `toml:"observer_buffer"`
	ExpertAgent     string   `toml:"expert_agent"`
	SystemAgents    []string `toml:"system_agents"`
	DefaultSLAHours int      `toml:"default_sla_hours"`
}

type NotifyConfig struct {
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
	LogOnly       bool    `toml:"log_only"`
}

// TimeoutInterval is the approval timeout sweep cadence.
func (c CoordinatorConfig) TimeoutInterval() (time.Duration, error) {
	return parseInterval("timeout_sweep", c.TimeoutSweep, time.Minute)
}

// OverdueInterval is the red-flag overdue sweep cadence.
func (c CoordinatorConfig) OverdueInterval() (time.Duration, error) {
	return parseInterval("overdue_sweep", c.OverdueSweep, 5*time.Minute)
}

// ScanInterval is the cadence for screening findings nobody has scanned yet.
func (c CoordinatorConfig) ScanInterval() (time.Duration, error) {
	return parseInterval("scan_sweep", c.ScanSweep, 30*time.Second)
}

func parseInterval(key, raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: interval must be positive", key)
	}
	return d, nil
}

// Load reads the TOML file at path. A missing file at the default location
// yields an empty config; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// ExpandHome resolves a leading ~ against the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Clean(filepath.Join(home, trimmed)), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dealcoord/config.toml"
	}
	return filepath.Join(home, ".dealcoord", "config.toml")
}
