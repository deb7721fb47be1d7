package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Arbitrator selection strategies.
const (
	SelectionFixed      = "fixed"
	SelectionRoundRobin = "round_robin"
)

const (
	DefaultFeeRateBps           = 100
	DefaultHistoryAgents        = 10_000
	DefaultHistoryWindowSeconds = 3600
	DefaultArbitrator           = "arbitrator_1"
	DefaultLargePaymentSats     = 1_000_000
	DefaultAlertsPerMinute      = 10
)

type Config struct {
	ServiceName   string   `toml:"ServiceName"`
	Environment   string   `toml:"Environment"`
	LogLevel      string   `toml:"LogLevel"`
	LogFile       string   `toml:"LogFile"`
	DataDir       string   `toml:"DataDir"`
	PausedModules []string `toml:"PausedModules"`

	Escrow    Escrow    `toml:"Escrow"`
	Fraud     Fraud     `toml:"Fraud"`
	Dispute   Dispute   `toml:"Dispute"`
	Storage   Storage   `toml:"Storage"`
	Database  Database  `toml:"Database"`
	Audit     Audit     `toml:"Audit"`
	Telemetry Telemetry `toml:"Telemetry"`
	Trust     Trust     `toml:"Trust"`
	Quota     Quota     `toml:"Quota"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load loads the configuration from the given path, writing a default file
// first when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "marketd"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if cfg.PausedModules == nil {
		cfg.PausedModules = []string{}
	}
	if cfg.Escrow.FeeRateBps == 0 {
		cfg.Escrow.FeeRateBps = DefaultFeeRateBps
	}
	if cfg.Fraud.HistoryAgents == 0 {
		cfg.Fraud.HistoryAgents = DefaultHistoryAgents
	}
	if cfg.Fraud.HistoryWindowSeconds == 0 {
		cfg.Fraud.HistoryWindowSeconds = DefaultHistoryWindowSeconds
	}
	cfg.Dispute.Selection = strings.ToLower(strings.TrimSpace(cfg.Dispute.Selection))
	if cfg.Dispute.Selection == "" {
		cfg.Dispute.Selection = SelectionFixed
	}
	if len(cfg.Dispute.Arbitrators) == 0 {
		cfg.Dispute.Arbitrators = []string{DefaultArbitrator}
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Audit.LargePaymentSats == 0 {
		cfg.Audit.LargePaymentSats = DefaultLargePaymentSats
	}
	if cfg.Audit.AlertsPerMinute == 0 {
		cfg.Audit.AlertsPerMinute = DefaultAlertsPerMinute
	}
	if cfg.Audit.MaxSizeMB == 0 {
		cfg.Audit.MaxSizeMB = 100
	}
	if strings.TrimSpace(cfg.Trust.MinLevel) == "" {
		cfg.Trust.MinLevel = "unknown"
	}
	if cfg.Quota.EpochSeconds == 0 {
		cfg.Quota.EpochSeconds = 60
	}
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = filepath.Join(filepath.Dir(path), "market-data")
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
