package config

import (
	"fmt"
	"strings"

	"agentmarket/native/reputation"
)

// MaxFeeRateBps caps the escrow fee at 100%.
const MaxFeeRateBps = 10_000

// ValidateConfig checks cross-field constraints after defaults are applied.
func ValidateConfig(cfg *Config) error {
	if cfg.Escrow.FeeRateBps > MaxFeeRateBps {
		return fmt.Errorf("escrow: FeeRateBps %d exceeds %d", cfg.Escrow.FeeRateBps, MaxFeeRateBps)
	}
	if cfg.Fraud.HistoryAgents <= 0 {
		return fmt.Errorf("fraud: HistoryAgents must be positive")
	}
	switch cfg.Dispute.Selection {
	case SelectionFixed, SelectionRoundRobin:
	default:
		return fmt.Errorf("dispute: unknown Selection %q", cfg.Dispute.Selection)
	}
	if len(cfg.Dispute.Arbitrators) == 0 {
		return fmt.Errorf("dispute: at least one arbitrator required")
	}
	for _, a := range cfg.Dispute.Arbitrators {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("dispute: empty arbitrator id")
		}
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb", "bolt":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage: Path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown Backend %q", cfg.Storage.Backend)
	}
	switch cfg.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database: DSN required for postgres")
		}
	default:
		return fmt.Errorf("database: unknown Driver %q", cfg.Database.Driver)
	}
	if _, err := reputation.ParseLevel(cfg.Trust.MinLevel); err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	if cfg.Audit.AlertsPerMinute < 0 {
		return fmt.Errorf("audit: AlertsPerMinute must be non-negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio %v outside [0, 1]", cfg.Telemetry.SampleRatio)
	}
	return nil
}
