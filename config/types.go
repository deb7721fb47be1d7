package config

// Escrow configures the escrow ledger.
type Escrow struct {
	// FeeRateBps is the platform fee in basis points of the escrowed amount.
	FeeRateBps uint32 `toml:"FeeRateBps"`
}

// Fraud configures rule loading and the per-buyer history window.
type Fraud struct {
	RulesPath            string `toml:"RulesPath"`
	HistoryAgents        int    `toml:"HistoryAgents"`
	HistoryWindowSeconds uint32 `toml:"HistoryWindowSeconds"`
}

// Dispute configures arbitrator assignment.
type Dispute struct {
	Arbitrators []string `toml:"Arbitrators"`
	// Selection is "fixed" or "round_robin".
	Selection string `toml:"Selection"`
}

// Storage selects the key-value backend for escrows, disputes and scores.
type Storage struct {
	// Backend is "memory", "leveldb" or "bolt".
	Backend string `toml:"Backend"`
	Path    string `toml:"Path"`
}

// Database selects the relational store for interactions and the audit
// trail. An empty Driver disables it.
type Database struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Audit configures audit sinks and alerting.
type Audit struct {
	File             string `toml:"File"`
	MaxSizeMB        int    `toml:"MaxSizeMB"`
	MaxBackups       int    `toml:"MaxBackups"`
	MaxAgeDays       int    `toml:"MaxAgeDays"`
	Compress         bool   `toml:"Compress"`
	AlertsPerMinute  int    `toml:"AlertsPerMinute"`
	LargePaymentSats int64  `toml:"LargePaymentSats"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	Headers  string `toml:"Headers"`
	// SampleRatio is the trace sampling ratio; zero samples every trace.
	SampleRatio float64 `toml:"SampleRatio"`
}

// Trust configures counterparty gating.
type Trust struct {
	// MinLevel is the lowest verification level a seller may hold.
	MinLevel string `toml:"MinLevel"`
}

// Quota defines per-agent rate limits on escrow proposals.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxSatsPerEpoch     uint64 `toml:"MaxSatsPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}
