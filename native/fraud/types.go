package fraud

import (
	"fmt"
	"strings"
	"time"

	"agentmarket/core/events"
)

// Kind selects the predicate a rule evaluates.
type Kind string

const (
	KindHighAmount        Kind = "high_amount"
	KindRapidTransactions Kind = "rapid_transactions"
	KindNewAgent          Kind = "new_agent"
	KindExpression        Kind = "expression"
)

// Valid reports whether the kind is supported.
func (k Kind) Valid() bool {
	switch k {
	case KindHighAmount, KindRapidTransactions, KindNewAgent, KindExpression:
		return true
	default:
		return false
	}
}

// Action decides what a triggered rule does to the payment.
type Action string

const (
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// Valid reports whether the action is supported.
func (a Action) Valid() bool { return a == ActionFlag || a == ActionBlock }

// Severity grades a rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// AuditSeverity maps the rule severity onto the audit scale.
func (s Severity) AuditSeverity() events.Severity {
	switch s {
	case SeverityLow:
		return events.SeverityInfo
	case SeverityMedium:
		return events.SeverityWarning
	case SeverityHigh:
		return events.SeverityError
	case SeverityCritical:
		return events.SeverityCritical
	default:
		return events.SeverityWarning
	}
}

// Rule is a single fraud predicate. Only the parameters relevant to Kind are
// consulted.
type Rule struct {
	ID          string
	Name        string
	Description string
	Kind        Kind
	Severity    Severity
	Action      Action
	Enabled     bool

	// AmountThreshold triggers high_amount when the amount is strictly above it.
	AmountThreshold int64
	// TimeWindow and MaxTransactions configure rapid_transactions.
	TimeWindow      time.Duration
	MaxTransactions int
	// MinAgeDays configures new_agent.
	MinAgeDays int
	// Expression is the CEL source for expression rules.
	Expression string
}

// Validate checks the rule definition and fills defaults for unset
// parameters.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("fraud: nil rule")
	}
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return fmt.Errorf("fraud: rule id required")
	}
	if strings.TrimSpace(r.Name) == "" {
		r.Name = r.ID
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("fraud: rule %s: unsupported kind %q", r.ID, r.Kind)
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("fraud: rule %s: unsupported severity %q", r.ID, r.Severity)
	}
	if r.Action == "" {
		r.Action = ActionFlag
	}
	if !r.Action.Valid() {
		return fmt.Errorf("fraud: rule %s: unsupported action %q", r.ID, r.Action)
	}
	switch r.Kind {
	case KindHighAmount:
		if r.AmountThreshold <= 0 {
			r.AmountThreshold = DefaultAmountThreshold
		}
	case KindRapidTransactions:
		if r.TimeWindow <= 0 {
			r.TimeWindow = DefaultTimeWindow
		}
		if r.MaxTransactions <= 0 {
			r.MaxTransactions = DefaultMaxTransactions
		}
	case KindNewAgent:
		if r.MinAgeDays <= 0 {
			r.MinAgeDays = DefaultMinAgeDays
		}
	case KindExpression:
		if strings.TrimSpace(r.Expression) == "" {
			return fmt.Errorf("fraud: rule %s: expression required", r.ID)
		}
	}
	return nil
}

// Event is the normalised payment event scored by the detector.
type Event struct {
	BuyerID    string
	SellerID   string
	AmountSats int64
	Timestamp  time.Time
	// BuyerCreatedAt is nil when the buyer's registration time is unknown.
	BuyerCreatedAt *time.Time
}

// Match records a triggered rule.
type Match struct {
	RuleID   string
	Severity Severity
	Action   Action
}

// Matches is the ordered list of triggered rules.
type Matches []Match

// IDs returns the triggered rule identifiers in evaluation order.
func (m Matches) IDs() []string {
	ids := make([]string, 0, len(m))
	for _, match := range m {
		ids = append(ids, match.RuleID)
	}
	return ids
}

// Blocking reports whether any triggered rule carries the block action.
func (m Matches) Blocking() bool {
	for _, match := range m {
		if match.Action == ActionBlock {
			return true
		}
	}
	return false
}
