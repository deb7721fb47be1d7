package events

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AtLeast reports whether s is as severe as or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank(s) >= severityRank(other)
}

func severityRank(s Severity) int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 1
	}
}

// Result captures the outcome of the audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultError   Result = "error"
)

// Event categories.
const (
	TypePayment  = "payment"
	TypeSecurity = "security"
	TypeDispute  = "dispute"
	TypeTrust    = "trust"
)

// AuditEvent is the structured record emitted for every state transition of
// the escrow, dispute, fraud and trust modules.
type AuditEvent struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	AgentID   string            `json:"agentId"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	Result    Result            `json:"result"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent builds an audit event with a fresh identifier. Details are copied.
func NewEvent(eventType, agentID, action string, details map[string]string, result Result, severity Severity, at time.Time) AuditEvent {
	copied := make(map[string]string, len(details))
	for k, v := range details {
		copied[k] = v
	}
	if at.IsZero() {
		at = time.Now()
	}
	return AuditEvent{
		ID:        uuid.NewString(),
		Type:      strings.TrimSpace(eventType),
		AgentID:   strings.TrimSpace(agentID),
		Action:    strings.TrimSpace(action),
		Details:   copied,
		Result:    result,
		Severity:  severity,
		Timestamp: at.UTC(),
	}
}

// DetailKeys returns the detail keys in sorted order.
func (e AuditEvent) DetailKeys() []string {
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sink receives audit events. Callers in this module treat emission as fire
// and forget: a returned error is logged and never changes an operation's
// result.
type Sink interface {
	Emit(ctx context.Context, evt AuditEvent) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt AuditEvent) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, evt AuditEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, evt)
}

// NoopSink discards all events.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(context.Context, AuditEvent) error { return nil }
