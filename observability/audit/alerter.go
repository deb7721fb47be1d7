package audit

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"agentmarket/core/events"
	"agentmarket/observability"
)

// Alert kinds.
const (
	AlertSeverity     = "severity"
	AlertLargePayment = "large_payment"
)

// DefaultLargePaymentSats is the payment size above which an alert fires.
const DefaultLargePaymentSats int64 = 1_000_000

// Alert is raised for events that need an operator's attention.
type Alert struct {
	Kind  string
	Event events.AuditEvent
}

// AlertHandler receives raised alerts.
type AlertHandler func(ctx context.Context, alert Alert)

// Alerter is a sink that raises alerts for error and critical events and
// for payment events above a threshold. Alerts of each kind are rate
// limited; suppressed alerts are dropped.
type Alerter struct {
	threshold int64
	perMinute int
	handler   AlertHandler
	metrics   *observability.MarketMetrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAlerter builds an alerter. perMinute <= 0 disables throttling and
// threshold <= 0 selects DefaultLargePaymentSats. A nil handler logs alerts
// at ERROR.
func NewAlerter(threshold int64, perMinute int, handler AlertHandler) *Alerter {
	if threshold <= 0 {
		threshold = DefaultLargePaymentSats
	}
	if handler == nil {
		handler = logAlert(slog.Default())
	}
	return &Alerter{
		threshold: threshold,
		perMinute: perMinute,
		handler:   handler,
		metrics:   observability.Market(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func logAlert(logger *slog.Logger) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		logger.LogAttrs(ctx, slog.LevelError, "audit alert",
			slog.String("kind", alert.Kind),
			slog.String("action", alert.Event.Action),
			slog.String("agent_id", alert.Event.AgentID),
			slog.String("event_id", alert.Event.ID))
	}
}

func (a *Alerter) limiter(kind string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[kind]
	if !ok {
		if a.perMinute <= 0 {
			l = rate.NewLimiter(rate.Inf, 0)
		} else {
			l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.perMinute)), a.perMinute)
		}
		a.limiters[kind] = l
	}
	return l
}

// Kinds returns the alert kinds evt triggers.
func (a *Alerter) Kinds(evt events.AuditEvent) []string {
	var kinds []string
	if evt.Severity.AtLeast(events.SeverityError) {
		kinds = append(kinds, AlertSeverity)
	}
	if evt.Type == events.TypePayment {
		if amount, err := strconv.ParseInt(evt.Details["amountSats"], 10, 64); err == nil && amount > a.threshold {
			kinds = append(kinds, AlertLargePayment)
		}
	}
	return kinds
}

func (a *Alerter) Emit(ctx context.Context, evt events.AuditEvent) error {
	for _, kind := range a.Kinds(evt) {
		if !a.limiter(kind).Allow() {
			continue
		}
		a.metrics.RecordAlert(kind)
		a.handler(ctx, Alert{Kind: kind, Event: evt})
	}
	return nil
}
