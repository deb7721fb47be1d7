package fraud

import (
	"context"
	"time"

	"agentmarket/native/common"
	"agentmarket/observability"
)

// Monitor screens funding events. It enriches the event with the buyer's
// registration time, evaluates it against the buyer's recent history and
// then records it in the window. Screens of the same buyer are serialised,
// and an event stamped before the buyer's latest recorded event is evaluated
// and recorded at that later time.
type Monitor struct {
	detector  *Detector
	window    *Window
	directory AgentDirectory
	locks     common.KeyedMutex
}

// NewMonitor wires a detector with its history window and directory. window
// and directory may be nil.
func NewMonitor(detector *Detector, window *Window, directory AgentDirectory) *Monitor {
	return &Monitor{detector: detector, window: window, directory: directory}
}

// Detector exposes the underlying rule catalogue.
func (m *Monitor) Detector() *Detector { return m.detector }

// Screen evaluates evt and records it for future rate checks.
func (m *Monitor) Screen(_ context.Context, evt Event) Matches {
	if m == nil || m.detector == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.BuyerCreatedAt == nil && m.directory != nil {
		if created, ok := m.directory.CreatedAt(evt.BuyerID); ok {
			evt.BuyerCreatedAt = &created
		}
	}
	unlock := m.locks.Lock(evt.BuyerID)
	defer unlock()
	history := m.window.Recent(evt.BuyerID, evt.Timestamp)
	if n := len(history); n > 0 && history[n-1].Timestamp.After(evt.Timestamp) {
		evt.Timestamp = history[n-1].Timestamp
	}
	matches := m.detector.Evaluate(evt, history)
	m.window.Record(evt)
	metrics := observability.Market()
	for _, match := range matches {
		metrics.RecordFraudTrigger(match.RuleID, string(match.Action))
	}
	return matches
}
