package events

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestNewEventCopiesDetails(t *testing.T) {
	details := map[string]string{"escrowId": "escrow_1", "amount": "1000"}
	at := time.Unix(1_700_000_000, 0)
	evt := NewEvent(TypePayment, " buyer-1 ", "payment_required", details, ResultSuccess, SeverityInfo, at)
	details["amount"] = "mutated"

	if evt.ID == "" {
		t.Fatalf("expected event id")
	}
	if evt.AgentID != "buyer-1" {
		t.Fatalf("expected trimmed agent id, got %q", evt.AgentID)
	}
	if evt.Details["amount"] != "1000" {
		t.Fatalf("details should be copied, got %q", evt.Details["amount"])
	}
	if !evt.Timestamp.Equal(at) {
		t.Fatalf("unexpected timestamp %v", evt.Timestamp)
	}
	if got := evt.DetailKeys(); !reflect.DeepEqual(got, []string{"amount", "escrowId"}) {
		t.Fatalf("unexpected keys %v", got)
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityError) {
		t.Fatalf("critical should be at least error")
	}
	if SeverityWarning.AtLeast(SeverityError) {
		t.Fatalf("warning should be below error")
	}
	if !SeverityInfo.AtLeast(SeverityInfo) {
		t.Fatalf("severity should be at least itself")
	}
}

func TestSinkFuncAndNoop(t *testing.T) {
	var got []AuditEvent
	sink := SinkFunc(func(_ context.Context, evt AuditEvent) error {
		got = append(got, evt)
		return nil
	})
	if err := sink.Emit(context.Background(), AuditEvent{Action: "x"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(got) != 1 || got[0].Action != "x" {
		t.Fatalf("unexpected captured events %v", got)
	}
	if err := (NoopSink{}).Emit(context.Background(), AuditEvent{}); err != nil {
		t.Fatalf("noop emit: %v", err)
	}
}
