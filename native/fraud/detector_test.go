package fraud

import (
	"errors"
	"reflect"
	"testing"
	"time"

	coreerrors "agentmarket/core/errors"
)

func newDefaultDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDefaultDetector()
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d
}

func TestHighAmountAlwaysTriggers(t *testing.T) {
	d := newDefaultDetector(t)
	evt := Event{BuyerID: "buyer", SellerID: "seller", AmountSats: 2_000_000, Timestamp: time.Unix(1_700_000_000, 0)}
	matches := d.Evaluate(evt, nil)
	if !reflect.DeepEqual(matches.IDs(), []string{"high_amount"}) {
		t.Fatalf("unexpected matches %v", matches.IDs())
	}
	if matches.Blocking() {
		t.Fatalf("high_amount only flags")
	}
}

func TestSmallAmountWithoutHistoryTriggersNothing(t *testing.T) {
	d := newDefaultDetector(t)
	evt := Event{BuyerID: "buyer", SellerID: "seller", AmountSats: 500, Timestamp: time.Unix(1_700_000_000, 0)}
	if matches := d.Evaluate(evt, nil); len(matches) != 0 {
		t.Fatalf("expected no matches, got %v", matches.IDs())
	}
}

func TestHighAmountThresholdIsExclusive(t *testing.T) {
	d := newDefaultDetector(t)
	evt := Event{BuyerID: "buyer", AmountSats: DefaultAmountThreshold, Timestamp: time.Unix(1_700_000_000, 0)}
	if matches := d.Evaluate(evt, nil); len(matches) != 0 {
		t.Fatalf("threshold amount must not trigger, got %v", matches.IDs())
	}
}

func TestRapidTransactionsCountsCurrentEvent(t *testing.T) {
	d := newDefaultDetector(t)
	now := time.Unix(1_700_000_000, 0)
	var history []Event
	for i := 0; i < 3; i++ {
		history = append(history, Event{BuyerID: "buyer", AmountSats: 100, Timestamp: now.Add(-time.Duration(i+1) * time.Minute)})
	}
	history = append(history, Event{BuyerID: "other", AmountSats: 100, Timestamp: now.Add(-time.Minute)})
	history = append(history, Event{BuyerID: "buyer", AmountSats: 100, Timestamp: now.Add(-10 * time.Minute)})

	evt := Event{BuyerID: "buyer", AmountSats: 100, Timestamp: now}
	if matches := d.Evaluate(evt, history); len(matches) != 0 {
		t.Fatalf("4 events in window should not trigger, got %v", matches.IDs())
	}

	history = append(history, Event{BuyerID: "buyer", AmountSats: 100, Timestamp: now.Add(-DefaultTimeWindow)})
	matches := d.Evaluate(evt, history)
	if !reflect.DeepEqual(matches.IDs(), []string{"rapid_transactions"}) {
		t.Fatalf("expected rapid_transactions, got %v", matches.IDs())
	}
	if !matches.Blocking() {
		t.Fatalf("rapid_transactions blocks")
	}
}

func TestNewAgentSkippedWhenCreationUnknown(t *testing.T) {
	d := newDefaultDetector(t)
	now := time.Unix(1_700_000_000, 0)
	evt := Event{BuyerID: "buyer", AmountSats: 10, Timestamp: now}
	if matches := d.Evaluate(evt, nil); len(matches) != 0 {
		t.Fatalf("unknown creation must skip new_agent, got %v", matches.IDs())
	}
	fresh := now.Add(-48 * time.Hour)
	evt.BuyerCreatedAt = &fresh
	if matches := d.Evaluate(evt, nil); !reflect.DeepEqual(matches.IDs(), []string{"new_agent"}) {
		t.Fatalf("expected new_agent, got %v", matches.IDs())
	}
	old := now.Add(-30 * 24 * time.Hour)
	evt.BuyerCreatedAt = &old
	if matches := d.Evaluate(evt, nil); len(matches) != 0 {
		t.Fatalf("established agent must not trigger, got %v", matches.IDs())
	}
}

func TestMatchesFollowRuleOrder(t *testing.T) {
	d := newDefaultDetector(t)
	now := time.Unix(1_700_000_000, 0)
	fresh := now.Add(-time.Hour)
	evt := Event{BuyerID: "buyer", AmountSats: 5_000_000, Timestamp: now, BuyerCreatedAt: &fresh}
	matches := d.Evaluate(evt, nil)
	if !reflect.DeepEqual(matches.IDs(), []string{"high_amount", "new_agent"}) {
		t.Fatalf("unexpected order %v", matches.IDs())
	}
}

func TestSetEnabledAndAddRule(t *testing.T) {
	d := newDefaultDetector(t)
	if err := d.SetEnabled("high_amount", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	evt := Event{BuyerID: "buyer", AmountSats: 2_000_000, Timestamp: time.Unix(1_700_000_000, 0)}
	if matches := d.Evaluate(evt, nil); len(matches) != 0 {
		t.Fatalf("disabled rule triggered: %v", matches.IDs())
	}
	if err := d.SetEnabled("missing", true); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := d.AddRule(Rule{ID: "high_amount", Kind: KindHighAmount}); err == nil {
		t.Fatalf("expected duplicate rule error")
	}
	if err := d.AddRule(Rule{ID: "bad", Kind: "nope"}); err == nil {
		t.Fatalf("expected invalid kind error")
	}
	if got := len(d.Rules()); got != 3 {
		t.Fatalf("expected 3 rules, got %d", got)
	}
}

func TestExpressionRule(t *testing.T) {
	d, err := NewDetector(Rule{
		ID:         "self_dealing",
		Kind:       KindExpression,
		Expression: `event.buyer_id == event.seller_id || (event.amount > 50000 && event.recent >= 2)`,
		Severity:   SeverityCritical,
		Action:     ActionBlock,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	self := Event{BuyerID: "a", SellerID: "a", AmountSats: 10, Timestamp: now}
	if matches := d.Evaluate(self, nil); !matches.Blocking() {
		t.Fatalf("expected self dealing block")
	}
	evt := Event{BuyerID: "a", SellerID: "b", AmountSats: 60_000, Timestamp: now}
	if matches := d.Evaluate(evt, nil); len(matches) != 0 {
		t.Fatalf("no history should not trigger")
	}
	history := []Event{{BuyerID: "a", Timestamp: now.Add(-time.Minute)}, {BuyerID: "a", Timestamp: now.Add(-2 * time.Minute)}}
	if matches := d.Evaluate(evt, history); len(matches) != 1 {
		t.Fatalf("expected expression match, got %v", matches.IDs())
	}
	if _, err := NewDetector(Rule{ID: "broken", Kind: KindExpression, Expression: "event.amount >"}); err == nil {
		t.Fatalf("expected compile error")
	}
}
