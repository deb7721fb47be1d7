package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaSats(t *testing.T) {
	q := Quota{MaxSatsPerEpoch: 1000}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.SatsUsed != 1000 {
		t.Fatalf("unexpected sats used: %d", next.SatsUsed)
	}

	denied, err := CheckQuota(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaSatsCapExceeded) {
		t.Fatalf("expected ErrQuotaSatsCapExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.SatsUsed != 500 {
		t.Fatalf("unexpected sats used after rollover: %d", rollover.SatsUsed)
	}
}

func TestQuotaTrackerPerAgent(t *testing.T) {
	tracker := NewQuotaTracker(Quota{MaxRequestsPerEpoch: 2, EpochSeconds: 60})
	for i := 0; i < 2; i++ {
		if err := tracker.Consume("buyer-1", 120, 10); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if err := tracker.Consume("buyer-1", 130, 10); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected request limit, got %v", err)
	}
	if err := tracker.Consume("buyer-2", 130, 10); err != nil {
		t.Fatalf("other agents are unaffected: %v", err)
	}
	if err := tracker.Consume("buyer-1", 180, 10); err != nil {
		t.Fatalf("next epoch should reset: %v", err)
	}
	var disabled *QuotaTracker
	if err := disabled.Consume("x", 0, 1); err != nil {
		t.Fatalf("nil tracker should allow: %v", err)
	}
}
