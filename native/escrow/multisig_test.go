package escrow

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	coreerrors "agentmarket/core/errors"
)

func (f *fixture) multisig(t *testing.T, conditions map[string]string) *Escrow {
	t.Helper()
	esc, err := f.ledger.Create(context.Background(), CreateParams{
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		AmountSats:   4_000,
		ArbitratorID: "arbitrator_1",
		Conditions:   conditions,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.ledger.Fund(context.Background(), esc.ID, f.invoice(t, esc)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return esc
}

func TestMultiSigReleaseNeedsThreshold(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetConditionChecker(MultiSigChecker{})
	ctx := context.Background()
	esc := f.multisig(t, map[string]string{ConditionKeyRequiredSignatures: "2"})

	if _, err := f.ledger.Approve(ctx, esc.ID, "buyer-1"); err != nil {
		t.Fatalf("approve buyer: %v", err)
	}
	if _, err := f.ledger.Release(ctx, esc.ID, "done"); !errors.Is(err, ErrConditionsUnmet) {
		t.Fatalf("expected conditions unmet with one approval, got %v", err)
	}
	f.clock.Advance(time.Minute)
	approved, err := f.ledger.Approve(ctx, esc.ID, "arbitrator_1")
	if err != nil {
		t.Fatalf("approve arbitrator: %v", err)
	}
	want := ApprovalSignature(esc.ID, "arbitrator_1", f.clock.Now())
	if approved.Proofs[ApprovalProofKey("arbitrator_1")] != want {
		t.Fatalf("unexpected approval proof %v", approved.Proofs)
	}
	if got := Approvals(approved); len(got) != 2 {
		t.Fatalf("expected two approvals, got %v", got)
	}
	if _, err := f.ledger.Release(ctx, esc.ID, "done"); err != nil {
		t.Fatalf("release after threshold: %v", err)
	}
	if _, err := f.ledger.Approve(ctx, esc.ID, "seller-1"); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("released escrow cannot be approved, got %v", err)
	}
}

func TestApproveRejectsStrangersAndKeepsFirstProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc := f.multisig(t, map[string]string{
		ConditionKeyRequiredSignatures: "1",
		ConditionKeySigners:            "seller, auditor-7",
	})
	if _, err := f.ledger.Approve(ctx, esc.ID, "buyer-1"); !errors.Is(err, coreerrors.ErrForbidden) {
		t.Fatalf("buyer is not a listed signer, got %v", err)
	}
	first, err := f.ledger.Approve(ctx, esc.ID, "auditor-7")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.clock.Advance(time.Hour)
	again, err := f.ledger.Approve(ctx, esc.ID, "auditor-7")
	if err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
	key := ApprovalProofKey("auditor-7")
	if again.Proofs[key] != first.Proofs[key] {
		t.Fatalf("approval proof overwritten")
	}
	actions := f.sink.actions()
	approvals := 0
	for _, a := range actions {
		if a == ActionApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("expected one approval event, got %v", actions)
	}
}

func TestCreateValidatesSignatureThreshold(t *testing.T) {
	f := newFixture(t)
	for _, raw := range []string{"0", "x", strconv.Itoa(4)} {
		_, err := f.ledger.Create(context.Background(), CreateParams{
			BuyerID:      "b",
			SellerID:     "s",
			AmountSats:   10,
			ArbitratorID: "arb",
			Conditions:   map[string]string{ConditionKeyRequiredSignatures: raw},
		})
		if !errors.Is(err, coreerrors.ErrInvalidAmount) {
			t.Fatalf("threshold %q: expected invalid amount, got %v", raw, err)
		}
	}
}

func TestAllOfCombinesCheckers(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetConditionChecker(AllOf(TimeLockChecker{}, MultiSigChecker{}))
	ctx := context.Background()
	unlock := f.clock.Now().Add(time.Hour)
	esc := f.multisig(t, map[string]string{
		ConditionKeyRequiredSignatures: "1",
		ConditionKeyReleaseAfter:       strconv.FormatInt(unlock.Unix(), 10),
	})
	if _, err := f.ledger.Approve(ctx, esc.ID, "seller-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.ledger.Release(ctx, esc.ID, "early"); !errors.Is(err, ErrConditionsUnmet) {
		t.Fatalf("time lock should still hold, got %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.ledger.Release(ctx, esc.ID, "done"); err != nil {
		t.Fatalf("release: %v", err)
	}
}
