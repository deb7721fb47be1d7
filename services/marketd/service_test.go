package marketd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"agentmarket/config"
	coreerrors "agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/core/payment"
	"agentmarket/native/common"
	"agentmarket/native/dispute"
	"agentmarket/native/escrow"
	"agentmarket/native/reputation"
	"agentmarket/storage/sqlstore"
)

type harness struct {
	svc     *Service
	gateway *payment.MemoryGateway
	events  []events.AuditEvent
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{gateway: payment.NewMemoryGateway()}
	now := time.Unix(1_700_000_000, 0).UTC()
	svc, err := New(cfg,
		WithGateway(h.gateway),
		WithClock(func() time.Time { return now }),
		WithSink("capture", events.SinkFunc(func(_ context.Context, evt events.AuditEvent) error {
			h.events = append(h.events, evt)
			return nil
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	h.svc = svc
	return h
}

func (h *harness) fundedEscrow(t *testing.T, buyer, seller string, amount int64) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	quote, err := h.svc.Propose(ctx, Proposal{BuyerID: buyer, SellerID: seller, AmountSats: amount, Description: "summarise corpus"})
	require.NoError(t, err)
	require.NoError(t, h.gateway.Pay(quote.Invoice.Reference, quote.Invoice.AmountSats))
	result, err := h.svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusFunded, result.Escrow.Status)
	return result.Escrow
}

func (h *harness) actions() []string {
	out := make([]string, 0, len(h.events))
	for _, evt := range h.events {
		out = append(out, evt.Action)
	}
	return out
}

func goodInteraction() reputation.InteractionRecord {
	return reputation.InteractionRecord{Success: true, PaymentSuccess: 1, QualityScore: 0.9, ResponseTimeSeconds: 2, UptimeFraction: 0.99}
}

func TestProposeFundComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	quote, err := h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 10_000})
	require.NoError(t, err)
	require.Equal(t, int64(100), quote.Escrow.FeeSats)
	require.Equal(t, int64(10_100), quote.Invoice.AmountSats)

	_, err = h.svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	require.ErrorIs(t, err, coreerrors.ErrExternalFailure)

	require.NoError(t, h.gateway.Pay(quote.Invoice.Reference, 10_100))
	result, err := h.svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	require.NoError(t, err)
	require.False(t, result.Held)
	require.Contains(t, result.Flagged, "new_agent")

	done, err := h.svc.Complete(ctx, quote.Escrow.ID, "delivered", goodInteraction())
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, done.Escrow.Status)
	require.Equal(t, 1, done.SellerScore.TotalInteractions)
	require.Equal(t, reputation.LevelVerified, done.SellerScore.VerificationLevel)

	score, err := h.svc.Score("seller")
	require.NoError(t, err)
	require.Equal(t, done.SellerScore.OverallScore, score.OverallScore)

	_, err = h.svc.Complete(ctx, quote.Escrow.ID, "again", goodInteraction())
	require.ErrorIs(t, err, coreerrors.ErrInvalidState)

	require.Subset(t, h.actions(), []string{
		escrow.ActionPaymentRequired,
		escrow.ActionFundFailed,
		escrow.ActionFunded,
		escrow.ActionReleased,
		reputation.ActionScoreComputed,
	})
}

func TestProposeValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, Proposal{BuyerID: "a", SellerID: "a", AmountSats: 10})
	require.ErrorIs(t, err, coreerrors.ErrForbidden)
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "a", SellerID: "b", AmountSats: 0})
	require.ErrorIs(t, err, coreerrors.ErrInvalidAmount)
}

func TestProposeTrustGate(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Trust.MinLevel = "low" })
	ctx := context.Background()

	_, err := h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "fresh-seller", AmountSats: 500})
	require.ErrorIs(t, err, coreerrors.ErrForbidden)

	h.svc.Allow(ctx, "fresh-seller", "onboarded partner")
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "fresh-seller", AmountSats: 500})
	require.NoError(t, err)

	_, err = h.svc.RecordInteraction(ctx, "scored-seller", "buyer", "", goodInteraction())
	require.NoError(t, err)
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "scored-seller", AmountSats: 500})
	require.NoError(t, err)

	h.svc.Block(ctx, "buyer", "chargebacks")
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "scored-seller", AmountSats: 500})
	require.ErrorIs(t, err, coreerrors.ErrForbidden)
}

func TestProposeQuota(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Quota.MaxRequestsPerEpoch = 1
	})
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 500})
	require.NoError(t, err)
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 500})
	require.ErrorIs(t, err, coreerrors.ErrForbidden)
	require.ErrorIs(t, err, common.ErrQuotaRequestsExceeded)
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "other-buyer", SellerID: "seller", AmountSats: 500})
	require.NoError(t, err)
}

func TestDisputeRefundFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	esc := h.fundedEscrow(t, "buyer", "seller", 20_000)

	d, err := h.svc.Dispute(ctx, esc.ID, "buyer", "no delivery", []string{"chat log"})
	require.NoError(t, err)
	require.Equal(t, dispute.DefaultArbitrator, d.ArbitratorID)
	require.Equal(t, "seller", d.RespondentID)

	_, err = h.svc.AddEvidence(ctx, d.ID, "seller", "delivery receipt")
	require.NoError(t, err)

	_, err = h.svc.Resolve(ctx, d.ID, "someone-else", "refund", nil)
	require.ErrorIs(t, err, coreerrors.ErrForbidden)

	refund := int64(20_000)
	resolved, err := h.svc.Resolve(ctx, d.ID, dispute.DefaultArbitrator, "seller never delivered", &refund)
	require.NoError(t, err)
	require.Equal(t, dispute.StatusResolved, resolved.Status)
	require.Equal(t, dispute.OutcomeRefund, resolved.Outcome)

	stored, err := h.svc.Escrow(ctx, esc.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, stored.Status)
	require.Equal(t, int64(20_000), h.gateway.Refunded(stored.Proofs[escrow.ProofFunding]))

	disputes, err := h.svc.Disputes(ctx, esc.ID)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
}

func TestFraudBlockHoldsEscrow(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`- id: large_job
  name: Large job
  kind: expression
  severity: critical
  action: block
  expression: event.amount > 40000
`), 0o644))
	h := newHarness(t, func(cfg *config.Config) { cfg.Fraud.RulesPath = rules })
	ctx := context.Background()

	quote, err := h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 50_000})
	require.NoError(t, err)
	require.NoError(t, h.gateway.Pay(quote.Invoice.Reference, quote.Invoice.AmountSats))
	result, err := h.svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	require.ErrorIs(t, err, escrow.ErrFraudBlocked)
	require.NotNil(t, result)
	require.True(t, result.Held)
	require.Equal(t, []string{"large_job"}, result.Flagged)

	_, err = h.svc.Complete(ctx, quote.Escrow.ID, "delivered", goodInteraction())
	require.ErrorIs(t, err, coreerrors.ErrInvalidState)

	refunded, err := h.svc.RefundHeld(ctx, quote.Escrow.ID, "fraud review")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, refunded.Status)
	require.Contains(t, h.actions(), escrow.ActionFraudDetected)
}

type failingLog struct{ InteractionLog }

func (failingLog) RecordInteraction(context.Context, string, string, string, reputation.InteractionRecord) error {
	return errors.New("interaction store offline")
}

func TestCompleteReportsReleaseWhenScoringFails(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	gw := payment.NewMemoryGateway()
	svc, err := New(cfg, WithGateway(gw), WithInteractionLog(failingLog{InteractionLog: newMemoryLog()}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	quote, err := svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 1_000})
	require.NoError(t, err)
	require.NoError(t, gw.Pay(quote.Invoice.Reference, quote.Invoice.AmountSats))
	_, err = svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	require.NoError(t, err)

	done, err := svc.Complete(ctx, quote.Escrow.ID, "delivered", goodInteraction())
	require.Error(t, err)
	require.NotNil(t, done)
	require.Equal(t, escrow.StatusReleased, done.Escrow.Status)
	require.Nil(t, done.SellerScore)

	stored, err := svc.Escrow(ctx, quote.Escrow.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, stored.Status)
}

func TestMultiSigCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	quote, err := h.svc.Propose(ctx, Proposal{
		BuyerID:    "buyer",
		SellerID:   "seller",
		AmountSats: 5_000,
		Conditions: map[string]string{escrow.ConditionKeyRequiredSignatures: "2"},
	})
	require.NoError(t, err)
	require.Equal(t, config.DefaultArbitrator, quote.Escrow.ArbitratorID)
	require.NoError(t, h.gateway.Pay(quote.Invoice.Reference, quote.Invoice.AmountSats))
	_, err = h.svc.Fund(ctx, quote.Escrow.ID, quote.Invoice.Reference)
	require.NoError(t, err)

	_, err = h.svc.Complete(ctx, quote.Escrow.ID, "delivered", goodInteraction())
	require.ErrorIs(t, err, escrow.ErrConditionsUnmet)

	_, err = h.svc.Approve(ctx, quote.Escrow.ID, "intruder")
	require.ErrorIs(t, err, coreerrors.ErrForbidden)
	_, err = h.svc.Approve(ctx, quote.Escrow.ID, "buyer")
	require.NoError(t, err)
	approved, err := h.svc.Approve(ctx, quote.Escrow.ID, config.DefaultArbitrator)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"buyer", config.DefaultArbitrator}, escrow.Approvals(approved))

	done, err := h.svc.Complete(ctx, quote.Escrow.ID, "delivered", goodInteraction())
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, done.Escrow.Status)
	require.Contains(t, h.actions(), escrow.ActionApproved)
}

func TestPausedEscrowModule(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.PausedModules = []string{escrow.ModuleName} })
	ctx := context.Background()
	_, err := h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 500})
	require.ErrorIs(t, err, coreerrors.ErrModulePaused)

	h.svc.Pause(escrow.ModuleName, false)
	_, err = h.svc.Propose(ctx, Proposal{BuyerID: "buyer", SellerID: "seller", AmountSats: 500})
	require.NoError(t, err)
}

func TestPersistentBackends(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Storage.Backend = "bolt"
		cfg.Storage.Path = "market.db"
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = dsn
		cfg.Audit.File = "audit/audit.log"
	})
	ctx := context.Background()
	esc := h.fundedEscrow(t, "buyer", "seller", 1_000)
	_, err := h.svc.Complete(ctx, esc.ID, "delivered", goodInteraction())
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(h.svc.cfg.DataDir, "market.db"))
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(h.svc.cfg.DataDir, "audit", "audit.log"))
	require.NoError(t, err)
	require.Contains(t, string(raw), escrow.ActionReleased)

	store, err := sqlstore.Open("sqlite", dsn)
	require.NoError(t, err)
	defer store.Close()
	rows, err := store.ListAudit(ctx, sqlstore.AuditFilter{Action: escrow.ActionReleased})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	history, err := store.Interactions(ctx, "seller")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestTrustRelationships(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Trust("a", "b", 0.9))
	require.NoError(t, h.svc.Trust("b", "c", 0.8))
	require.ErrorIs(t, h.svc.Trust("a", "b", 2), coreerrors.ErrInvalidAmount)
	require.InDelta(t, 0.72, h.svc.Registry().Network().IndirectTrust("a", "c"), 1e-12)
}
