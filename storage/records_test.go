package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentmarket/core/payment"
	"agentmarket/native/dispute"
	"agentmarket/native/escrow"
	"agentmarket/native/reputation"
)

func openBackends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := Open("leveldb", filepath.Join(dir, "level"))
	require.NoError(t, err)
	bolt, err := Open("bolt", filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	mem, err := Open("memory", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = level.Close()
		_ = bolt.Close()
	})
	return map[string]Database{"memory": mem, "leveldb": level, "bolt": bolt}
}

func TestDatabaseBackends(t *testing.T) {
	for name, db := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)
			ok, err := db.Has([]byte("missing"))
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, db.Put([]byte("k"), []byte("v1")))
			require.NoError(t, db.Put([]byte("k"), []byte("v2")))
			got, err := db.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got)
			ok, err = db.Has([]byte("k"))
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("cassandra", "")
	require.Error(t, err)
}

func TestRecordStoreRoundTrips(t *testing.T) {
	store := NewRecordStore(NewMemDB())
	funded := time.Unix(1_700_000_100, 0).UTC()

	esc := &escrow.Escrow{
		ID:         "esc-1",
		BuyerID:    "buyer",
		SellerID:   "seller",
		AmountSats: 10_000,
		FeeSats:    100,
		Status:     escrow.StatusFunded,
		CreatedAt:  time.Unix(1_700_000_000, 0).UTC(),
		FundedAt:   &funded,
		Proofs:     map[string]string{escrow.ProofFunding: "lnmock_1"},
		FraudFlags: []string{"high_amount"},
	}
	require.NoError(t, store.EscrowPut(esc))
	got, ok, err := store.EscrowGet("esc-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, esc, got)

	_, ok, err = store.EscrowGet("missing")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.FundingRefGet("lnmock_1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, store.FundingRefPut("lnmock_1", "esc-1"))
	owner, ok, err := store.FundingRefGet("lnmock_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "esc-1", owner)

	refund := int64(2_500)
	d := &dispute.Dispute{ID: "dsp-1", EscrowID: "esc-1", Status: dispute.StatusOpen, RefundSats: &refund, CreatedAt: funded}
	require.NoError(t, store.DisputePut(d))
	d.Status = dispute.StatusResolved
	require.NoError(t, store.DisputePut(d))
	require.NoError(t, store.DisputePut(&dispute.Dispute{ID: "dsp-2", EscrowID: "esc-1", CreatedAt: funded}))

	ids, err := store.DisputeIDsForEscrow("esc-1")
	require.NoError(t, err)
	require.Equal(t, []string{"dsp-1", "dsp-2"}, ids)
	loaded, ok, err := store.DisputeGet("dsp-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dispute.StatusResolved, loaded.Status)
	require.Equal(t, int64(2_500), *loaded.RefundSats)

	ids, err = store.DisputeIDsForEscrow("esc-unknown")
	require.NoError(t, err)
	require.Empty(t, ids)

	score := &reputation.TrustScore{AgentID: "seller", OverallScore: 0.75, VerificationLevel: reputation.LevelHigh, TotalInteractions: 3}
	require.NoError(t, store.ScorePut(score))
	loadedScore, ok, err := store.ScoreGet("seller")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, reputation.LevelHigh, loadedScore.VerificationLevel)
	require.InDelta(t, 0.75, loadedScore.OverallScore, 1e-12)
}

func TestLedgerPersistsThroughBolt(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "market.db")
	db, err := NewBoltDB(path)
	require.NoError(t, err)

	gw := payment.NewMemoryGateway()
	ledger := escrow.NewLedger(gw)
	ledger.SetStore(NewRecordStore(db))
	esc, err := ledger.Create(ctx, escrow.CreateParams{BuyerID: "buyer", SellerID: "seller", AmountSats: 5_000})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := NewBoltDB(path)
	require.NoError(t, err)
	defer reopened.Close()
	stored, ok, err := NewRecordStore(reopened).EscrowGet(esc.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StatusCreated, stored.Status)
	require.Equal(t, esc.FeeSats, stored.FeeSats)
}
