package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	coreerrors "agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/core/payment"
	"agentmarket/native/common"
	"agentmarket/native/fraud"
	"agentmarket/observability"
	"agentmarket/observability/logging"
)

// ModuleName identifies the ledger for pause controls.
const ModuleName = "escrow"

// DefaultFeeRateBps is the default coordination fee (1%).
const DefaultFeeRateBps uint32 = 100

var (
	// ErrConditionsUnmet is returned when the release conditions do not hold.
	ErrConditionsUnmet = fmt.Errorf("escrow: release conditions not met: %w", coreerrors.ErrInvalidState)
	// ErrFraudBlocked accompanies a committed funding that a blocking fraud
	// rule placed on hold.
	ErrFraudBlocked = fmt.Errorf("escrow: funding held by fraud screening: %w", coreerrors.ErrForbidden)

	errNilGateway = errors.New("escrow: payment gateway not configured")
)

// Store persists escrows and the index of payment references already
// consumed by a funding. Implementations must return copies.
type Store interface {
	EscrowPut(*Escrow) error
	EscrowGet(id string) (*Escrow, bool, error)
	FundingRefPut(ref, escrowID string) error
	FundingRefGet(ref string) (string, bool, error)
}

// Screener scores a funding event against fraud rules.
type Screener interface {
	Screen(ctx context.Context, evt fraud.Event) fraud.Matches
}

// Ledger owns the escrow state machine. Mutations on the same escrow are
// serialised; different escrows proceed independently.
type Ledger struct {
	store    Store
	gateway  payment.Gateway
	screener Screener
	checker  ConditionChecker
	sink     events.Sink
	logger   *slog.Logger
	pauses   common.PauseView
	metrics  *observability.MarketMetrics

	feeRateBps uint32
	nowFn      func() time.Time
	idFn       func() string
	locks      common.KeyedMutex
	refLocks   common.KeyedMutex
}

// NewLedger creates a ledger backed by gateway with an in-memory store, no
// fraud screening and the default fee rate. Collaborators are replaced via
// the setters.
func NewLedger(gateway payment.Gateway) *Ledger {
	return &Ledger{
		store:      NewMemoryStore(),
		gateway:    gateway,
		checker:    AlwaysMet,
		sink:       events.NoopSink{},
		logger:     slog.Default(),
		metrics:    observability.Market(),
		feeRateBps: DefaultFeeRateBps,
		nowFn:      time.Now,
		idFn:       newEscrowID,
	}
}

// SetStore configures the persistence backend.
func (l *Ledger) SetStore(store Store) {
	if store == nil {
		store = NewMemoryStore()
	}
	l.store = store
}

// SetScreener configures fraud screening for funding events.
func (l *Ledger) SetScreener(s Screener) { l.screener = s }

// SetConditionChecker configures the release condition checker. Passing nil
// restores AlwaysMet.
func (l *Ledger) SetConditionChecker(c ConditionChecker) {
	if c == nil {
		c = AlwaysMet
	}
	l.checker = c
}

// SetSink configures the audit sink. Passing nil resets it to a no-op sink.
func (l *Ledger) SetSink(sink events.Sink) {
	if sink == nil {
		sink = events.NoopSink{}
	}
	l.sink = sink
}

// SetLogger configures the structured logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger
}

// SetPauses configures the pause view consulted before mutations.
func (l *Ledger) SetPauses(p common.PauseView) { l.pauses = p }

// SetFeeRateBps overrides the fee rate in basis points.
func (l *Ledger) SetFeeRateBps(bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("escrow: fee bps out of range: %d: %w", bps, coreerrors.ErrInvalidAmount)
	}
	l.feeRateBps = bps
	return nil
}

// FeeRateBps returns the configured fee rate.
func (l *Ledger) FeeRateBps() uint32 { return l.feeRateBps }

// SetNowFunc overrides the time source used by the ledger. Primarily intended
// for tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// SetIDFunc overrides escrow identifier generation.
func (l *Ledger) SetIDFunc(fn func() string) {
	if fn == nil {
		fn = newEscrowID
	}
	l.idFn = fn
}

func newEscrowID() string {
	return "escrow_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (l *Ledger) now() time.Time { return l.nowFn().UTC() }

// ComputeFee returns round(amount * bps / 10000) rounding halves up.
func ComputeFee(amountSats int64, bps uint32) int64 {
	if amountSats <= 0 || bps == 0 {
		return 0
	}
	fee := new(big.Int).Mul(big.NewInt(amountSats), new(big.Int).SetUint64(uint64(bps)))
	fee.Add(fee, big.NewInt(5_000))
	fee.Quo(fee, big.NewInt(10_000))
	return fee.Int64()
}

// ReleaseSignature is the deterministic release proof over the escrow id,
// amount, reason and release time.
func ReleaseSignature(id string, amountSats int64, reason string, at time.Time) string {
	payload := fmt.Sprintf("%s:%d:%s:%d", id, amountSats, reason, at.Unix())
	return hex.EncodeToString(ethcrypto.Keccak256([]byte(payload)))
}

func (l *Ledger) emit(ctx context.Context, evt events.AuditEvent) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Emit(ctx, evt); err != nil {
		l.metrics.RecordAuditFailure(ModuleName)
		l.logger.Warn("audit emission failed",
			slog.String("action", evt.Action),
			slog.String("type", evt.Type),
			slog.Any("error", err))
	}
}

func (l *Ledger) load(id string) (*Escrow, error) {
	id = strings.TrimSpace(id)
	esc, ok, err := l.store.EscrowGet(id)
	if err != nil {
		return nil, fmt.Errorf("escrow: load %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", id, coreerrors.ErrNotFound)
	}
	return esc, nil
}

func (l *Ledger) save(esc *Escrow) error {
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	if err := l.store.EscrowPut(sanitized); err != nil {
		return fmt.Errorf("escrow: store %s: %w", esc.ID, err)
	}
	return nil
}

func (l *Ledger) lock(id string) (func(), error) {
	if err := common.Guard(l.pauses, ModuleName); err != nil {
		return nil, err
	}
	return l.locks.Lock(strings.TrimSpace(id)), nil
}

// Create records a new escrow awaiting payment of amount plus fee.
func (l *Ledger) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	if err := common.Guard(l.pauses, ModuleName); err != nil {
		return nil, err
	}
	if params.AmountSats <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive: %w", coreerrors.ErrInvalidAmount)
	}
	buyer := strings.TrimSpace(params.BuyerID)
	seller := strings.TrimSpace(params.SellerID)
	if buyer == "" || seller == "" {
		return nil, fmt.Errorf("escrow: buyer and seller required: %w", coreerrors.ErrForbidden)
	}
	esc := &Escrow{
		ID:           l.idFn(),
		BuyerID:      buyer,
		SellerID:     seller,
		AmountSats:   params.AmountSats,
		FeeSats:      ComputeFee(params.AmountSats, l.feeRateBps),
		Description:  strings.TrimSpace(params.Description),
		Status:       StatusCreated,
		CreatedAt:    l.now(),
		ArbitratorID: strings.TrimSpace(params.ArbitratorID),
		Conditions:   cloneStrings(params.Conditions),
		Proofs:       make(map[string]string),
	}
	if _, _, err := RequiredSignatures(esc); err != nil {
		return nil, err
	}
	unlock := l.locks.Lock(esc.ID)
	defer unlock()
	if _, exists, err := l.store.EscrowGet(esc.ID); err != nil {
		return nil, fmt.Errorf("escrow: load %s: %w", esc.ID, err)
	} else if exists {
		return nil, fmt.Errorf("escrow %s already exists: %w", esc.ID, coreerrors.ErrInvalidState)
	}
	if err := l.save(esc); err != nil {
		return nil, err
	}
	l.metrics.RecordTransition(StatusCreated.String())
	l.logger.Info("escrow created",
		slog.String("escrow_id", esc.ID),
		slog.Int64("amount_sats", esc.AmountSats),
		slog.Int64("fee_sats", esc.FeeSats))
	l.emit(ctx, NewPaymentRequiredEvent(esc, esc.CreatedAt))
	return esc.Clone(), nil
}

// Fund verifies the buyer's payment of amount plus fee against the gateway
// and marks the escrow funded. A gateway refusal or failure leaves the escrow
// untouched. After funding the event is screened for fraud; when a blocking
// rule triggers the escrow is held and the committed result is returned
// together with an error wrapping ErrFraudBlocked. A payment reference funds
// at most one escrow.
func (l *Ledger) Fund(ctx context.Context, id, paymentRef string) (*FundResult, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusCreated {
		return nil, fmt.Errorf("escrow %s: cannot fund in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	if l.gateway == nil {
		return nil, fmt.Errorf("%w: %w", errNilGateway, coreerrors.ErrExternalFailure)
	}
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return nil, fmt.Errorf("escrow %s: payment reference required: %w", esc.ID, coreerrors.ErrExternalFailure)
	}
	// lock order: escrow, then payment reference
	unlockRef := l.refLocks.Lock(paymentRef)
	defer unlockRef()
	owner, used, err := l.store.FundingRefGet(paymentRef)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: load funding reference: %w", esc.ID, err)
	}
	if used && owner != esc.ID {
		l.logger.Warn("escrow funding rejected",
			slog.String("escrow_id", esc.ID),
			logging.MaskField("payment_ref", paymentRef),
			slog.String("reason", "payment reference already consumed"))
		l.emit(ctx, NewFundFailedEvent(esc, "payment reference already consumed", l.now()))
		return nil, fmt.Errorf("escrow %s: payment reference already funded %s: %w", esc.ID, owner, coreerrors.ErrInvalidState)
	}
	paid, verr := l.gateway.VerifyPayment(ctx, paymentRef, esc.Total())
	if verr != nil || !paid {
		reason := "payment not verified"
		if verr != nil {
			reason = verr.Error()
		}
		l.logger.Warn("escrow funding rejected",
			slog.String("escrow_id", esc.ID),
			logging.MaskField("payment_ref", paymentRef),
			slog.String("reason", reason))
		l.emit(ctx, NewFundFailedEvent(esc, reason, l.now()))
		if verr != nil {
			return nil, fmt.Errorf("escrow %s: verify payment: %w: %w", esc.ID, coreerrors.ErrExternalFailure, verr)
		}
		return nil, fmt.Errorf("escrow %s: payment not verified: %w", esc.ID, coreerrors.ErrExternalFailure)
	}

	now := l.now()
	esc.Status = StatusFunded
	esc.FundedAt = &now
	esc.Proofs[ProofFunding] = paymentRef

	var matches fraud.Matches
	if l.screener != nil {
		matches = l.screener.Screen(ctx, fraud.Event{
			BuyerID:    esc.BuyerID,
			SellerID:   esc.SellerID,
			AmountSats: esc.AmountSats,
			Timestamp:  now,
		})
	}
	if len(matches) > 0 {
		esc.FraudFlags = matches.IDs()
		esc.Held = matches.Blocking()
	}
	if !used {
		if err := l.store.FundingRefPut(paymentRef, esc.ID); err != nil {
			return nil, fmt.Errorf("escrow %s: store funding reference: %w", esc.ID, err)
		}
	}
	if err := l.save(esc); err != nil {
		return nil, err
	}
	if r, ok := l.gateway.(payment.Redeemer); ok {
		if err := r.Redeem(ctx, paymentRef); err != nil {
			l.logger.Warn("payment redemption failed",
				slog.String("escrow_id", esc.ID),
				logging.MaskField("payment_ref", paymentRef),
				slog.Any("error", err))
		}
	}
	l.metrics.RecordTransition(StatusFunded.String())
	l.logger.Info("escrow funded",
		slog.String("escrow_id", esc.ID),
		logging.MaskField("payment_ref", paymentRef),
		slog.Int("fraud_flags", len(matches)))
	l.emit(ctx, NewFundedEvent(esc, now))

	result := &FundResult{Escrow: esc.Clone(), Flagged: matches.IDs(), Held: esc.Held}
	if len(matches) == 0 {
		return result, nil
	}
	l.emit(ctx, NewFraudDetectedEvent(esc, highestSeverity(matches), now))
	if !esc.Held {
		return result, nil
	}
	l.metrics.RecordHeld()
	l.logger.Warn("escrow held by fraud screening",
		slog.String("escrow_id", esc.ID),
		slog.String("rules", strings.Join(esc.FraudFlags, ",")))
	return result, fmt.Errorf("escrow %s: %w", esc.ID, ErrFraudBlocked)
}

func highestSeverity(matches fraud.Matches) events.Severity {
	best := events.SeverityDebug
	for _, m := range matches {
		if sev := m.Severity.AuditSeverity(); sev.AtLeast(best) {
			best = sev
		}
	}
	return best
}

// Release settles a funded escrow in favour of the seller once the release
// conditions hold.
func (l *Ledger) Release(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded {
		return nil, fmt.Errorf("escrow %s: cannot release in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	if esc.Held {
		return nil, fmt.Errorf("escrow %s: held by fraud screening: %w", esc.ID, coreerrors.ErrInvalidState)
	}
	now := l.now()
	ok, err := l.checker.Met(ctx, esc.Clone(), now)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: check conditions: %w: %w", esc.ID, ErrConditionsUnmet, err)
	}
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", esc.ID, ErrConditionsUnmet)
	}
	reason = strings.TrimSpace(reason)
	esc.Status = StatusReleased
	esc.ReleasedAt = &now
	setProof(esc, ProofRelease, ReleaseSignature(esc.ID, esc.AmountSats, reason, now))
	if err := l.save(esc); err != nil {
		return nil, err
	}
	l.metrics.RecordTransition(StatusReleased.String())
	l.logger.Info("escrow released", slog.String("escrow_id", esc.ID), slog.String("reason", reason))
	l.emit(ctx, NewReleasedEvent(esc, reason, now))
	return esc.Clone(), nil
}

// Get returns a snapshot of the escrow.
func (l *Ledger) Get(_ context.Context, id string) (*Escrow, error) {
	return l.load(id)
}

// RefundHeld returns amount plus fee to the buyer of a funded escrow that
// fraud screening placed on hold.
func (l *Ledger) RefundHeld(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded || !esc.Held {
		return nil, fmt.Errorf("escrow %s: only held funded escrows can be refunded: %w", esc.ID, coreerrors.ErrInvalidState)
	}
	if err := l.refund(ctx, esc, esc.Total()); err != nil {
		return nil, err
	}
	l.logger.Info("held escrow refunded", slog.String("escrow_id", esc.ID), slog.String("reason", strings.TrimSpace(reason)))
	return esc.Clone(), nil
}

// MarkDisputed moves a funded or released escrow into dispute. The escrow's
// arbitrator is kept when already assigned.
func (l *Ledger) MarkDisputed(ctx context.Context, id, disputeID, arbitratorID string) (*Escrow, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded && esc.Status != StatusReleased {
		return nil, fmt.Errorf("escrow %s: cannot dispute in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	disputeID = strings.TrimSpace(disputeID)
	prior := esc.Status
	esc.Status = StatusDisputed
	esc.DisputeID = disputeID
	if esc.ArbitratorID == "" {
		esc.ArbitratorID = strings.TrimSpace(arbitratorID)
	}
	setProof(esc, DisputeProofKey(disputeID), prior.String())
	if err := l.save(esc); err != nil {
		return nil, err
	}
	l.metrics.RecordTransition(StatusDisputed.String())
	l.emit(ctx, NewDisputedEvent(esc, l.now()))
	return esc.Clone(), nil
}

// ReleaseDisputed settles a disputed escrow to the seller. An earlier release
// time is preserved.
func (l *Ledger) ReleaseDisputed(ctx context.Context, id, reason string) (*Escrow, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, fmt.Errorf("escrow %s: cannot settle dispute in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	now := l.now()
	reason = strings.TrimSpace(reason)
	esc.Status = StatusReleased
	esc.Held = false
	if esc.ReleasedAt == nil {
		esc.ReleasedAt = &now
	}
	setProof(esc, ProofDisputeRelease+":"+esc.DisputeID, ReleaseSignature(esc.ID, esc.AmountSats, reason, now))
	if err := l.save(esc); err != nil {
		return nil, err
	}
	l.metrics.RecordTransition(StatusReleased.String())
	l.emit(ctx, NewReleasedEvent(esc, reason, now))
	return esc.Clone(), nil
}

// RefundDisputed refunds refundSats of a disputed escrow to the buyer through
// the gateway.
func (l *Ledger) RefundDisputed(ctx context.Context, id string, refundSats int64) (*Escrow, error) {
	unlock, err := l.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	esc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, fmt.Errorf("escrow %s: cannot refund dispute in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	if refundSats <= 0 || refundSats > esc.AmountSats {
		return nil, fmt.Errorf("escrow %s: refund %d outside (0, %d]: %w", esc.ID, refundSats, esc.AmountSats, coreerrors.ErrInvalidAmount)
	}
	if err := l.refund(ctx, esc, refundSats); err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// refund calls the gateway and commits the Refunded transition. The caller
// holds the escrow lock.
func (l *Ledger) refund(ctx context.Context, esc *Escrow, amountSats int64) error {
	if l.gateway == nil {
		return fmt.Errorf("%w: %w", errNilGateway, coreerrors.ErrExternalFailure)
	}
	ref := esc.Proofs[ProofFunding]
	ok, err := l.gateway.Refund(ctx, ref, amountSats)
	if err != nil {
		return fmt.Errorf("escrow %s: refund: %w: %w", esc.ID, coreerrors.ErrExternalFailure, err)
	}
	if !ok {
		return fmt.Errorf("escrow %s: refund rejected by gateway: %w", esc.ID, coreerrors.ErrExternalFailure)
	}
	now := l.now()
	esc.Status = StatusRefunded
	esc.RefundedAt = &now
	setProof(esc, ProofRefund, strconv.FormatInt(amountSats, 10))
	if err := l.save(esc); err != nil {
		return err
	}
	l.metrics.RecordTransition(StatusRefunded.String())
	l.logger.Info("escrow refunded",
		slog.String("escrow_id", esc.ID),
		logging.MaskField("payment_ref", ref),
		slog.Int64("refund_sats", amountSats))
	l.emit(ctx, NewRefundedEvent(esc, amountSats, now))
	return nil
}

// setProof records value under key unless the key is already present.
func setProof(esc *Escrow, key, value string) {
	if esc.Proofs == nil {
		esc.Proofs = make(map[string]string)
	}
	if _, exists := esc.Proofs[key]; exists {
		return
	}
	esc.Proofs[key] = value
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	refs    map[string]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{escrows: make(map[string]*Escrow), refs: make(map[string]string)}
}

func (m *MemoryStore) FundingRefPut(ref, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref] = escrowID
	return nil
}

func (m *MemoryStore) FundingRefGet(ref string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refs[ref]
	return id, ok, nil
}

func (m *MemoryStore) EscrowPut(e *Escrow) error {
	if e == nil {
		return fmt.Errorf("nil escrow")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) EscrowGet(id string) (*Escrow, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}
