package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/native/common"
	"agentmarket/native/escrow"
	"agentmarket/observability"
)

// ModuleName identifies the resolver for pause controls.
const ModuleName = "dispute"

const (
	ActionOpened        = "dispute_opened"
	ActionEvidenceAdded = "dispute_evidence_added"
	ActionReviewed      = "dispute_in_review"
	ActionResolved      = "dispute_resolved"
	ActionClosed        = "dispute_closed"
)

// Store persists disputes and the per-escrow dispute index. Implementations
// must return copies.
type Store interface {
	DisputePut(*Dispute) error
	DisputeGet(id string) (*Dispute, bool, error)
	DisputeIDsForEscrow(escrowID string) ([]string, error)
}

// Ledger is the subset of the escrow ledger used to apply outcomes.
type Ledger interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	MarkDisputed(ctx context.Context, id, disputeID, arbitratorID string) (*escrow.Escrow, error)
	ReleaseDisputed(ctx context.Context, id, reason string) (*escrow.Escrow, error)
	RefundDisputed(ctx context.Context, id string, refundSats int64) (*escrow.Escrow, error)
}

// Resolver manages disputes against funded or released escrows. Locks are
// always taken dispute first, then escrow (inside the ledger).
type Resolver struct {
	ledger   Ledger
	store    Store
	selector Selector
	sink     events.Sink
	logger   *slog.Logger
	pauses   common.PauseView
	metrics  *observability.MarketMetrics
	nowFn    func() time.Time
	idFn     func() string
	locks    common.KeyedMutex
}

// NewResolver constructs a resolver applying outcomes to ledger.
func NewResolver(ledger Ledger) *Resolver {
	return &Resolver{
		ledger:   ledger,
		store:    NewMemoryStore(),
		selector: FixedSelector(DefaultArbitrator),
		sink:     events.NoopSink{},
		logger:   slog.Default(),
		metrics:  observability.Market(),
		nowFn:    time.Now,
		idFn:     newDisputeID,
	}
}

func newDisputeID() string {
	return "dispute_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetStore configures the persistence backend.
func (r *Resolver) SetStore(store Store) {
	if store == nil {
		store = NewMemoryStore()
	}
	r.store = store
}

// SetSelector configures arbitrator assignment.
func (r *Resolver) SetSelector(s Selector) {
	if s == nil {
		s = FixedSelector(DefaultArbitrator)
	}
	r.selector = s
}

// SetSink configures the audit sink. Passing nil resets it to a no-op sink.
func (r *Resolver) SetSink(sink events.Sink) {
	if sink == nil {
		sink = events.NoopSink{}
	}
	r.sink = sink
}

// SetLogger configures the structured logger.
func (r *Resolver) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// SetPauses configures the pause view consulted before mutations.
func (r *Resolver) SetPauses(p common.PauseView) { r.pauses = p }

// SetNowFunc overrides the time source.
func (r *Resolver) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// SetIDFunc overrides dispute identifier generation.
func (r *Resolver) SetIDFunc(fn func() string) {
	if fn == nil {
		fn = newDisputeID
	}
	r.idFn = fn
}

func (r *Resolver) now() time.Time { return r.nowFn().UTC() }

func (r *Resolver) emit(ctx context.Context, agentID, action string, d *Dispute, result events.Result, severity events.Severity, extra map[string]string) {
	details := map[string]string{
		"disputeId":    d.ID,
		"escrowId":     d.EscrowID,
		"arbitratorId": d.ArbitratorID,
		"status":       d.Status.String(),
	}
	for k, v := range extra {
		details[k] = v
	}
	evt := events.NewEvent(events.TypeDispute, agentID, action, details, result, severity, r.now())
	if err := r.sink.Emit(ctx, evt); err != nil {
		r.metrics.RecordAuditFailure(ModuleName)
		r.logger.Warn("audit emission failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (r *Resolver) load(id string) (*Dispute, error) {
	id = strings.TrimSpace(id)
	d, ok, err := r.store.DisputeGet(id)
	if err != nil {
		return nil, fmt.Errorf("dispute: load %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, coreerrors.ErrNotFound)
	}
	return d, nil
}

func (r *Resolver) save(d *Dispute) error {
	sanitized, err := SanitizeDispute(d)
	if err != nil {
		return err
	}
	if err := r.store.DisputePut(sanitized); err != nil {
		return fmt.Errorf("dispute: store %s: %w", d.ID, err)
	}
	return nil
}

// Open files a dispute against a funded or released escrow on behalf of one
// of its parties and moves the escrow into dispute.
func (r *Resolver) Open(ctx context.Context, escrowID, complainantID, reason string, evidence []string) (*Dispute, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	escrowID = strings.TrimSpace(escrowID)
	unlock := r.locks.Lock("escrow:" + escrowID)
	defer unlock()

	esc, err := r.ledger.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusFunded && esc.Status != escrow.StatusReleased {
		return nil, fmt.Errorf("dispute: escrow %s in status %s: %w", esc.ID, esc.Status, coreerrors.ErrInvalidState)
	}
	if open, err := r.openFor(esc); err != nil {
		return nil, err
	} else if open != "" {
		return nil, fmt.Errorf("dispute: escrow %s already has open dispute %s: %w", escrowID, open, coreerrors.ErrInvalidState)
	}
	complainantID = strings.TrimSpace(complainantID)
	var respondent string
	switch complainantID {
	case esc.BuyerID:
		respondent = esc.SellerID
	case esc.SellerID:
		respondent = esc.BuyerID
	default:
		return nil, fmt.Errorf("dispute: %q is not a party to escrow %s: %w", complainantID, esc.ID, coreerrors.ErrForbidden)
	}
	arbitrator := esc.ArbitratorID
	if arbitrator == "" {
		arbitrator = r.selector.Select(esc.ID)
	}
	d := &Dispute{
		ID:            r.idFn(),
		EscrowID:      esc.ID,
		ComplainantID: complainantID,
		RespondentID:  respondent,
		ArbitratorID:  arbitrator,
		Reason:        strings.TrimSpace(reason),
		Evidence:      cleanEvidence(evidence),
		Status:        StatusOpen,
		CreatedAt:     r.now(),
	}
	// the record is written first so the escrow never points at a missing
	// dispute; a failed transition closes it again
	if err := r.save(d); err != nil {
		return nil, err
	}
	if _, err := r.ledger.MarkDisputed(ctx, esc.ID, d.ID, arbitrator); err != nil {
		now := r.now()
		d.Status = StatusClosed
		d.Resolution = "escrow transition failed"
		d.ClosedAt = &now
		if serr := r.save(d); serr != nil {
			r.logger.Error("dispute left open after escrow transition failed",
				slog.String("dispute_id", d.ID),
				slog.String("escrow_id", d.EscrowID),
				slog.Any("error", serr))
		}
		return nil, err
	}
	r.metrics.RecordDispute("opened")
	r.logger.Info("dispute opened",
		slog.String("dispute_id", d.ID),
		slog.String("escrow_id", d.EscrowID),
		slog.String("arbitrator_id", d.ArbitratorID))
	r.emit(ctx, complainantID, ActionOpened, d, events.ResultSuccess, events.SeverityWarning, map[string]string{"reason": d.Reason})
	return d.Clone(), nil
}

// openFor returns the pending dispute the escrow points at. Pending records
// the escrow does not reference were never applied and are ignored.
func (r *Resolver) openFor(esc *escrow.Escrow) (string, error) {
	ids, err := r.store.DisputeIDsForEscrow(esc.ID)
	if err != nil {
		return "", fmt.Errorf("dispute: index %s: %w", esc.ID, err)
	}
	for _, id := range ids {
		d, ok, err := r.store.DisputeGet(id)
		if err != nil {
			return "", fmt.Errorf("dispute: load %s: %w", id, err)
		}
		if ok && d.Status.Pending() && esc.DisputeID == id {
			return id, nil
		}
	}
	return "", nil
}

// Resolve applies the arbitrator's decision. A positive refund refunds that
// amount to the buyer; otherwise the escrow is released to the seller. When
// the escrow was already settled by this dispute but the dispute record was
// not updated, Resolve completes the record from the escrow's state.
func (r *Resolver) Resolve(ctx context.Context, disputeID, arbitratorID, resolution string, refundSats *int64) (*Dispute, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	disputeID = strings.TrimSpace(disputeID)
	unlock := r.locks.Lock("dispute:" + disputeID)
	defer unlock()

	d, err := r.load(disputeID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(arbitratorID) != d.ArbitratorID {
		return nil, fmt.Errorf("dispute %s: arbitrator mismatch: %w", d.ID, coreerrors.ErrForbidden)
	}
	if !d.Status.Pending() {
		return nil, fmt.Errorf("dispute %s: cannot resolve in status %s: %w", d.ID, d.Status, coreerrors.ErrInvalidState)
	}
	resolution = strings.TrimSpace(resolution)
	esc, err := r.ledger.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}

	var (
		refund  int64
		outcome Outcome
	)
	if settled, ok := settledBy(esc, d.ID); ok {
		outcome = settled
		if outcome == OutcomeRefund {
			refund, _ = strconv.ParseInt(esc.Proofs[escrow.ProofRefund], 10, 64)
			refundSats = &refund
		} else {
			refundSats = nil
		}
		r.logger.Warn("completing dispute already applied to escrow",
			slog.String("dispute_id", d.ID),
			slog.String("escrow_id", esc.ID),
			slog.String("outcome", string(outcome)))
	} else {
		if refundSats != nil {
			refund = *refundSats
			if refund < 0 || refund > esc.AmountSats {
				return nil, fmt.Errorf("dispute %s: refund %d outside [0, %d]: %w", d.ID, refund, esc.AmountSats, coreerrors.ErrInvalidAmount)
			}
		}
		outcome = OutcomeRelease
		if refund > 0 {
			outcome = OutcomeRefund
			if _, err := r.ledger.RefundDisputed(ctx, d.EscrowID, refund); err != nil {
				return nil, err
			}
		} else if _, err := r.ledger.ReleaseDisputed(ctx, d.EscrowID, resolution); err != nil {
			return nil, err
		}
	}

	now := r.now()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.Outcome = outcome
	d.ResolvedAt = &now
	if refundSats != nil {
		v := refund
		d.RefundSats = &v
	}
	if err := r.save(d); err != nil {
		r.logger.Error("escrow settled but dispute record not updated; retry resolve",
			slog.String("dispute_id", d.ID),
			slog.String("escrow_id", d.EscrowID),
			slog.Any("error", err))
		return nil, err
	}
	r.metrics.RecordDispute(string(outcome))
	r.logger.Info("dispute resolved",
		slog.String("dispute_id", d.ID),
		slog.String("outcome", string(outcome)),
		slog.Int64("refund_sats", refund))
	r.emit(ctx, d.ArbitratorID, ActionResolved, d, events.ResultSuccess, events.SeverityInfo, map[string]string{
		"outcome":    string(outcome),
		"refundSats": strconv.FormatInt(refund, 10),
		"resolution": resolution,
	})
	return d.Clone(), nil
}

// settledBy reports the outcome already applied to esc by dispute id.
func settledBy(esc *escrow.Escrow, id string) (Outcome, bool) {
	if esc.DisputeID != id {
		return "", false
	}
	switch esc.Status {
	case escrow.StatusRefunded:
		return OutcomeRefund, true
	case escrow.StatusReleased:
		if _, ok := esc.Proofs[escrow.ProofDisputeRelease+":"+id]; ok {
			return OutcomeRelease, true
		}
	}
	return "", false
}

// Review moves an open dispute under review by its arbitrator. Parties may
// still add evidence until it is resolved.
func (r *Resolver) Review(ctx context.Context, disputeID, arbitratorID string) (*Dispute, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	disputeID = strings.TrimSpace(disputeID)
	unlock := r.locks.Lock("dispute:" + disputeID)
	defer unlock()

	d, err := r.load(disputeID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(arbitratorID) != d.ArbitratorID {
		return nil, fmt.Errorf("dispute %s: arbitrator mismatch: %w", d.ID, coreerrors.ErrForbidden)
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("dispute %s: cannot review in status %s: %w", d.ID, d.Status, coreerrors.ErrInvalidState)
	}
	d.Status = StatusInReview
	if err := r.save(d); err != nil {
		return nil, err
	}
	r.metrics.RecordDispute("in_review")
	r.emit(ctx, d.ArbitratorID, ActionReviewed, d, events.ResultSuccess, events.SeverityInfo, nil)
	return d.Clone(), nil
}

// AddEvidence appends evidence references submitted by either party until
// the dispute is resolved.
func (r *Resolver) AddEvidence(ctx context.Context, disputeID, agentID string, evidence ...string) (*Dispute, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	disputeID = strings.TrimSpace(disputeID)
	unlock := r.locks.Lock("dispute:" + disputeID)
	defer unlock()

	d, err := r.load(disputeID)
	if err != nil {
		return nil, err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID != d.ComplainantID && agentID != d.RespondentID {
		return nil, fmt.Errorf("dispute %s: %q is not a party: %w", d.ID, agentID, coreerrors.ErrForbidden)
	}
	if !d.Status.Pending() {
		return nil, fmt.Errorf("dispute %s: evidence closed in status %s: %w", d.ID, d.Status, coreerrors.ErrInvalidState)
	}
	added := cleanEvidence(evidence)
	d.Evidence = append(d.Evidence, added...)
	if err := r.save(d); err != nil {
		return nil, err
	}
	r.emit(ctx, agentID, ActionEvidenceAdded, d, events.ResultSuccess, events.SeverityInfo, map[string]string{
		"count": strconv.Itoa(len(added)),
	})
	return d.Clone(), nil
}

// Close archives a resolved dispute.
func (r *Resolver) Close(ctx context.Context, disputeID, arbitratorID string) (*Dispute, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	disputeID = strings.TrimSpace(disputeID)
	unlock := r.locks.Lock("dispute:" + disputeID)
	defer unlock()

	d, err := r.load(disputeID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(arbitratorID) != d.ArbitratorID {
		return nil, fmt.Errorf("dispute %s: arbitrator mismatch: %w", d.ID, coreerrors.ErrForbidden)
	}
	if d.Status != StatusResolved {
		return nil, fmt.Errorf("dispute %s: cannot close in status %s: %w", d.ID, d.Status, coreerrors.ErrInvalidState)
	}
	now := r.now()
	d.Status = StatusClosed
	d.ClosedAt = &now
	if err := r.save(d); err != nil {
		return nil, err
	}
	r.metrics.RecordDispute("closed")
	r.emit(ctx, d.ArbitratorID, ActionClosed, d, events.ResultSuccess, events.SeverityInfo, nil)
	return d.Clone(), nil
}

// Get returns a snapshot of the dispute.
func (r *Resolver) Get(_ context.Context, id string) (*Dispute, error) {
	return r.load(id)
}

// ForEscrow returns every dispute filed against escrowID in filing order.
func (r *Resolver) ForEscrow(_ context.Context, escrowID string) ([]*Dispute, error) {
	ids, err := r.store.DisputeIDsForEscrow(strings.TrimSpace(escrowID))
	if err != nil {
		return nil, fmt.Errorf("dispute: index %s: %w", escrowID, err)
	}
	out := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		d, err := r.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func cleanEvidence(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	index    map[string][]string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute), index: make(map[string][]string)}
}

func (m *MemoryStore) DisputePut(d *Dispute) error {
	if d == nil {
		return fmt.Errorf("nil dispute")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.disputes[d.ID]; !exists {
		m.index[d.EscrowID] = append(m.index[d.EscrowID], d.ID)
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) DisputeGet(id string) (*Dispute, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *MemoryStore) DisputeIDsForEscrow(escrowID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.index[escrowID]...), nil
}
