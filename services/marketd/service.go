package marketd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentmarket/config"
	coreerrors "agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/core/payment"
	"agentmarket/native/common"
	"agentmarket/native/dispute"
	"agentmarket/native/escrow"
	"agentmarket/native/fraud"
	"agentmarket/native/reputation"
	"agentmarket/observability"
	"agentmarket/observability/audit"
	"agentmarket/storage"
	"agentmarket/storage/sqlstore"
)

const moduleName = "marketd"

// Proposal asks a seller to perform work for a buyer against an escrow.
type Proposal struct {
	BuyerID      string
	SellerID     string
	AmountSats   int64
	Description  string
	Conditions   map[string]string
	ArbitratorID string
}

// Quote is the escrow created for a proposal and the invoice the buyer must
// pay to fund it.
type Quote struct {
	Escrow  *escrow.Escrow
	Invoice payment.Invoice
}

// Completion is the result of releasing an escrow to its seller.
type Completion struct {
	Escrow      *escrow.Escrow
	SellerScore *reputation.TrustScore
}

// Service coordinates the escrow ledger, fraud monitor, dispute resolver and
// trust registry for a marketplace.
type Service struct {
	cfg       *config.Config
	gateway   payment.Gateway
	ledger    *escrow.Ledger
	resolver  *dispute.Resolver
	selector  dispute.Selector
	registry  *reputation.Registry
	monitor   *fraud.Monitor
	directory *fraud.MemoryDirectory
	quotas    *common.QuotaTracker
	pauses    *common.Pauses
	minLevel  reputation.VerificationLevel
	log       InteractionLog

	sinks  *audit.Fanout
	logger *slog.Logger
	tracer trace.Tracer
	nowFn  func() time.Time

	closers []func() error
}

// Option customises the service.
type Option func(*Service)

// WithGateway supplies the payment gateway. The default is an in-memory
// mock-ecash gateway.
func WithGateway(g payment.Gateway) Option {
	return func(s *Service) { s.gateway = g }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.nowFn = clock }
}

// WithSink adds an audit sink next to the configured ones.
func WithSink(name string, sink events.Sink) Option {
	return func(s *Service) { s.sinks.Add(name, sink) }
}

// WithInteractionLog overrides the interaction history store.
func WithInteractionLog(l InteractionLog) Option {
	return func(s *Service) { s.log = l }
}

// New builds every component described by cfg.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:       cfg,
		directory: fraud.NewMemoryDirectory(),
		pauses:    common.NewPauses(cfg.PausedModules...),
		sinks:     audit.NewFanout(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("agentmarket/marketd"),
		nowFn:     time.Now,
		quotas: common.NewQuotaTracker(common.Quota{
			MaxRequestsPerEpoch: cfg.Quota.MaxRequestsPerEpoch,
			MaxSatsPerEpoch:     cfg.Quota.MaxSatsPerEpoch,
			EpochSeconds:        cfg.Quota.EpochSeconds,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	if s.gateway == nil {
		gw := payment.NewMemoryGateway()
		gw.SetNowFunc(s.nowFn)
		s.gateway = gw
	}
	if err := s.build(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	cfg := s.cfg
	level, err := reputation.ParseLevel(cfg.Trust.MinLevel)
	if err != nil {
		return err
	}
	s.minLevel = level

	db, err := storage.Open(cfg.Storage.Backend, s.dataPath(cfg.Storage.Path))
	if err != nil {
		return fmt.Errorf("marketd: open storage: %w", err)
	}
	s.closers = append(s.closers, db.Close)
	records := storage.NewRecordStore(db)

	if cfg.Database.Driver != "" {
		sql, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, sql.Close)
		s.sinks.Add("sql", audit.NewStoreSink(sql))
		if s.log == nil {
			s.log = sql
		}
	}
	if s.log == nil {
		s.log = newMemoryLog()
	}

	s.sinks.Add("log", audit.NewLogSink(s.logger))
	if cfg.Audit.File != "" {
		file, err := audit.NewFileSink(audit.FileConfig{
			Path:       s.dataPath(cfg.Audit.File),
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})
		if err != nil {
			return err
		}
		s.closers = append(s.closers, file.Close)
		s.sinks.Add("file", file)
	}
	s.sinks.Add("alerts", audit.NewAlerter(cfg.Audit.LargePaymentSats, cfg.Audit.AlertsPerMinute, nil))

	rules := fraud.DefaultRules()
	if cfg.Fraud.RulesPath != "" {
		if rules, err = fraud.LoadRules(cfg.Fraud.RulesPath); err != nil {
			return err
		}
	}
	detector, err := fraud.NewDetector(rules...)
	if err != nil {
		return err
	}
	detector.SetLogger(s.logger)
	window, err := fraud.NewWindow(cfg.Fraud.HistoryAgents, time.Duration(cfg.Fraud.HistoryWindowSeconds)*time.Second)
	if err != nil {
		return err
	}
	s.monitor = fraud.NewMonitor(detector, window, s.directory)

	s.ledger = escrow.NewLedger(s.gateway)
	s.ledger.SetStore(records)
	s.ledger.SetScreener(s.monitor)
	s.ledger.SetConditionChecker(escrow.AllOf(escrow.TimeLockChecker{}, escrow.MultiSigChecker{}))
	s.ledger.SetSink(s.sinks)
	s.ledger.SetLogger(s.logger)
	s.ledger.SetPauses(s.pauses)
	s.ledger.SetNowFunc(s.nowFn)
	if err := s.ledger.SetFeeRateBps(cfg.Escrow.FeeRateBps); err != nil {
		return err
	}

	s.resolver = dispute.NewResolver(s.ledger)
	s.resolver.SetStore(records)
	s.selector = selectorFor(cfg.Dispute)
	s.resolver.SetSelector(s.selector)
	s.resolver.SetSink(s.sinks)
	s.resolver.SetLogger(s.logger)
	s.resolver.SetPauses(s.pauses)
	s.resolver.SetNowFunc(s.nowFn)

	s.registry = reputation.NewRegistry()
	s.registry.SetStore(records)
	s.registry.SetSource(s.log)
	s.registry.SetSink(s.sinks)
	s.registry.SetLogger(s.logger)
	s.registry.SetPauses(s.pauses)
	s.registry.SetNowFunc(s.nowFn)
	return nil
}

func selectorFor(cfg config.Dispute) dispute.Selector {
	if cfg.Selection == config.SelectionRoundRobin {
		return dispute.NewRoundRobinSelector(cfg.Arbitrators...)
	}
	if len(cfg.Arbitrators) > 0 {
		return dispute.FixedSelector(cfg.Arbitrators[0])
	}
	return dispute.FixedSelector(dispute.DefaultArbitrator)
}

func (s *Service) dataPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	full := filepath.Join(s.cfg.DataDir, p)
	_ = os.MkdirAll(filepath.Dir(full), 0o755)
	return full
}

// Close releases storage handles and audit files.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Ledger exposes the escrow ledger.
func (s *Service) Ledger() *escrow.Ledger { return s.ledger }

// Resolver exposes the dispute resolver.
func (s *Service) Resolver() *dispute.Resolver { return s.resolver }

// Registry exposes the trust registry.
func (s *Service) Registry() *reputation.Registry { return s.registry }

// Gateway exposes the payment gateway.
func (s *Service) Gateway() payment.Gateway { return s.gateway }

// Modules lists the pausable modules a Service runs.
func Modules() []string {
	return []string{escrow.ModuleName, dispute.ModuleName, reputation.ModuleName}
}

// Pause pauses or resumes a module ("escrow", "dispute" or "trust").
func (s *Service) Pause(module string, paused bool) {
	s.pauses.Set(module, paused)
	s.logger.Warn("module pause toggled", slog.String("module", module), slog.Bool("paused", paused))
}

func (s *Service) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "marketd."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	observability.Operations().Observe(moduleName, op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("operation failed",
			slog.String("operation", op),
			slog.String("kind", coreerrors.Kind(err)),
			slog.Any("error", err))
		return err
	}
	span.SetStatus(codes.Ok, op)
	return nil
}

// Propose creates an escrow for a proposal and an invoice for its total.
// Sellers below the configured trust level and blocked agents are refused;
// buyers are subject to per-epoch quotas.
func (s *Service) Propose(ctx context.Context, p Proposal) (*Quote, error) {
	var quote *Quote
	err := s.run(ctx, "propose", []attribute.KeyValue{
		attribute.String("buyer_id", p.BuyerID),
		attribute.String("seller_id", p.SellerID),
		attribute.Int64("amount_sats", p.AmountSats),
	}, func(ctx context.Context) error {
		buyer := strings.TrimSpace(p.BuyerID)
		seller := strings.TrimSpace(p.SellerID)
		if buyer == "" || seller == "" || buyer == seller {
			return fmt.Errorf("marketd: distinct buyer and seller required: %w", coreerrors.ErrForbidden)
		}
		if p.AmountSats <= 0 {
			return fmt.Errorf("marketd: amount must be positive: %w", coreerrors.ErrInvalidAmount)
		}
		if !s.registry.Network().IsTrusted(buyer) {
			return fmt.Errorf("marketd: buyer %s is blocked: %w", buyer, coreerrors.ErrForbidden)
		}
		if !s.registry.Trusted(seller, s.minLevel) {
			return fmt.Errorf("marketd: seller %s below trust level %s: %w", seller, s.minLevel, coreerrors.ErrForbidden)
		}
		now := s.nowFn()
		if err := s.quotas.Consume(buyer, now.Unix(), uint64(p.AmountSats)); err != nil {
			reason := "requests"
			if errors.Is(err, common.ErrQuotaSatsCapExceeded) {
				reason = "sats_cap"
			}
			observability.Operations().RecordThrottle(moduleName, reason)
			return fmt.Errorf("marketd: buyer %s: %w: %w", buyer, err, coreerrors.ErrForbidden)
		}
		s.directory.Register(buyer, now)
		s.directory.Register(seller, now)

		arbitrator := strings.TrimSpace(p.ArbitratorID)
		if _, multisig := p.Conditions[escrow.ConditionKeyRequiredSignatures]; multisig && arbitrator == "" {
			// the arbitrator role must resolve before signers are counted
			arbitrator = s.selector.Select("")
		}
		esc, err := s.ledger.Create(ctx, escrow.CreateParams{
			BuyerID:      buyer,
			SellerID:     seller,
			AmountSats:   p.AmountSats,
			Description:  p.Description,
			Conditions:   p.Conditions,
			ArbitratorID: arbitrator,
		})
		if err != nil {
			return err
		}
		invoice, err := s.gateway.CreateInvoice(ctx, esc.Total(), "escrow "+esc.ID)
		if err != nil {
			return fmt.Errorf("marketd: invoice for %s: %w: %w", esc.ID, err, coreerrors.ErrExternalFailure)
		}
		s.logger.Info("escrow proposed",
			slog.String("escrow_id", esc.ID),
			slog.String("buyer_id", buyer),
			slog.String("seller_id", seller),
			slog.Int64("total_sats", esc.Total()))
		quote = &Quote{Escrow: esc, Invoice: invoice}
		return nil
	})
	return quote, err
}

// Fund verifies the buyer's payment for escrow id. When a blocking fraud
// rule triggers, the held escrow is returned together with an error.
func (s *Service) Fund(ctx context.Context, id, paymentRef string) (*escrow.FundResult, error) {
	var result *escrow.FundResult
	err := s.run(ctx, "fund", []attribute.KeyValue{attribute.String("escrow_id", id)}, func(ctx context.Context) error {
		var err error
		result, err = s.ledger.Fund(ctx, id, paymentRef)
		return err
	})
	return result, err
}

// Complete releases escrow id to its seller, records the interaction
// outcome against the seller and recomputes the seller's trust score. When
// the release commits but scoring fails, the completion carries the released
// escrow alongside the error.
func (s *Service) Complete(ctx context.Context, id, reason string, rec reputation.InteractionRecord) (*Completion, error) {
	var out *Completion
	err := s.run(ctx, "complete", []attribute.KeyValue{attribute.String("escrow_id", id)}, func(ctx context.Context) error {
		if err := rec.Validate(); err != nil {
			return err
		}
		esc, err := s.ledger.Release(ctx, id, reason)
		if err != nil {
			return err
		}
		out = &Completion{Escrow: esc}
		if rec.ObservedAt.IsZero() {
			rec.ObservedAt = s.nowFn().UTC()
		}
		score, err := s.recordInteraction(ctx, esc.SellerID, esc.BuyerID, esc.ID, rec)
		if err != nil {
			return fmt.Errorf("marketd: escrow %s released: %w", esc.ID, err)
		}
		out.SellerScore = score
		return nil
	})
	return out, err
}

// RecordInteraction appends an interaction outcome for agentID and returns
// the recomputed score.
func (s *Service) RecordInteraction(ctx context.Context, agentID, counterpartyID, escrowID string, rec reputation.InteractionRecord) (*reputation.TrustScore, error) {
	var score *reputation.TrustScore
	err := s.run(ctx, "record_interaction", []attribute.KeyValue{attribute.String("agent_id", agentID)}, func(ctx context.Context) error {
		var err error
		score, err = s.recordInteraction(ctx, agentID, counterpartyID, escrowID, rec)
		return err
	})
	return score, err
}

func (s *Service) recordInteraction(ctx context.Context, agentID, counterpartyID, escrowID string, rec reputation.InteractionRecord) (*reputation.TrustScore, error) {
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = s.nowFn().UTC()
	}
	if err := s.log.RecordInteraction(ctx, agentID, counterpartyID, escrowID, rec); err != nil {
		return nil, fmt.Errorf("marketd: record interaction for %s: %w", agentID, err)
	}
	return s.registry.Recompute(ctx, agentID)
}

// Approve records signerID's approval for releasing a multi-signature
// escrow.
func (s *Service) Approve(ctx context.Context, id, signerID string) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := s.run(ctx, "approve", []attribute.KeyValue{
		attribute.String("escrow_id", id),
		attribute.String("agent_id", signerID),
	}, func(ctx context.Context) error {
		var err error
		esc, err = s.ledger.Approve(ctx, id, signerID)
		return err
	})
	return esc, err
}

// RefundHeld returns a fraud-held escrow to its buyer.
func (s *Service) RefundHeld(ctx context.Context, id, reason string) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := s.run(ctx, "refund_held", []attribute.KeyValue{attribute.String("escrow_id", id)}, func(ctx context.Context) error {
		var err error
		esc, err = s.ledger.RefundHeld(ctx, id, reason)
		return err
	})
	return esc, err
}

// Dispute opens a dispute against escrow id on behalf of complainantID.
func (s *Service) Dispute(ctx context.Context, escrowID, complainantID, reason string, evidence []string) (*dispute.Dispute, error) {
	var d *dispute.Dispute
	err := s.run(ctx, "dispute", []attribute.KeyValue{attribute.String("escrow_id", escrowID)}, func(ctx context.Context) error {
		var err error
		d, err = s.resolver.Open(ctx, escrowID, complainantID, reason, evidence)
		return err
	})
	return d, err
}

// AddEvidence attaches evidence to an open dispute.
func (s *Service) AddEvidence(ctx context.Context, disputeID, agentID string, evidence ...string) (*dispute.Dispute, error) {
	var d *dispute.Dispute
	err := s.run(ctx, "add_evidence", []attribute.KeyValue{attribute.String("dispute_id", disputeID)}, func(ctx context.Context) error {
		var err error
		d, err = s.resolver.AddEvidence(ctx, disputeID, agentID, evidence...)
		return err
	})
	return d, err
}

// Resolve settles a dispute. A nil or zero refund releases to the seller.
func (s *Service) Resolve(ctx context.Context, disputeID, arbitratorID, resolution string, refundSats *int64) (*dispute.Dispute, error) {
	var d *dispute.Dispute
	err := s.run(ctx, "resolve", []attribute.KeyValue{attribute.String("dispute_id", disputeID)}, func(ctx context.Context) error {
		var err error
		d, err = s.resolver.Resolve(ctx, disputeID, arbitratorID, resolution, refundSats)
		return err
	})
	return d, err
}

// Escrow returns the escrow stored under id.
func (s *Service) Escrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	return s.ledger.Get(ctx, id)
}

// Disputes lists the disputes filed against escrow id.
func (s *Service) Disputes(ctx context.Context, escrowID string) ([]*dispute.Dispute, error) {
	return s.resolver.ForEscrow(ctx, escrowID)
}

// Score returns agentID's last computed trust score.
func (s *Service) Score(agentID string) (*reputation.TrustScore, error) {
	return s.registry.GetScore(agentID)
}

// Block places agentID on the block list.
func (s *Service) Block(ctx context.Context, agentID, reason string) {
	s.registry.Block(ctx, agentID, reason)
}

// Allow places agentID on the allow list.
func (s *Service) Allow(ctx context.Context, agentID, reason string) {
	s.registry.Allow(ctx, agentID, reason)
}

// Trust records trustor's direct trust in trustee.
func (s *Service) Trust(trustor, trustee string, level float64) error {
	return s.registry.Network().AddRelationship(trustor, trustee, level, s.nowFn().UTC())
}
