package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	coreerrors "agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/native/common"
	"agentmarket/observability"
)

// ModuleName identifies the registry for pause controls.
const ModuleName = "trust"

const (
	ActionScoreComputed = "trust_score_computed"
	ActionAgentBlocked  = "agent_blocked"
	ActionAgentAllowed  = "agent_allowed"
)

// ScoreStore persists computed scores. Implementations must return copies.
type ScoreStore interface {
	ScorePut(*TrustScore) error
	ScoreGet(agentID string) (*TrustScore, bool, error)
}

// InteractionSource supplies an agent's interaction history in a stable
// order.
type InteractionSource interface {
	Interactions(ctx context.Context, agentID string) ([]InteractionRecord, error)
}

// Registry computes and caches trust scores and owns the trust network.
// Recomputation for the same agent is serialised; reads never block on
// unrelated writes.
type Registry struct {
	mu      sync.RWMutex
	scores  map[string]*TrustScore
	store   ScoreStore
	source  InteractionSource
	network *Network

	sink    events.Sink
	logger  *slog.Logger
	pauses  common.PauseView
	metrics *observability.MarketMetrics
	nowFn   func() time.Time
	locks   common.KeyedMutex
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scores:  make(map[string]*TrustScore),
		network: NewNetwork(),
		sink:    events.NoopSink{},
		logger:  slog.Default(),
		metrics: observability.Market(),
		nowFn:   time.Now,
	}
}

// SetStore configures score persistence.
func (r *Registry) SetStore(store ScoreStore) { r.store = store }

// SetSource configures the interaction history used by Recompute.
func (r *Registry) SetSource(source InteractionSource) { r.source = source }

// SetSink configures the audit sink. Passing nil resets it to a no-op sink.
func (r *Registry) SetSink(sink events.Sink) {
	if sink == nil {
		sink = events.NoopSink{}
	}
	r.sink = sink
}

// SetLogger configures the structured logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// SetPauses configures the pause view consulted before mutations.
func (r *Registry) SetPauses(p common.PauseView) { r.pauses = p }

// SetNowFunc overrides the time source.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// Network exposes the trust network.
func (r *Registry) Network() *Network { return r.network }

func (r *Registry) emit(ctx context.Context, evt events.AuditEvent) {
	if err := r.sink.Emit(ctx, evt); err != nil {
		r.metrics.RecordAuditFailure(ModuleName)
		r.logger.Warn("audit emission failed", slog.String("action", evt.Action), slog.Any("error", err))
	}
}

// ComputeScore aggregates records into a fresh score for agentID, replacing
// any cached value. An empty history yields a zero score at LevelUnknown.
func (r *Registry) ComputeScore(ctx context.Context, agentID string, records []InteractionRecord) (*TrustScore, error) {
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("reputation: agent id required: %w", coreerrors.ErrForbidden)
	}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	unlock := r.locks.Lock(agentID)
	defer unlock()

	score := Score(agentID, records, r.nowFn().UTC())
	if r.store != nil {
		if err := r.store.ScorePut(&score); err != nil {
			return nil, fmt.Errorf("reputation: persist %s: %w", agentID, err)
		}
	}
	r.mu.Lock()
	r.scores[agentID] = score.Clone()
	r.mu.Unlock()

	r.metrics.ObserveTrustScore(score.OverallScore)
	r.logger.Info("trust score computed",
		slog.String("agent_id", agentID),
		slog.Float64("overall", score.OverallScore),
		slog.String("level", score.VerificationLevel.String()),
		slog.Int("interactions", score.TotalInteractions))
	r.emit(ctx, events.NewEvent(events.TypeTrust, agentID, ActionScoreComputed, map[string]string{
		"overallScore":      strconv.FormatFloat(score.OverallScore, 'f', 6, 64),
		"verificationLevel": score.VerificationLevel.String(),
		"interactions":      strconv.Itoa(score.TotalInteractions),
	}, events.ResultSuccess, events.SeverityInfo, score.LastUpdated))
	return score.Clone(), nil
}

// Recompute pulls agentID's history from the configured source and calls
// ComputeScore.
func (r *Registry) Recompute(ctx context.Context, agentID string) (*TrustScore, error) {
	if r.source == nil {
		return nil, fmt.Errorf("reputation: interaction source not configured")
	}
	records, err := r.source.Interactions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("reputation: load interactions for %s: %w", agentID, err)
	}
	return r.ComputeScore(ctx, agentID, records)
}

// GetScore returns the last computed score without recomputing.
func (r *Registry) GetScore(agentID string) (*TrustScore, error) {
	agentID = strings.TrimSpace(agentID)
	r.mu.RLock()
	cached, ok := r.scores[agentID]
	r.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}
	if r.store != nil {
		stored, found, err := r.store.ScoreGet(agentID)
		if err != nil {
			return nil, fmt.Errorf("reputation: load %s: %w", agentID, err)
		}
		if found {
			r.mu.Lock()
			if _, raced := r.scores[agentID]; !raced {
				r.scores[agentID] = stored.Clone()
			}
			r.mu.Unlock()
			return stored, nil
		}
	}
	return nil, fmt.Errorf("reputation: score for %s: %w", agentID, coreerrors.ErrNotFound)
}

// Level returns the cached tier, LevelUnknown when no score exists.
func (r *Registry) Level(agentID string) VerificationLevel {
	score, err := r.GetScore(agentID)
	if err != nil {
		return LevelUnknown
	}
	return score.VerificationLevel
}

// Trusted decides whether agentID may act as a counterparty requiring at
// least min. Blocked agents are never trusted; allowed agents always are.
func (r *Registry) Trusted(agentID string, min VerificationLevel) bool {
	if r.network.Blocked(agentID) {
		return false
	}
	if r.network.Allowed(agentID) {
		return true
	}
	return r.Level(agentID) >= min
}

// Block places agentID on the block list.
func (r *Registry) Block(ctx context.Context, agentID, reason string) {
	r.network.Block(agentID, reason)
	r.logger.Warn("agent blocked", slog.String("agent_id", agentID), slog.String("reason", reason))
	r.emit(ctx, events.NewEvent(events.TypeSecurity, agentID, ActionAgentBlocked,
		map[string]string{"reason": reason}, events.ResultSuccess, events.SeverityWarning, r.nowFn()))
}

// Allow places agentID on the allow list.
func (r *Registry) Allow(ctx context.Context, agentID, reason string) {
	r.network.Allow(agentID, reason)
	r.logger.Info("agent allowed", slog.String("agent_id", agentID), slog.String("reason", reason))
	r.emit(ctx, events.NewEvent(events.TypeSecurity, agentID, ActionAgentAllowed,
		map[string]string{"reason": reason}, events.ResultSuccess, events.SeverityInfo, r.nowFn()))
}

// MemoryScoreStore is an in-process ScoreStore.
type MemoryScoreStore struct {
	mu     sync.RWMutex
	scores map[string]*TrustScore
}

// NewMemoryScoreStore constructs an empty store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]*TrustScore)}
}

func (m *MemoryScoreStore) ScorePut(s *TrustScore) error {
	if s == nil {
		return fmt.Errorf("nil score")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.AgentID] = s.Clone()
	return nil
}

func (m *MemoryScoreStore) ScoreGet(agentID string) (*TrustScore, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[agentID]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}
