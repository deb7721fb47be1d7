package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agentmarket/core/events"
	"agentmarket/native/reputation"
)

// Store is the relational side of the market: interaction history and the
// audit trail.
type Store struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates the
// schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordInteraction appends an interaction for agentID.
func (s *Store) RecordInteraction(ctx context.Context, agentID, counterpartyID, escrowID string, rec reputation.InteractionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	row := Interaction{
		AgentID:             strings.TrimSpace(agentID),
		CounterpartyID:      strings.TrimSpace(counterpartyID),
		EscrowID:            strings.TrimSpace(escrowID),
		Success:             rec.Success,
		PaymentSuccess:      rec.PaymentSuccess,
		QualityScore:        rec.QualityScore,
		ResponseTimeSeconds: rec.ResponseTimeSeconds,
		UptimeFraction:      rec.UptimeFraction,
		ObservedAt:          rec.ObservedAt.UTC(),
	}
	if row.AgentID == "" {
		return fmt.Errorf("sqlstore: agent id required")
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Interactions returns agentID's history in insertion order. It satisfies
// reputation.InteractionSource.
func (s *Store) Interactions(ctx context.Context, agentID string) ([]reputation.InteractionRecord, error) {
	var rows []Interaction
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", strings.TrimSpace(agentID)).
		Order("id asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reputation.InteractionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, reputation.InteractionRecord{
			Success:             row.Success,
			PaymentSuccess:      row.PaymentSuccess,
			QualityScore:        row.QualityScore,
			ResponseTimeSeconds: row.ResponseTimeSeconds,
			UptimeFraction:      row.UptimeFraction,
			ObservedAt:          row.ObservedAt,
		})
	}
	return out, nil
}

// InsertAudit persists evt.
func (s *Store) InsertAudit(ctx context.Context, evt events.AuditEvent) error {
	details, err := json.Marshal(evt.Details)
	if err != nil {
		return fmt.Errorf("sqlstore: encode details: %w", err)
	}
	row := AuditRecord{
		ID:        evt.ID,
		Type:      evt.Type,
		AgentID:   evt.AgentID,
		Action:    evt.Action,
		Details:   string(details),
		Result:    string(evt.Result),
		Severity:  string(evt.Severity),
		Timestamp: evt.Timestamp.UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	AgentID string
	Action  string
	Limit   int
}

// ListAudit returns stored events oldest first.
func (s *Store) ListAudit(ctx context.Context, filter AuditFilter) ([]events.AuditEvent, error) {
	query := s.db.WithContext(ctx).Model(&AuditRecord{})
	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []AuditRecord
	if err := query.Order("timestamp asc").Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]events.AuditEvent, 0, len(rows))
	for _, row := range rows {
		evt := events.AuditEvent{
			ID:        row.ID,
			Type:      row.Type,
			AgentID:   row.AgentID,
			Action:    row.Action,
			Result:    events.Result(row.Result),
			Severity:  events.Severity(row.Severity),
			Timestamp: row.Timestamp,
		}
		if row.Details != "" && row.Details != "null" {
			if err := json.Unmarshal([]byte(row.Details), &evt.Details); err != nil {
				return nil, fmt.Errorf("sqlstore: decode details for %s: %w", row.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, nil
}
