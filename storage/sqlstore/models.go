package sqlstore

import (
	"time"

	"gorm.io/gorm"
)

// Interaction is one completed interaction attributed to an agent. Rows are
// append-only and feed trust score recomputation.
type Interaction struct {
	ID                  uint      `gorm:"primaryKey"`
	AgentID             string    `gorm:"size:128;index;not null"`
	CounterpartyID      string    `gorm:"size:128"`
	EscrowID            string    `gorm:"size:64;index"`
	Success             bool      `gorm:"not null"`
	PaymentSuccess      float64   `gorm:"not null"`
	QualityScore        float64   `gorm:"not null"`
	ResponseTimeSeconds float64   `gorm:"not null"`
	UptimeFraction      float64   `gorm:"not null"`
	ObservedAt          time.Time `gorm:"index"`
	CreatedAt           time.Time
}

// AuditRecord persists an audit event.
type AuditRecord struct {
	ID        string    `gorm:"size:64;primaryKey"`
	Type      string    `gorm:"size:32;index"`
	AgentID   string    `gorm:"size:128;index"`
	Action    string    `gorm:"size:64;index"`
	Details   string    `gorm:"type:text"`
	Result    string    `gorm:"size:16"`
	Severity  string    `gorm:"size:16;index"`
	Timestamp time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Interaction{},
		&AuditRecord{},
	)
}
