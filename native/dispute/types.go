package dispute

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a dispute.
type Status uint8

const (
	StatusOpen Status = iota
	StatusInReview
	StatusResolved
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusInReview:
		return "in_review"
	case StatusResolved:
		return "resolved"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return s <= StatusClosed }

// Pending reports whether the dispute still awaits a decision.
func (s Status) Pending() bool { return s == StatusOpen || s == StatusInReview }

// Outcome records how a dispute was settled.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Dispute is a complaint against an escrow adjudicated by an arbitrator.
type Dispute struct {
	ID            string     `json:"id"`
	EscrowID      string     `json:"escrowId"`
	ComplainantID string     `json:"complainantId"`
	RespondentID  string     `json:"respondentId"`
	ArbitratorID  string     `json:"arbitratorId"`
	Reason        string     `json:"reason"`
	Evidence      []string   `json:"evidence,omitempty"`
	Status        Status     `json:"status"`
	Resolution    string     `json:"resolution,omitempty"`
	RefundSats    *int64     `json:"refundSats,omitempty"`
	Outcome       Outcome    `json:"outcome,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Evidence != nil {
		clone.Evidence = append([]string(nil), d.Evidence...)
	}
	if d.RefundSats != nil {
		v := *d.RefundSats
		clone.RefundSats = &v
	}
	if d.ResolvedAt != nil {
		v := *d.ResolvedAt
		clone.ResolvedAt = &v
	}
	if d.ClosedAt != nil {
		v := *d.ClosedAt
		clone.ClosedAt = &v
	}
	return &clone
}

// SanitizeDispute validates the dispute and returns a normalised clone.
func SanitizeDispute(d *Dispute) (*Dispute, error) {
	if d == nil {
		return nil, fmt.Errorf("nil dispute")
	}
	clone := d.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.EscrowID = strings.TrimSpace(clone.EscrowID)
	if clone.ID == "" || clone.EscrowID == "" {
		return nil, fmt.Errorf("dispute and escrow ids required")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid dispute status: %d", clone.Status)
	}
	if clone.RefundSats != nil && *clone.RefundSats < 0 {
		return nil, fmt.Errorf("dispute refund must be non-negative")
	}
	return clone, nil
}
