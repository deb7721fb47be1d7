package escrow

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle states of an escrow.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusReleased
	StatusDisputed
	StatusRefunded
)

// String returns the lower-case status name used in audit events and
// metrics.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusReleased:
		return "released"
	case StatusDisputed:
		return "disputed"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusReleased, StatusDisputed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow has settled. A released escrow leaves
// this state only through MarkDisputed; a refunded escrow never does.
func (s Status) Terminal() bool { return s == StatusReleased || s == StatusRefunded }

// Proof keys recorded on an escrow. Keys are written once.
const (
	ProofFunding        = "funding"
	ProofRelease        = "release"
	ProofDisputeRelease = "dispute_release"
	ProofRefund         = "refund"
	proofDisputePrefix  = "dispute:"
)

// DisputeProofKey returns the proof key recording dispute id.
func DisputeProofKey(id string) string { return proofDisputePrefix + id }

// Escrow is a conditional hold of funds between a buyer and a seller agent.
type Escrow struct {
	ID           string            `json:"id"`
	BuyerID      string            `json:"buyerId"`
	SellerID     string            `json:"sellerId"`
	AmountSats   int64             `json:"amountSats"`
	FeeSats      int64             `json:"feeSats"`
	Description  string            `json:"description,omitempty"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	FundedAt     *time.Time        `json:"fundedAt,omitempty"`
	ReleasedAt   *time.Time        `json:"releasedAt,omitempty"`
	RefundedAt   *time.Time        `json:"refundedAt,omitempty"`
	DisputeID    string            `json:"disputeId,omitempty"`
	ArbitratorID string            `json:"arbitratorId,omitempty"`
	Conditions   map[string]string `json:"conditions,omitempty"`
	Proofs       map[string]string `json:"proofs,omitempty"`
	FraudFlags   []string          `json:"fraudFlags,omitempty"`
	Held         bool              `json:"held,omitempty"`
}

// Total is the amount the buyer must pay to fund the escrow.
func (e *Escrow) Total() int64 { return e.AmountSats + e.FeeSats }

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.FundedAt = cloneTime(e.FundedAt)
	clone.ReleasedAt = cloneTime(e.ReleasedAt)
	clone.RefundedAt = cloneTime(e.RefundedAt)
	clone.Conditions = cloneStrings(e.Conditions)
	clone.Proofs = cloneStrings(e.Proofs)
	if e.FraudFlags != nil {
		clone.FraudFlags = append([]string(nil), e.FraudFlags...)
	}
	return &clone
}

// SanitizeEscrow validates and normalises the supplied escrow definition,
// returning a cloned instance. The function does not mutate the original
// value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.BuyerID = strings.TrimSpace(clone.BuyerID)
	clone.SellerID = strings.TrimSpace(clone.SellerID)
	clone.ArbitratorID = strings.TrimSpace(clone.ArbitratorID)
	if clone.ID == "" {
		return nil, fmt.Errorf("escrow id required")
	}
	if clone.AmountSats <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if clone.FeeSats < 0 {
		return nil, fmt.Errorf("escrow fee must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Proofs == nil {
		clone.Proofs = make(map[string]string)
	}
	return clone, nil
}

// CreateParams describes a new escrow.
type CreateParams struct {
	BuyerID      string
	SellerID     string
	AmountSats   int64
	Description  string
	Conditions   map[string]string
	ArbitratorID string
}

// FundResult is returned by Fund.
type FundResult struct {
	Escrow  *Escrow
	Flagged []string
	Held    bool
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
