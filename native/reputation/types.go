package reputation

import (
	"fmt"
	"math"
	"strings"
	"time"

	coreerrors "agentmarket/core/errors"
)

// VerificationLevel is the trust tier derived from the overall score.
type VerificationLevel uint8

const (
	LevelUnknown VerificationLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelVerified
)

func (l VerificationLevel) String() string {
	switch l {
	case LevelUnknown:
		return "unknown"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelVerified:
		return "verified"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseLevel converts a tier name into a VerificationLevel.
func ParseLevel(raw string) (VerificationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unknown":
		return LevelUnknown, nil
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "verified":
		return LevelVerified, nil
	default:
		return LevelUnknown, fmt.Errorf("reputation: unknown verification level %q", raw)
	}
}

// LevelFor maps an overall score onto its tier.
func LevelFor(score float64) VerificationLevel {
	switch {
	case score >= 0.9:
		return LevelVerified
	case score >= 0.7:
		return LevelHigh
	case score >= 0.5:
		return LevelMedium
	case score >= 0.3:
		return LevelLow
	default:
		return LevelUnknown
	}
}

// InteractionRecord is the outcome of one completed interaction with an
// agent.
type InteractionRecord struct {
	Success             bool      `json:"success"`
	PaymentSuccess      float64   `json:"paymentSuccess"`
	QualityScore        float64   `json:"qualityScore"`
	ResponseTimeSeconds float64   `json:"responseTimeSeconds"`
	UptimeFraction      float64   `json:"uptimeFraction"`
	ObservedAt          time.Time `json:"observedAt"`
}

// Validate checks the record's ranges.
func (r InteractionRecord) Validate() error {
	if r.PaymentSuccess != 0 && r.PaymentSuccess != 1 {
		return fmt.Errorf("reputation: payment success must be 0 or 1: %w", coreerrors.ErrInvalidAmount)
	}
	if !unit(r.QualityScore) {
		return fmt.Errorf("reputation: quality score %v outside [0,1]: %w", r.QualityScore, coreerrors.ErrInvalidAmount)
	}
	if !unit(r.UptimeFraction) {
		return fmt.Errorf("reputation: uptime %v outside [0,1]: %w", r.UptimeFraction, coreerrors.ErrInvalidAmount)
	}
	if math.IsNaN(r.ResponseTimeSeconds) || math.IsInf(r.ResponseTimeSeconds, 0) || r.ResponseTimeSeconds < 0 {
		return fmt.Errorf("reputation: response time %v invalid: %w", r.ResponseTimeSeconds, coreerrors.ErrInvalidAmount)
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// TrustScore is the cached aggregate for an agent. Component scores lie in
// [0,1]; ResponseTime is inverted so faster agents score higher.
type TrustScore struct {
	AgentID              string            `json:"agentId"`
	OverallScore         float64           `json:"overallScore"`
	PaymentReliability   float64           `json:"paymentReliability"`
	ServiceQuality       float64           `json:"serviceQuality"`
	ResponseTime         float64           `json:"responseTime"`
	AvgResponseSeconds   float64           `json:"avgResponseSeconds"`
	Uptime               float64           `json:"uptime"`
	VerificationLevel    VerificationLevel `json:"verificationLevel"`
	TotalInteractions    int               `json:"totalInteractions"`
	PositiveInteractions int               `json:"positiveInteractions"`
	LastUpdated          time.Time         `json:"lastUpdated"`
}

// Clone returns a copy of the score.
func (s *TrustScore) Clone() *TrustScore {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Score aggregates records with the weighted formula
//
//	0.3*payment + 0.3*quality + 0.2*(1 - min(avgResponse/10, 1)) + 0.2*uptime
//
// Records are summed in order so identical inputs reproduce the same bits.
func Score(agentID string, records []InteractionRecord, at time.Time) TrustScore {
	score := TrustScore{AgentID: agentID, LastUpdated: at, VerificationLevel: LevelUnknown}
	if len(records) == 0 {
		return score
	}
	var payment, quality, response, uptime float64
	for _, r := range records {
		if r.Success {
			score.PositiveInteractions++
		}
		payment += r.PaymentSuccess
		quality += r.QualityScore
		response += r.ResponseTimeSeconds
		uptime += r.UptimeFraction
	}
	n := float64(len(records))
	score.TotalInteractions = len(records)
	score.PaymentReliability = payment / n
	score.ServiceQuality = quality / n
	score.AvgResponseSeconds = response / n
	score.ResponseTime = 1.0 - math.Min(score.AvgResponseSeconds/10.0, 1.0)
	score.Uptime = uptime / n
	score.OverallScore = score.PaymentReliability*0.3 +
		score.ServiceQuality*0.3 +
		score.ResponseTime*0.2 +
		score.Uptime*0.2
	score.VerificationLevel = LevelFor(score.OverallScore)
	return score
}
