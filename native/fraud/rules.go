package fraud

import "time"

const (
	DefaultAmountThreshold int64 = 1_000_000
	DefaultTimeWindow            = 300 * time.Second
	DefaultMaxTransactions       = 5
	DefaultMinAgeDays            = 7
)

// DefaultRules returns the built-in rule catalogue.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "high_amount",
			Name:            "High Amount Transaction",
			Description:     "Detect unusually high payment amounts",
			Kind:            KindHighAmount,
			AmountThreshold: DefaultAmountThreshold,
			Severity:        SeverityMedium,
			Action:          ActionFlag,
			Enabled:         true,
		},
		{
			ID:              "rapid_transactions",
			Name:            "Rapid Transaction Pattern",
			Description:     "Detect rapid successive transactions",
			Kind:            KindRapidTransactions,
			TimeWindow:      DefaultTimeWindow,
			MaxTransactions: DefaultMaxTransactions,
			Severity:        SeverityHigh,
			Action:          ActionBlock,
			Enabled:         true,
		},
		{
			ID:          "new_agent",
			Name:        "New Agent Transaction",
			Description: "Flag transactions from new agents",
			Kind:        KindNewAgent,
			MinAgeDays:  DefaultMinAgeDays,
			Severity:    SeverityLow,
			Action:      ActionFlag,
			Enabled:     true,
		},
	}
}

func matchHighAmount(r Rule, evt Event) bool {
	return evt.AmountSats > r.AmountThreshold
}

// matchRapid counts the current event plus history events from the same buyer
// inside the trailing window [ts-window, ts].
func matchRapid(r Rule, evt Event, history []Event) bool {
	count := 1
	cutoff := evt.Timestamp.Add(-r.TimeWindow)
	for _, past := range history {
		if past.BuyerID != evt.BuyerID {
			continue
		}
		if past.Timestamp.Before(cutoff) || past.Timestamp.After(evt.Timestamp) {
			continue
		}
		count++
	}
	return count >= r.MaxTransactions
}

func matchNewAgent(r Rule, evt Event) (bool, bool) {
	if evt.BuyerCreatedAt == nil {
		return false, false
	}
	age := evt.Timestamp.Sub(*evt.BuyerCreatedAt)
	return age < time.Duration(r.MinAgeDays)*24*time.Hour, true
}
