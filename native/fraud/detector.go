package fraud

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	coreerrors "agentmarket/core/errors"
)

// Detector evaluates payment events against an ordered rule catalogue. It is
// safe for concurrent use; evaluation has no side effects.
type Detector struct {
	mu     sync.RWMutex
	rules  []Rule
	exprs  *ExpressionEvaluator
	logger *slog.Logger
}

// NewDetector constructs a detector seeded with rules. Rules are validated in
// order; the first invalid rule aborts construction.
func NewDetector(rules ...Rule) (*Detector, error) {
	exprs, err := NewExpressionEvaluator()
	if err != nil {
		return nil, err
	}
	d := &Detector{exprs: exprs, logger: slog.Default()}
	for _, rule := range rules {
		if err := d.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// NewDefaultDetector returns a detector with DefaultRules installed.
func NewDefaultDetector() (*Detector, error) {
	return NewDetector(DefaultRules()...)
}

// SetLogger configures the logger used for trigger and evaluation messages.
func (d *Detector) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// AddRule appends a rule to the catalogue. Identifiers must be unique.
func (d *Detector) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Kind == KindExpression {
		if err := d.exprs.Compile(rule.Expression); err != nil {
			return fmt.Errorf("fraud: rule %s: %w", rule.ID, err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("fraud: duplicate rule %s", rule.ID)
		}
	}
	d.rules = append(d.rules, rule)
	d.logger.Info("fraud rule added", slog.String("rule", rule.ID), slog.String("kind", string(rule.Kind)))
	return nil
}

// SetEnabled toggles the rule identified by id.
func (d *Detector) SetEnabled(id string, enabled bool) error {
	id = strings.TrimSpace(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.rules {
		if d.rules[i].ID == id {
			d.rules[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("fraud: rule %s: %w", id, coreerrors.ErrNotFound)
}

// Rules returns a copy of the catalogue in evaluation order.
func (d *Detector) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Rule, len(d.rules))
	copy(out, d.rules)
	return out
}

// Evaluate returns every enabled rule triggered by evt, in catalogue order.
// history holds prior events used by rate-based rules; entries for other
// buyers are ignored.
func (d *Detector) Evaluate(evt Event, history []Event) Matches {
	d.mu.RLock()
	rules := make([]Rule, len(d.rules))
	copy(rules, d.rules)
	logger := d.logger
	d.mu.RUnlock()

	var matches Matches
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		triggered := false
		switch rule.Kind {
		case KindHighAmount:
			triggered = matchHighAmount(rule, evt)
		case KindRapidTransactions:
			triggered = matchRapid(rule, evt, history)
		case KindNewAgent:
			hit, known := matchNewAgent(rule, evt)
			if !known {
				continue
			}
			triggered = hit
		case KindExpression:
			hit, err := d.exprs.Eval(rule.Expression, evt, countBuyer(evt.BuyerID, history))
			if err != nil {
				logger.Warn("fraud rule evaluation failed", slog.String("rule", rule.ID), slog.Any("error", err))
				continue
			}
			triggered = hit
		}
		if !triggered {
			continue
		}
		logger.Warn("fraud rule triggered",
			slog.String("rule", rule.ID),
			slog.String("buyer", evt.BuyerID),
			slog.Int64("amount_sats", evt.AmountSats),
			slog.String("action", string(rule.Action)))
		matches = append(matches, Match{RuleID: rule.ID, Severity: rule.Severity, Action: rule.Action})
	}
	return matches
}

func countBuyer(buyer string, history []Event) int {
	n := 0
	for _, evt := range history {
		if evt.BuyerID == buyer {
			n++
		}
	}
	return n
}
