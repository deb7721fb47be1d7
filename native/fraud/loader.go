package fraud

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ruleFile mirrors the YAML representation of a rule entry.
type ruleFile struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Kind            string   `yaml:"kind"`
	Severity        string   `yaml:"severity"`
	Action          string   `yaml:"action"`
	Enabled         *bool    `yaml:"enabled"`
	AmountThreshold int64    `yaml:"amount_threshold"`
	TimeWindow      Duration `yaml:"time_window"`
	MaxTransactions int      `yaml:"max_transactions"`
	MinAgeDays      int      `yaml:"min_age_days"`
	Expression      string   `yaml:"expression"`
}

// Duration wraps time.Duration to accept either Go duration strings ("5m") or
// a bare integer number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// LoadRules reads a rule catalogue from the YAML file at path. Entries keep
// file order, which is also the evaluation order.
func LoadRules(path string) ([]Rule, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fraud rules: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	var entries []ruleFile
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode fraud rules: %w", err)
	}
	exprs, err := NewExpressionEvaluator()
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		rule := Rule{
			ID:              entry.ID,
			Name:            strings.TrimSpace(entry.Name),
			Description:     strings.TrimSpace(entry.Description),
			Kind:            Kind(strings.ToLower(strings.TrimSpace(entry.Kind))),
			Severity:        Severity(strings.ToLower(strings.TrimSpace(entry.Severity))),
			Action:          Action(strings.ToLower(strings.TrimSpace(entry.Action))),
			Enabled:         entry.Enabled == nil || *entry.Enabled,
			AmountThreshold: entry.AmountThreshold,
			TimeWindow:      entry.TimeWindow.Duration,
			MaxTransactions: entry.MaxTransactions,
			MinAgeDays:      entry.MinAgeDays,
			Expression:      strings.TrimSpace(entry.Expression),
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, exists := seen[rule.ID]; exists {
			return nil, fmt.Errorf("duplicate fraud rule %s", rule.ID)
		}
		if rule.Kind == KindExpression {
			if err := exprs.Compile(rule.Expression); err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		}
		seen[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}
	return rules, nil
}
