package dispute

import (
	"strings"
	"sync"
)

// DefaultArbitrator is assigned when no pool is configured.
const DefaultArbitrator = "arbitrator_1"

// Selector picks the arbitrator for a new dispute.
type Selector interface {
	Select(escrowID string) string
}

// FixedSelector always returns the same arbitrator.
type FixedSelector string

func (f FixedSelector) Select(string) string {
	if v := strings.TrimSpace(string(f)); v != "" {
		return v
	}
	return DefaultArbitrator
}

// RoundRobinSelector cycles through a pool in order.
type RoundRobinSelector struct {
	mu   sync.Mutex
	pool []string
	next int
}

// NewRoundRobinSelector constructs a selector over pool. Blank entries are
// dropped; an empty pool falls back to DefaultArbitrator.
func NewRoundRobinSelector(pool ...string) *RoundRobinSelector {
	cleaned := make([]string, 0, len(pool))
	for _, id := range pool {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	return &RoundRobinSelector{pool: cleaned}
}

func (r *RoundRobinSelector) Select(string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pool) == 0 {
		return DefaultArbitrator
	}
	id := r.pool[r.next%len(r.pool)]
	r.next++
	return id
}
