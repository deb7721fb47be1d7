package fraud

import (
	"strings"
	"sync"
	"time"
)

// AgentDirectory supplies agent registration times for age based rules.
type AgentDirectory interface {
	CreatedAt(agentID string) (time.Time, bool)
}

// MemoryDirectory is an in-memory AgentDirectory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	created map[string]time.Time
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{created: make(map[string]time.Time)}
}

// Register records the creation time for agentID. The first registration wins.
func (d *MemoryDirectory) Register(agentID string, at time.Time) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.created[agentID]; ok {
		return
	}
	d.created[agentID] = at.UTC()
}

func (d *MemoryDirectory) CreatedAt(agentID string) (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	at, ok := d.created[strings.TrimSpace(agentID)]
	return at, ok
}
