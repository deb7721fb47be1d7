package marketd

import (
	"context"
	"strings"
	"sync"

	"agentmarket/native/reputation"
)

// InteractionLog stores interaction outcomes and replays them for trust
// scoring. sqlstore.Store implements it.
type InteractionLog interface {
	reputation.InteractionSource
	RecordInteraction(ctx context.Context, agentID, counterpartyID, escrowID string, rec reputation.InteractionRecord) error
}

// memoryLog is used when no database is configured.
type memoryLog struct {
	mu      sync.RWMutex
	records map[string][]reputation.InteractionRecord
}

func newMemoryLog() *memoryLog {
	return &memoryLog{records: make(map[string][]reputation.InteractionRecord)}
}

func (m *memoryLog) RecordInteraction(_ context.Context, agentID, _, _ string, rec reputation.InteractionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	agentID = strings.TrimSpace(agentID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[agentID] = append(m.records[agentID], rec)
	return nil
}

func (m *memoryLog) Interactions(_ context.Context, agentID string) ([]reputation.InteractionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]reputation.InteractionRecord(nil), m.records[strings.TrimSpace(agentID)]...), nil
}
