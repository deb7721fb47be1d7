package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"agentmarket/native/dispute"
	"agentmarket/native/escrow"
	"agentmarket/native/reputation"
)

const (
	prefixEscrow       = "escrow/"
	prefixDispute      = "dispute/"
	prefixDisputeIndex = "dispute-index/"
	prefixTrust        = "trust/"
	prefixFundingRef   = "funding-ref/"
)

// RecordStore persists escrows, disputes and trust scores as JSON documents
// in a Database. It satisfies escrow.Store, dispute.Store and
// reputation.ScoreStore.
type RecordStore struct {
	db Database
	// guards the dispute index read-modify-write
	mu sync.Mutex
}

var (
	_ escrow.Store          = (*RecordStore)(nil)
	_ dispute.Store         = (*RecordStore)(nil)
	_ reputation.ScoreStore = (*RecordStore)(nil)
)

// NewRecordStore wraps db.
func NewRecordStore(db Database) *RecordStore {
	return &RecordStore{db: db}
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

func (s *RecordStore) putJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.db.Put([]byte(key), raw)
}

func (s *RecordStore) getJSON(key string, v interface{}) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RecordStore) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("storage: nil escrow")
	}
	return s.putJSON(prefixEscrow+e.ID, e)
}

func (s *RecordStore) EscrowGet(id string) (*escrow.Escrow, bool, error) {
	var e escrow.Escrow
	ok, err := s.getJSON(prefixEscrow+id, &e)
	if !ok || err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (s *RecordStore) FundingRefPut(ref, escrowID string) error {
	return s.putJSON(prefixFundingRef+ref, escrowID)
}

func (s *RecordStore) FundingRefGet(ref string) (string, bool, error) {
	var escrowID string
	ok, err := s.getJSON(prefixFundingRef+ref, &escrowID)
	if !ok || err != nil {
		return "", false, err
	}
	return escrowID, true, nil
}

func (s *RecordStore) DisputePut(d *dispute.Dispute) error {
	if d == nil {
		return fmt.Errorf("storage: nil dispute")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var index []string
	if _, err := s.getJSON(prefixDisputeIndex+d.EscrowID, &index); err != nil {
		return err
	}
	known := false
	for _, id := range index {
		if id == d.ID {
			known = true
			break
		}
	}
	if err := s.putJSON(prefixDispute+d.ID, d); err != nil {
		return err
	}
	if known {
		return nil
	}
	return s.putJSON(prefixDisputeIndex+d.EscrowID, append(index, d.ID))
}

func (s *RecordStore) DisputeGet(id string) (*dispute.Dispute, bool, error) {
	var d dispute.Dispute
	ok, err := s.getJSON(prefixDispute+id, &d)
	if !ok || err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func (s *RecordStore) DisputeIDsForEscrow(escrowID string) ([]string, error) {
	var index []string
	if _, err := s.getJSON(prefixDisputeIndex+escrowID, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *RecordStore) ScorePut(score *reputation.TrustScore) error {
	if score == nil {
		return fmt.Errorf("storage: nil score")
	}
	return s.putJSON(prefixTrust+score.AgentID, score)
}

func (s *RecordStore) ScoreGet(agentID string) (*reputation.TrustScore, bool, error) {
	var score reputation.TrustScore
	ok, err := s.getJSON(prefixTrust+agentID, &score)
	if !ok || err != nil {
		return nil, false, err
	}
	return &score, true, nil
}
