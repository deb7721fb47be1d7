package fraud

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultHistoryAgents = 10_000
	DefaultRetention     = 24 * time.Hour
	maxEventsPerBuyer    = 256
)

// Window retains recent funding events per buyer. The number of tracked
// buyers is bounded by an LRU; events older than the retention period are
// pruned on access.
type Window struct {
	mu        sync.Mutex
	cache     *lru.Cache
	retention time.Duration
}

// NewWindow constructs a window tracking at most agents buyers.
func NewWindow(agents int, retention time.Duration) (*Window, error) {
	if agents <= 0 {
		agents = DefaultHistoryAgents
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	cache, err := lru.New(agents)
	if err != nil {
		return nil, fmt.Errorf("fraud: history window: %w", err)
	}
	return &Window{cache: cache, retention: retention}, nil
}

// Record appends evt to the buyer's history.
func (w *Window) Record(evt Event) {
	if w == nil || evt.BuyerID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var history []Event
	if raw, ok := w.cache.Get(evt.BuyerID); ok {
		history = raw.([]Event)
	}
	history = prune(history, evt.Timestamp.Add(-w.retention))
	// keep history ordered by timestamp
	idx := len(history)
	for idx > 0 && history[idx-1].Timestamp.After(evt.Timestamp) {
		idx--
	}
	history = append(history, Event{})
	copy(history[idx+1:], history[idx:])
	history[idx] = evt
	if len(history) > maxEventsPerBuyer {
		history = history[len(history)-maxEventsPerBuyer:]
	}
	w.cache.Add(evt.BuyerID, history)
}

// Recent returns a copy of the buyer's events inside the retention period
// ending at now.
func (w *Window) Recent(buyer string, now time.Time) []Event {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	raw, ok := w.cache.Get(buyer)
	if !ok {
		return nil
	}
	history := prune(raw.([]Event), now.Add(-w.retention))
	out := make([]Event, len(history))
	copy(out, history)
	return out
}

// Len reports the number of tracked buyers.
func (w *Window) Len() int {
	if w == nil {
		return 0
	}
	return w.cache.Len()
}

func prune(history []Event, cutoff time.Time) []Event {
	idx := 0
	for idx < len(history) && history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return history
	}
	return append([]Event(nil), history[idx:]...)
}
