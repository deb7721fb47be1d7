package common

import (
	"errors"
	"math"
	"strings"
	"sync"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaSatsCapExceeded  = errors.New("quota sats cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an agent.
type QuotaNow struct {
	ReqCount uint32
	SatsUsed uint64
	EpochID  uint64
}

// Quota defines the limits enforced per agent and epoch. Zero disables a
// limit.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxSatsPerEpoch     uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxSatsPerEpoch > 0
}

// Epoch maps a unix timestamp onto the quota epoch.
func (q Quota) Epoch(unix int64) uint64 {
	if unix < 0 {
		return 0
	}
	size := int64(q.EpochSeconds)
	if size <= 0 {
		size = 60
	}
	return uint64(unix / size)
}

// CheckQuota verifies whether the additional request and sats usage fit within
// the configured quota. The returned QuotaNow reflects the updated counters when
// the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addSats uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addSats > 0 {
		if next.SatsUsed > math.MaxUint64-addSats {
			return prev, ErrQuotaCounterOverflow
		}
		next.SatsUsed += addSats
	}
	if q.MaxSatsPerEpoch > 0 && next.SatsUsed > q.MaxSatsPerEpoch {
		return prev, ErrQuotaSatsCapExceeded
	}

	return next, nil
}

// QuotaTracker keeps per-agent counters for a single Quota.
type QuotaTracker struct {
	mu    sync.Mutex
	quota Quota
	usage map[string]QuotaNow
}

// NewQuotaTracker constructs a tracker enforcing q.
func NewQuotaTracker(q Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]QuotaNow)}
}

// Consume charges one request and sats against agent's quota at unix time
// now. Counters are unchanged when the charge is denied.
func (t *QuotaTracker) Consume(agent string, now int64, sats uint64) error {
	if t == nil || !t.quota.Enabled() {
		return nil
	}
	agent = strings.TrimSpace(agent)
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, t.quota.Epoch(now), t.usage[agent], 1, sats)
	if err != nil {
		return err
	}
	t.usage[agent] = next
	return nil
}
