package keypool

import (
	"math"
	"time"

	"github.com/sergv76/imagegate/internal/security"
)

// Status is the aggregate capacity view across the whole pool.
// RemainingCapacity and CapacityPercent are clamped to zero for display;
// per-slot counters stay unclamped so the arithmetic can be audited via
// Snapshot.
type Status struct {
	TotalSlots        int `json:"total_slots"`
	HealthySlots      int `json:"healthy_slots"`
	TotalUsage        int `json:"total_usage"`
	TotalSuccess      int `json:"total_success"`
	TotalErrors       int `json:"total_errors"`
	RemainingCapacity int `json:"remaining_capacity"`
	CapacityPercent   int `json:"capacity_percent"`
}

// SlotStatus is the per-slot detail exposed by the key-status endpoint.
// The key itself is pre-masked; the raw secret never leaves the pool.
type SlotStatus struct {
	Ordinal       int        `json:"ordinal"`
	Key           string     `json:"key"`
	Healthy       bool       `json:"healthy"`
	Eligible      bool       `json:"eligible"`
	UsageCount    int        `json:"usage_count"`
	SuccessCount  int        `json:"success_count"`
	ErrorCount    int        `json:"error_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
}

// Status computes the aggregate view. HealthySlots counts slots that would
// pass the same three-part test Acquire applies (health, headroom, cooldown),
// not just the stored healthy flag. A zero-slot pool yields all zeroes; the
// caller is responsible for reporting that as "no keys configured" instead
// of dividing by zero.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := Status{TotalSlots: len(p.slots)}
	for i := range p.slots {
		s := &p.slots[i]
		if s.eligible(now, p.capacity) {
			st.HealthySlots++
		}
		st.TotalUsage += s.usageCount
		st.TotalSuccess += s.successCount
		st.TotalErrors += s.errorCount
	}

	if st.TotalSlots == 0 {
		return st
	}

	total := st.TotalSlots * p.capacity
	remaining := total - st.TotalUsage
	if remaining < 0 {
		// Possible only after lowering CapacityPerKey under already-spent
		// slots; clamp for display.
		remaining = 0
	}
	st.RemainingCapacity = remaining
	st.CapacityPercent = int(math.Round(float64(remaining) / float64(total) * 100))
	return st
}

// Snapshot returns per-slot detail in ordinal order.
func (p *Pool) Snapshot() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]SlotStatus, len(p.slots))
	for i := range p.slots {
		s := &p.slots[i]
		ss := SlotStatus{
			Ordinal:      i + 1,
			Key:          security.MaskAPIKey(s.key),
			Healthy:      s.healthy,
			Eligible:     s.eligible(now, p.capacity),
			UsageCount:   s.usageCount,
			SuccessCount: s.successCount,
			ErrorCount:   s.errorCount,
		}
		if !s.cooldownUntil.IsZero() {
			t := s.cooldownUntil
			ss.CooldownUntil = &t
		}
		if !s.lastUsedAt.IsZero() {
			t := s.lastUsedAt
			ss.LastUsedAt = &t
		}
		out[i] = ss
	}
	return out
}
