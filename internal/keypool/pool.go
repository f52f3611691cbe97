package keypool

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sergv76/imagegate/internal/monitoring"
	"github.com/sergv76/imagegate/internal/security"
	"github.com/sergv76/imagegate/internal/utils"
)

// ErrNoCredentialsAvailable is returned by Acquire when every slot is
// saturated, cooling down or unhealthy. It is a normal business condition,
// not a wrapped downstream failure: no upstream call was attempted.
var ErrNoCredentialsAvailable = errors.New("no credentials available")

const (
	// DefaultCapacityPerKey is the per-key assignment ceiling per quota
	// period. Matches the observed free-tier daily cap minus a safety margin.
	DefaultCapacityPerKey = 95

	// DefaultCooldown is how long an exhausted key stays out of rotation.
	DefaultCooldown = time.Hour
)

// slot is the bookkeeping for one API key. All fields are owned by the Pool
// and mutated only under its lock.
type slot struct {
	key           string
	healthy       bool
	usageCount    int
	successCount  int
	errorCount    int
	cooldownUntil time.Time // zero = no cooldown scheduled
	lastUsedAt    time.Time // zero = never assigned
}

// eligible reports whether the slot may be handed out at the given time.
// An expired cooldown restores eligibility even while healthy is still false
// in storage; the flag alone is not authoritative.
func (s *slot) eligible(now time.Time, capacity int) bool {
	if s.usageCount >= capacity {
		return false
	}
	if !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		return false
	}
	if !s.healthy && s.cooldownUntil.IsZero() {
		return false
	}
	return true
}

// rejectReason classifies why a slot was skipped during selection.
// Must only be called for slots that failed the eligible check.
func (s *slot) rejectReason(now time.Time, capacity int) string {
	if s.usageCount >= capacity {
		return "capacity"
	}
	if !s.cooldownUntil.IsZero() && now.Before(s.cooldownUntil) {
		return "cooldown"
	}
	return "unhealthy"
}

// Assignment is the result of a successful Acquire: the key to use for one
// upstream call and the 1-based ordinal to report the outcome against.
// The ordinal is the only slot identifier that ever leaves the pool.
type Assignment struct {
	Key     string
	Ordinal int
}

// Options tunes pool behaviour. Zero values fall back to defaults.
type Options struct {
	// CapacityPerKey caps assignments per slot per quota period.
	CapacityPerKey int

	// ResetSuccessCounts makes ResetAll clear successCount as well.
	// Off by default: success totals are kept as lifetime counters.
	ResetSuccessCounts bool

	// Now overrides the clock. Used by tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Pool is the key rotation controller. It owns a fixed set of credential
// slots and mediates all access to them for concurrent request handlers.
// The pool never performs network calls; callers acquire a key, use it, and
// report the outcome back.
type Pool struct {
	mu           sync.Mutex
	slots        []slot
	next         int // index examined first on the next Acquire
	capacity     int
	resetSuccess bool
	now          func() time.Time
	logger       *slog.Logger
}

// New builds a pool from the configured keys. Blank entries are dropped;
// duplicates are kept (two identical keys are two independent quota buckets
// only if the provider treats them so, which is the caller's problem).
// A pool with zero slots is valid here; the caller decides whether that is
// fatal at startup.
func New(keys []string, opts Options) *Pool {
	capacity := opts.CapacityPerKey
	if capacity <= 0 {
		capacity = DefaultCapacityPerKey
	}
	now := opts.Now
	if now == nil {
		now = utils.NowUTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		capacity:     capacity,
		resetSuccess: opts.ResetSuccessCounts,
		now:          now,
		logger:       logger,
	}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.slots = append(p.slots, slot{key: k, healthy: true})
	}

	p.logger.Info("Key pool initialized",
		"slots", len(p.slots),
		"capacity_per_key", capacity,
	)
	return p
}

// Len returns the number of configured slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Capacity returns the per-key assignment ceiling.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire selects the next eligible slot in rotation order, records the
// assignment and returns the key. The scan starts at the rotation cursor and
// examines every slot at most once; if none is eligible it returns
// ErrNoCredentialsAvailable without blocking or retrying internally.
//
// The usage increment and cursor advance happen atomically with selection,
// so two concurrent acquisitions can never both take a slot's last unit of
// capacity.
func (p *Pool) Acquire() (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	if n == 0 {
		monitoring.KeypoolAcquireTotal.WithLabelValues("exhausted").Inc()
		return Assignment{}, ErrNoCredentialsAvailable
	}

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		s := &p.slots[idx]

		if !s.eligible(now, p.capacity) {
			monitoring.KeypoolSlotRejected.WithLabelValues(s.rejectReason(now, p.capacity)).Inc()
			continue
		}

		s.usageCount++
		s.lastUsedAt = now
		// Advance past the selected slot only, so the next Acquire starts
		// one position later regardless of how many slots were skipped.
		p.next = (idx + 1) % n

		monitoring.KeypoolAcquireTotal.WithLabelValues("assigned").Inc()
		p.logger.Debug("Key assigned",
			"ordinal", idx+1,
			"key", security.MaskAPIKey(s.key),
			"usage", s.usageCount,
			"capacity", p.capacity,
		)
		return Assignment{Key: s.key, Ordinal: idx + 1}, nil
	}

	monitoring.KeypoolAcquireTotal.WithLabelValues("exhausted").Inc()
	p.logger.Warn("No eligible key in pool", "slots", n)
	return Assignment{}, ErrNoCredentialsAvailable
}

// ReportSuccess records that the call made with the given assignment
// succeeded. Out-of-range ordinals are ignored; this is called from
// fire-and-forget paths and a stale caller must not crash anything.
func (p *Pool) ReportSuccess(ordinal int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := ordinal - 1
	if idx < 0 || idx >= len(p.slots) {
		return
	}
	p.slots[idx].successCount++
}

// ReportExhausted marks a slot as quota-exhausted and schedules its cooldown.
// Idempotent: reporting twice just re-arms the timer. Only provider-signaled
// quota errors belong here; transient failures must not remove a key from
// rotation. A negative cooldown is a programmer error and panics.
func (p *Pool) ReportExhausted(ordinal int, cooldown time.Duration) {
	if cooldown < 0 {
		panic("keypool: negative cooldown duration")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := ordinal - 1
	if idx < 0 || idx >= len(p.slots) {
		return
	}

	s := &p.slots[idx]
	s.healthy = false
	s.cooldownUntil = p.now().Add(cooldown)
	s.errorCount++

	monitoring.KeypoolExhaustedEvents.WithLabelValues(strconv.Itoa(ordinal)).Inc()
	p.logger.Warn("Key marked exhausted",
		"ordinal", ordinal,
		"key", security.MaskAPIKey(s.key),
		"cooldown_until", s.cooldownUntil.Format(time.RFC3339),
		"error_count", s.errorCount,
	)
}

// ResetAll restores every slot for a new quota period: health and cooldowns
// are cleared, usage and error counters return to zero. Success counters are
// cleared only when the pool was built with ResetSuccessCounts. Pool
// membership and ordinals are unchanged.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		s := &p.slots[i]
		s.healthy = true
		s.usageCount = 0
		s.errorCount = 0
		s.cooldownUntil = time.Time{}
		if p.resetSuccess {
			s.successCount = 0
		}
	}
	p.next = 0

	p.logger.Info("Key pool reset", "slots", len(p.slots))
}
