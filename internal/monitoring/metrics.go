package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegate_requests_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240},
		},
		[]string{"endpoint"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_generations_total",
			Help: "Total number of upstream image generation attempts",
		},
		[]string{"provider", "outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegate_generation_duration_seconds",
			Help:    "Upstream generation call duration in seconds",
			Buckets: []float64{1, 5, 10, 20, 40, 60, 120},
		},
		[]string{"provider"},
	)

	KeypoolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_keypool_acquire_total",
			Help: "Key acquisitions by result (assigned or exhausted)",
		},
		[]string{"result"},
	)

	KeypoolSlotRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_keypool_slot_rejected_total",
			Help: "Slots skipped during selection, by reason",
		},
		[]string{"reason"},
	)

	KeypoolExhaustedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_keypool_exhausted_events_total",
			Help: "Quota-exhaustion reports per key ordinal",
		},
		[]string{"ordinal"},
	)

	KeypoolHealthySlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegate_keypool_healthy_slots",
			Help: "Slots currently eligible for selection",
		},
	)

	KeypoolRemainingCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegate_keypool_remaining_capacity",
			Help: "Assignments left across the whole pool before exhaustion",
		},
	)

	KeypoolSlotUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagegate_keypool_slot_usage",
			Help: "Assignments consumed per key ordinal since last reset",
		},
		[]string{"ordinal"},
	)

	CacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegate_result_cache_events_total",
			Help: "Result cache lookups by outcome (hit or miss)",
		},
		[]string{"outcome"},
	)

	UsageLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imagegate_usagelog_dropped_total",
			Help: "Usage log entries dropped because the queue was full",
		},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordGeneration(provider, outcome string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	GenerationsTotal.WithLabelValues(provider, outcome).Inc()
	GenerationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// UpdatePoolGauges publishes the aggregate pool view. Called from the
// background metrics updater, never from the request path.
func (m *Metrics) UpdatePoolGauges(healthySlots, remainingCapacity int) {
	if !m.isEnabled() {
		return
	}
	KeypoolHealthySlots.Set(float64(healthySlots))
	KeypoolRemainingCapacity.Set(float64(remainingCapacity))
}

func (m *Metrics) UpdateSlotUsage(ordinal, usage int) {
	if !m.isEnabled() {
		return
	}
	KeypoolSlotUsage.WithLabelValues(strconv.Itoa(ordinal)).Set(float64(usage))
}
