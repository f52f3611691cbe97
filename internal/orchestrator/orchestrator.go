// Package orchestrator runs the acquire/call/report loop around the key
// pool: pick a key, attempt the upstream call, report the outcome, and
// retry on a fresh key when the provider signals quota exhaustion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sergv76/imagegate/internal/cache"
	"github.com/sergv76/imagegate/internal/keypool"
	"github.com/sergv76/imagegate/internal/monitoring"
	"github.com/sergv76/imagegate/internal/provider"
	"github.com/sergv76/imagegate/internal/usagelog"
)

// ErrAllKeysExhausted means Acquire found no eligible key. No upstream call
// was attempted; the client should retry after the quota period renews.
var ErrAllKeysExhausted = errors.New("all credentials exhausted, retry later")

// Result is a completed generation.
type Result struct {
	Image    *provider.Image
	Ordinal  int // key ordinal that served the call; 0 for cache hits
	Attempts int
	Cached   bool
}

// Options tunes the retry loop. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts bounds the acquire/call loop (default 3).
	MaxAttempts int

	// BackoffStep is the linear backoff unit between attempts: the wait
	// before attempt N+1 is N*BackoffStep (default 1s, giving 1s, 2s, ...).
	BackoffStep time.Duration

	// Cooldown is how long a quota-exhausted key stays out of rotation.
	Cooldown time.Duration

	// Cache may be nil to disable result caching.
	Cache *cache.ResultCache

	// Journal may be nil to disable usage journaling.
	Journal *usagelog.Logger

	Metrics *monitoring.Metrics
	Logger  *slog.Logger

	// Sleep overrides the inter-attempt wait. Used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	pool        *keypool.Pool
	prov        provider.Provider
	cache       *cache.ResultCache
	journal     *usagelog.Logger
	metrics     *monitoring.Metrics
	logger      *slog.Logger
	maxAttempts int
	backoffStep time.Duration
	cooldown    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(pool *keypool.Pool, prov provider.Provider, opts Options) *Orchestrator {
	if pool == nil {
		panic("orchestrator.New: pool must not be nil")
	}
	if prov == nil {
		panic("orchestrator.New: provider must not be nil")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffStep := opts.BackoffStep
	if backoffStep <= 0 {
		backoffStep = time.Second
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = keypool.DefaultCooldown
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	return &Orchestrator{
		pool:        pool,
		prov:        prov,
		cache:       opts.Cache,
		journal:     opts.Journal,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: maxAttempts,
		backoffStep: backoffStep,
		cooldown:    cooldown,
		sleep:       sleep,
	}
}

// Generate serves one generation request. A cache hit returns immediately
// without touching the pool. Otherwise the loop acquires a key, calls the
// provider and reports back: quota errors bench the key and the loop moves
// on to the next one; transient errors consume an attempt without penalty.
func (o *Orchestrator) Generate(ctx context.Context, requestID string, req provider.Request) (*Result, error) {
	// Capability mismatch is a client error, not an upstream failure; reject
	// it before any pool capacity is spent on a call that cannot be sent.
	if len(req.Images) > 0 && !o.prov.SupportsReferenceImages() {
		return nil, provider.ErrReferenceImagesUnsupported
	}

	cacheKey := cache.Key(req)
	if img, ok := o.cache.Get(cacheKey); ok {
		o.logger.Debug("Result cache hit", "request_id", requestID)
		o.journal.Log(&usagelog.Entry{
			RequestID: requestID,
			Provider:  o.prov.Name(),
			Model:     req.Model,
			Outcome:   usagelog.OutcomeCacheHit,
		})
		return &Result{Image: img, Cached: true}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * o.backoffStep
			if err := o.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		asg, err := o.pool.Acquire()
		if err != nil {
			// Terminal for this request: every key is saturated or cooling
			// down, so waiting out the retry budget cannot help.
			return nil, ErrAllKeysExhausted
		}

		start := time.Now()
		img, err := o.prov.Generate(ctx, asg.Key, req)
		elapsed := time.Since(start)

		if err == nil {
			o.pool.ReportSuccess(asg.Ordinal)
			o.metrics.RecordGeneration(o.prov.Name(), "success", elapsed)
			o.journal.Log(&usagelog.Entry{
				RequestID:  requestID,
				Ordinal:    asg.Ordinal,
				Provider:   o.prov.Name(),
				Model:      req.Model,
				Outcome:    usagelog.OutcomeSuccess,
				DurationMS: elapsed.Milliseconds(),
			})
			o.cache.Set(cacheKey, img)
			return &Result{Image: img, Ordinal: asg.Ordinal, Attempts: attempt}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if provider.IsQuotaError(err) {
			o.pool.ReportExhausted(asg.Ordinal, o.cooldown)
			o.metrics.RecordGeneration(o.prov.Name(), "quota_exhausted", elapsed)
			o.journal.Log(&usagelog.Entry{
				RequestID:  requestID,
				Ordinal:    asg.Ordinal,
				Provider:   o.prov.Name(),
				Model:      req.Model,
				Outcome:    usagelog.OutcomeExhausted,
				DurationMS: elapsed.Milliseconds(),
			})
			o.logger.Warn("Key exhausted, rotating",
				"request_id", requestID,
				"ordinal", asg.Ordinal,
				"attempt", attempt,
				"error", err,
			)
		} else {
			// Transient failure: the attempt is spent but the key keeps its
			// place in rotation.
			o.metrics.RecordGeneration(o.prov.Name(), "error", elapsed)
			o.journal.Log(&usagelog.Entry{
				RequestID:  requestID,
				Ordinal:    asg.Ordinal,
				Provider:   o.prov.Name(),
				Model:      req.Model,
				Outcome:    usagelog.OutcomeError,
				DurationMS: elapsed.Milliseconds(),
			})
			o.logger.Warn("Generation attempt failed",
				"request_id", requestID,
				"ordinal", asg.Ordinal,
				"attempt", attempt,
				"error", err,
			)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("generation failed after %d attempts: %w", o.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
