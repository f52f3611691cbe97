// Package usagelog journals key assignments and their outcomes to Postgres.
// It is optional plumbing for after-the-fact quota audits; the request path
// never waits on it.
package usagelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sergv76/imagegate/internal/monitoring"
	"github.com/sergv76/imagegate/internal/security"
	"github.com/sergv76/imagegate/internal/utils"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS imagegate_usage_log (
	id          BIGSERIAL PRIMARY KEY,
	request_id  TEXT NOT NULL,
	ordinal     INT NOT NULL,
	provider    TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertSQL = `
INSERT INTO imagegate_usage_log
	(request_id, ordinal, provider, model, outcome, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Outcome values written to the journal.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "quota_exhausted"
	OutcomeError     = "error"
	OutcomeCacheHit  = "cache_hit"
)

// Entry is one journal row: which key ordinal served which request and how
// it went. The key itself is never stored.
type Entry struct {
	RequestID  string
	Ordinal    int
	Provider   string
	Model      string
	Outcome    string
	DurationMS int64
	CreatedAt  time.Time
}

// Logger is the asynchronous journal writer.
//
// Log() never blocks: entries go into a bounded queue and a background
// worker flushes them in batches. When the queue is full the entry is
// dropped and counted; losing an audit row beats stalling a request.
type Logger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	queue    chan *Entry
	stopChan chan struct{}
	wg       sync.WaitGroup

	queued  uint64
	written uint64
	dropped uint64
	errors  uint64
}

const (
	defaultQueueSize = 1024
	flushBatchSize   = 64
	flushInterval    = 2 * time.Second
)

// New connects to Postgres, ensures the journal table exists and returns a
// logger ready to Start.
func New(ctx context.Context, databaseURL string, queueSize int, logger *slog.Logger) (*Logger, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("usagelog: invalid database URL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usagelog: database unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usagelog: failed to ensure schema: %w", err)
	}

	logger.Info("Usage log connected", "database", security.MaskDatabaseURL(databaseURL))
	return newLogger(pool, queueSize, logger), nil
}

func newLogger(pool *pgxpool.Pool, queueSize int, logger *slog.Logger) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Logger{
		pool:     pool,
		logger:   logger,
		queue:    make(chan *Entry, queueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background writer. Must be called once after New.
func (l *Logger) Start() {
	l.wg.Add(1)
	go l.worker()
	l.logger.Info("Usage log writer started",
		"queue_size", cap(l.queue),
		"batch_size", flushBatchSize,
		"flush_interval", flushInterval,
	)
}

// Log queues an entry. Non-blocking; drops (and counts) when the queue is
// full. Nil entries are ignored.
func (l *Logger) Log(e *Entry) {
	if l == nil || e == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utils.NowUTC()
	}

	select {
	case l.queue <- e:
		atomic.AddUint64(&l.queued, 1)
	default:
		atomic.AddUint64(&l.dropped, 1)
		monitoring.UsageLogDropped.Inc()
		l.logger.Warn("Usage log queue full, entry dropped",
			"request_id", e.RequestID,
			"outcome", e.Outcome,
		)
	}
}

// Close stops the worker, flushes what remains and closes the pool.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	close(l.stopChan)
	l.wg.Wait()
	if l.pool != nil {
		l.pool.Close()
	}
}

// Stats returns queued/written/dropped/error counters.
func (l *Logger) Stats() (queued, written, dropped, errs uint64) {
	if l == nil {
		return 0, 0, 0, 0
	}
	return atomic.LoadUint64(&l.queued),
		atomic.LoadUint64(&l.written),
		atomic.LoadUint64(&l.dropped),
		atomic.LoadUint64(&l.errors)
}

func (l *Logger) worker() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, flushBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= flushBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.stopChan:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
					if len(batch) >= flushBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) flushBatch(entries []*Entry) {
	b := buildInsertBatch(entries)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	br := l.pool.SendBatch(ctx, b)
	defer br.Close()

	var failed uint64
	for range entries {
		if _, err := br.Exec(); err != nil {
			failed++
			atomic.AddUint64(&l.errors, 1)
		}
	}
	atomic.AddUint64(&l.written, uint64(len(entries))-failed)

	if failed > 0 {
		l.logger.Error("Usage log batch partially failed",
			"batch", len(entries),
			"failed", failed,
		)
	}
}

func buildInsertBatch(entries []*Entry) *pgx.Batch {
	b := &pgx.Batch{}
	for _, e := range entries {
		b.Queue(insertSQL,
			e.RequestID,
			e.Ordinal,
			e.Provider,
			e.Model,
			e.Outcome,
			e.DurationMS,
			e.CreatedAt,
		)
	}
	return b
}
