package spendlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batchwise/coalesce/internal/coalesce"
	"github.com/batchwise/coalesce/internal/litellmdb/connection"
	"github.com/batchwise/coalesce/internal/litellmdb/models"
	"github.com/batchwise/coalesce/internal/litellmdb/queries"
	"github.com/batchwise/coalesce/internal/worker"
)

const dlqMaxDepth = 10

// Writer coalesces concurrent spend log entries into periodic batch INSERTs
// plus one aggregated spend UPDATE transaction per flush, instead of one
// round trip per request. It is a coalesce.ScalarExecutor whose aggregate
// body is exactly what the hand-rolled channel+ticker logger used to do
// once a batch was assembled: the accumulation policy (when to flush) now
// lives in the engine, not here.
type Writer struct {
	pool   *connection.ConnectionPool
	logger *slog.Logger
	exec   *coalesce.ScalarExecutor[*models.SpendLogEntry, int]

	dlqMu    sync.Mutex
	dlq      []*deadLetterBatch
	dlqJobs  chan worker.Job
	dlqWG    *sync.WaitGroup
	attempts int
	retry    time.Duration

	stats models.WriterStats
}

// deadLetterBatch is a batch whose flush failed, held in memory while the
// DLQ retry workers retry it.
type deadLetterBatch struct {
	entries  []*models.SpendLogEntry
	lastErr  error
	attempts int
}

// NewWriter builds a Writer backed by pool. ctx is handed to the DLQ retry
// worker pool and the retry jobs it runs; the coalescing engine does not
// watch it. Close shuts down both; canceling ctx alone stops neither, since
// the workers keep draining the job queue until Close closes it.
func NewWriter(ctx context.Context, pool *connection.ConnectionPool, cfg *models.Config) *Writer {
	cfg.ApplyDefaults()

	w := &Writer{
		pool:     pool,
		logger:   cfg.Logger,
		dlqJobs:  make(chan worker.Job, dlqMaxDepth),
		attempts: cfg.LogRetryAttempts,
		retry:    cfg.LogRetryDelay,
	}

	exec, err := coalesce.NewScalar(coalesce.Options{
		Name:    "spend_log_writer",
		Limit:   cfg.LogBatchSize,
		Window:  cfg.LogFlushInterval,
		Logger:  cfg.Logger,
		Metrics: coalesce.NewMetrics("spend_log_writer", true),
	}, w.flush)
	if err != nil {
		// Only possible if cfg.ApplyDefaults left Limit/Window <= 0, which it
		// never does; a non-nil error here is a programming error.
		panic(err)
	}
	w.exec = exec

	w.dlqWG = worker.SpawnWorkerPool(ctx, 2, w.dlqJobs, w.logger)

	return w
}

// Log submits one spend log entry. It blocks until the batch it lands in
// has been flushed (or queued into the DLQ) and returns only the error; the
// batch's shared rows-written count is discarded.
func (w *Writer) Log(ctx context.Context, entry *models.SpendLogEntry) error {
	_, err := w.exec.Call(ctx, entry)
	return err
}

// Close stops accepting new entries and waits for the DLQ retry workers to
// drain whatever they were given before the pool's context was canceled.
func (w *Writer) Close() {
	w.exec.Close()
	close(w.dlqJobs)
	w.dlqWG.Wait()
}

// flush is the aggregate body dispatched once per coalesced batch: one
// multi-row INSERT plus the aggregated per-entity spend UPDATEs, all inside
// a single transaction so a batch either lands atomically or not at all.
func (w *Writer) flush(ctx context.Context, batch []*models.SpendLogEntry) (int, error) {
	n, err := w.writeBatch(ctx, batch)
	if err == nil {
		return n, nil
	}

	w.logger.Warn("spend log batch insert failed, queuing for retry",
		"batch_size", len(batch), "error", err)
	w.enqueueRetry(batch, err)
	// The immediate flush failed, but retry is in flight: report success to
	// callers so their request isn't blocked on eventual DB recovery. Spend
	// accounting may lag by the DLQ retry interval, never be silently lost.
	return len(batch), nil
}

func (w *Writer) writeBatch(ctx context.Context, batch []*models.SpendLogEntry) (int, error) {
	tx, err := w.pool.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := queries.BuildBatchInsertQuery(len(batch))
	params := GetBatchParams(batch)
	tag, err := tx.Exec(ctx, query, params...)
	if err != nil {
		return 0, fmt.Errorf("batch insert: %w", err)
	}

	updates := aggregateSpendUpdates(batch)
	if err := executeSpendUpdates(ctx, tx, updates); err != nil {
		return 0, fmt.Errorf("spend updates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	n := int(tag.RowsAffected())
	w.stats.Written += uint64(n)
	return n, nil
}

func (w *Writer) enqueueRetry(batch []*models.SpendLogEntry, cause error) {
	w.dlqMu.Lock()
	if len(w.dlq) >= dlqMaxDepth {
		w.stats.DLQDropped++
		w.dlqMu.Unlock()
		w.logger.Error("dead letter queue full, dropping batch", "batch_size", len(batch))
		return
	}
	dl := &deadLetterBatch{entries: batch, lastErr: cause}
	w.dlq = append(w.dlq, dl)
	w.stats.DLQDepth = len(w.dlq)
	w.dlqMu.Unlock()

	select {
	case w.dlqJobs <- &retryJob{w: w, batch: dl}:
	default:
		w.logger.Error("dlq retry queue full, batch will wait for next recovery pass")
	}
}

// retryJob is a worker.Job that retries one dead-lettered batch with a
// fixed backoff, requeuing itself (via the same job queue) until it
// succeeds or exhausts Writer.attempts.
type retryJob struct {
	w     *Writer
	batch *deadLetterBatch
}

type retryResult struct{ err error }

func (r retryResult) Error() error { return r.err }

func (j *retryJob) Execute(ctx context.Context) worker.Result {
	time.Sleep(j.w.retry)

	_, err := j.w.writeBatch(ctx, j.batch.entries)
	if err == nil {
		j.w.dlqMu.Lock()
		j.w.removeFromDLQ(j.batch)
		j.w.stats.DLQRecovered++
		j.w.dlqMu.Unlock()
		return retryResult{}
	}

	j.batch.attempts++
	j.batch.lastErr = err
	if j.batch.attempts >= j.w.attempts {
		j.w.dlqMu.Lock()
		j.w.removeFromDLQ(j.batch)
		j.w.stats.DLQDropped++
		j.w.dlqMu.Unlock()
		return retryResult{err: fmt.Errorf("dropping batch after %d attempts: %w", j.batch.attempts, err)}
	}

	select {
	case j.w.dlqJobs <- j:
	default:
	}
	return retryResult{err: err}
}

// removeFromDLQ must be called with dlqMu held.
func (w *Writer) removeFromDLQ(target *deadLetterBatch) {
	for i, b := range w.dlq {
		if b == target {
			w.dlq = append(w.dlq[:i], w.dlq[i+1:]...)
			break
		}
	}
	w.stats.DLQDepth = len(w.dlq)
}

// Stats returns a snapshot of the writer's lifetime counters.
func (w *Writer) Stats() models.WriterStats {
	w.dlqMu.Lock()
	defer w.dlqMu.Unlock()
	return w.stats
}
