package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinax-network/substreams-sink-sheets/pkg/cursor"
	"github.com/pinax-network/substreams-sink-sheets/pkg/deadletter"
	"github.com/pinax-network/substreams-sink-sheets/pkg/logger"
	"github.com/pinax-network/substreams-sink-sheets/pkg/metrics"
	"github.com/pinax-network/substreams-sink-sheets/pkg/retry"
	"github.com/pinax-network/substreams-sink-sheets/pkg/sheets"
)

// DefaultFlushInterval keeps a single writer under 100 requests per 100 seconds
const DefaultFlushInterval = time.Second

// errorBufferSize bounds the Errors channel; reports beyond it are only logged
const errorBufferSize = 64

var ErrBatchDropped = errors.New("batch dropped")

// FailurePolicy decides what happens to a batch whose append failed
type FailurePolicy string

const (
	// PolicyDrop discards the failed batch
	PolicyDrop FailurePolicy = "drop"
	// PolicyRequeue puts the failed batch back at the head of the buffer and
	// backs off, dropping it once the retry policy gives up
	PolicyRequeue FailurePolicy = "requeue"
)

// ParseFailurePolicy parses "drop" or "requeue"; empty selects requeue
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", PolicyRequeue:
		return PolicyRequeue, nil
	case PolicyDrop:
		return PolicyDrop, nil
	}
	return "", fmt.Errorf("unknown failure policy %q (want drop or requeue)", s)
}

// DispatchError reports a dropped batch. It matches ErrBatchDropped and the
// store error with errors.Is.
type DispatchError struct {
	Rows     int
	Attempts int
	Cursor   string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("batch of %d rows dropped after %d attempt(s): %v", e.Rows, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrBatchDropped, e.Err}
}

// Options configures a Queue
type Options struct {
	RangeRef      string
	FlushInterval time.Duration
	FailurePolicy FailurePolicy
	// Retry bounds and paces the requeue policy
	Retry retry.Policy
	// Cursors, when set, receives the cursor of every appended batch
	Cursors cursor.Store
	// DeadLetter, when set, receives every dropped batch
	DeadLetter deadletter.Publisher
	RunID      string
}

// Queue buffers formatted rows and appends them to the store from a single
// dispatch goroutine, at most once per FlushInterval.
type Queue struct {
	logger   *logger.Logger
	appender sheets.Appender
	opts     Options
	buffer   *Buffer

	errs      chan error
	closing   chan struct{}
	done      chan struct{}
	closeCtx  context.Context
	startOnce sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	firstErr error

	// owned by the dispatch goroutine
	lastDispatch time.Time
	notBefore    time.Time
}

// NewQueue creates a Queue. Zero options take their defaults.
func NewQueue(l *logger.Logger, appender sheets.Appender, opts Options) *Queue {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PolicyRequeue
	}
	if opts.Retry.MaxAttempts == 0 {
		classifier := opts.Retry.Classifier
		opts.Retry = retry.DefaultPolicy()
		if classifier != nil {
			opts.Retry.Classifier = classifier
		}
	}

	return &Queue{
		logger:   l.Named("queue"),
		appender: appender,
		opts:     opts,
		buffer:   NewBuffer(),
		errs:     make(chan error, errorBufferSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Cancelling ctx flushes what is
// buffered and stops the queue, like Close.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

// Enqueue appends rows to the buffer tail; it never waits on the store.
// cursor is the feed position the rows came from.
func (q *Queue) Enqueue(rows [][]string, cursor string) {
	n := q.buffer.Add(rows, cursor)
	metrics.RowsEnqueuedTotal.Add(float64(len(rows)))
	metrics.BufferedRows.Set(float64(n))
}

// Buffered returns the number of rows waiting for dispatch
func (q *Queue) Buffered() int {
	return q.buffer.Len()
}

// Errors reports dropped batches as *DispatchError. It is closed once the
// queue has stopped.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// Err returns the first dropped batch error, nil if none
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstErr
}

// Close stops the ticker, flushes the buffer under the failure policy and
// waits for the dispatch goroutine to exit. ctx bounds the final flush.
func (q *Queue) Close(ctx context.Context) error {
	q.startOnce.Do(func() {
		go q.run(context.Background())
	})
	q.closeOnce.Do(func() {
		q.closeCtx = ctx
		close(q.closing)
	})
	<-q.done
	return q.Err()
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	defer close(q.errs)

	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()

	q.logger.Debug("dispatch loop started",
		zap.Duration("flush_interval", q.opts.FlushInterval),
		zap.String("failure_policy", string(q.opts.FailurePolicy)))

	for {
		select {
		case <-ticker.C:
			q.flush(ctx)
		case <-q.closing:
			q.drain(q.closeCtx)
			return
		case <-ctx.Done():
			q.drain(context.Background())
			return
		}
	}
}

// flush dispatches the whole buffer when the interval and any backoff allow it
func (q *Queue) flush(ctx context.Context) {
	if q.buffer.Len() == 0 {
		return
	}
	if time.Now().Before(q.notBefore) {
		return
	}
	if !q.wait(ctx, q.lastDispatch.Add(q.opts.FlushInterval)) {
		return
	}
	q.dispatch(ctx, q.buffer.Take())
}

// drain empties the buffer before the queue stops
func (q *Queue) drain(ctx context.Context) {
	for q.buffer.Len() > 0 {
		until := q.lastDispatch.Add(q.opts.FlushInterval)
		if q.notBefore.After(until) {
			until = q.notBefore
		}
		if !q.wait(ctx, until) {
			batch := q.buffer.Take()
			q.drop(context.Background(), batch, ctx.Err())
			return
		}
		q.dispatch(ctx, q.buffer.Take())
	}
	q.logger.Debug("buffer drained")
}

// wait sleeps until t; it returns false if ctx ends first
func (q *Queue) wait(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) dispatch(ctx context.Context, batch Batch) {
	if len(batch.Rows) == 0 {
		return
	}
	q.lastDispatch = time.Now()
	metrics.BufferedRows.Set(float64(q.buffer.Len()))

	// a started append runs to completion even when ctx ends
	err := q.appender.AppendRows(context.WithoutCancel(ctx), q.opts.RangeRef, batch.Rows)
	metrics.DispatchLatency.Observe(time.Since(q.lastDispatch).Seconds())

	if err == nil {
		metrics.BatchesDispatchedTotal.Inc()
		q.notBefore = time.Time{}
		q.logger.Info("batch appended",
			zap.Int("rows", len(batch.Rows)),
			zap.Int("buffered", q.buffer.Len()),
			zap.String("cursor", batch.Cursor))
		q.saveCursor(ctx, batch.Cursor)
		return
	}

	metrics.DispatchErrorsTotal.Inc()
	batch.Attempts++

	if q.opts.FailurePolicy == PolicyRequeue && batch.Attempts < q.opts.Retry.MaxAttempts && q.opts.Retry.Retryable(err) {
		backoff := q.opts.Retry.Backoff(batch.Attempts)
		q.notBefore = q.lastDispatch.Add(backoff)
		q.buffer.Requeue(batch)
		q.logger.Warn("append failed, batch requeued",
			zap.Int("rows", len(batch.Rows)),
			zap.Int("attempt", batch.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		return
	}

	q.drop(ctx, batch, err)
}

func (q *Queue) drop(ctx context.Context, batch Batch, cause error) {
	if len(batch.Rows) == 0 {
		return
	}
	if batch.Attempts == 0 {
		batch.Attempts = 1
	}
	dropErr := &DispatchError{Rows: len(batch.Rows), Attempts: batch.Attempts, Cursor: batch.Cursor, Err: cause}
	metrics.RowsDroppedTotal.Add(float64(len(batch.Rows)))
	q.logger.Error("batch dropped", cause,
		zap.Int("rows", len(batch.Rows)),
		zap.Int("attempts", batch.Attempts),
		zap.String("cursor", batch.Cursor))

	if q.opts.DeadLetter != nil {
		letter := deadletter.Batch{
			RunID:     q.opts.RunID,
			Range:     q.opts.RangeRef,
			Cursor:    batch.Cursor,
			Attempts:  batch.Attempts,
			Error:     cause.Error(),
			Rows:      batch.Rows,
			DroppedAt: time.Now().UTC(),
		}
		if err := q.opts.DeadLetter.Publish(context.WithoutCancel(ctx), letter); err != nil {
			q.logger.Error("failed to publish dead letter", err, zap.Int("rows", len(batch.Rows)))
		}
	}

	q.mu.Lock()
	if q.firstErr == nil {
		q.firstErr = dropErr
	}
	q.mu.Unlock()

	select {
	case q.errs <- dropErr:
	default:
		q.logger.Warn("error channel full, dispatch error not reported", zap.Int("rows", len(batch.Rows)))
	}
}

func (q *Queue) saveCursor(ctx context.Context, c string) {
	if q.opts.Cursors == nil || c == "" {
		return
	}
	if err := q.opts.Cursors.Save(context.WithoutCancel(ctx), c); err != nil {
		q.logger.Error("failed to save cursor", err, zap.String("cursor", c))
	}
}
