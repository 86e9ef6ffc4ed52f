// Package worker runs trigger tasks from the queue against the lifecycle
// controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
)

// Runner is the slice of the lifecycle controller a worker drives.
type Runner interface {
	InitialProcessing(ctx context.Context, id string) error
	CollectProducts(ctx context.Context, id string) error
	ReprocessProducts(ctx context.Context) error
}

// RetryPolicy decides whether a failed task runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds a single attempt. Zero means no bound.
	TaskTimeout time.Duration
}

// Worker consumes queue items and executes them with at-least-once retry.
type Worker struct {
	queue  crawler.Queue
	runner Runner
	retry  RetryPolicy
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker. A nil policy runs every task once.
func New(queue crawler.Queue, runner Runner, retry RetryPolicy, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		runner: runner,
		retry:  retry,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("kind", string(item.Kind)), zap.String("source_id", item.SourceID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("kind", string(item.Kind)), zap.String("source_id", item.SourceID))
	attempt := max(item.Attempt, 1)
	for {
		err := w.attempt(ctx, item, attempt)
		if err == nil {
			logger.Debug("task finished", zap.Int("attempt", attempt))
			return
		}
		if crawler.IsPermanent(err) || errors.Is(err, errUnknownKind) {
			logger.Warn("task dropped", zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		if w.retry == nil || !w.retry.ShouldRetry(err, attempt) {
			logger.Error("task failed", zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		delay := w.retry.Backoff(attempt)
		logger.Warn("task failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !wait(ctx, delay) {
			return
		}
		attempt++
	}
}

var tracer = otel.Tracer("github.com/nekoteam-llc/nekoparser/internal/worker")

func (w *Worker) attempt(ctx context.Context, item crawler.QueueItem, n int) (err error) {
	ctx, span := tracer.Start(ctx, "task."+string(item.Kind), trace.WithAttributes(
		attribute.String("source_id", item.SourceID),
		attribute.Int("attempt", n),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}
	switch item.Kind {
	case crawler.TaskInitial:
		return w.runner.InitialProcessing(ctx, item.SourceID)
	case crawler.TaskCollect:
		return w.runner.CollectProducts(ctx, item.SourceID)
	case crawler.TaskReprocess:
		return w.runner.ReprocessProducts(ctx)
	default:
		return fmt.Errorf("%w %q", errUnknownKind, item.Kind)
	}
}

var errUnknownKind = errors.New("unknown task kind")

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
