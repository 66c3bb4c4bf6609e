package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/urldrop/internal/domain"
	"github.com/cwygoda/urldrop/internal/metrics"
)

// DefaultConcurrency is the number of jobs processed at once.
const DefaultConcurrency = 5

const (
	settleTimeout     = 10 * time.Second
	minReserveBackoff = 100 * time.Millisecond
	maxReserveBackoff = 5 * time.Second
)

// ErrNoHandler is returned for deliveries whose job name has no handler.
var ErrNoHandler = errors.New("no handler for job")

// Handler processes one job.
type Handler func(ctx context.Context, job domain.TransferJob) (*domain.TransferResult, error)

// Worker reserves deliveries from a queue and dispatches them to handlers.
type Worker struct {
	consumer    domain.Consumer
	hooks       domain.Hooks
	concurrency int
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a new worker pool.
func New(consumer domain.Consumer, hooks domain.Hooks, concurrency int, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer:    consumer,
		hooks:       hooks,
		concurrency: concurrency,
		logger:      logger,
		handlers:    make(map[string]Handler),
	}
}

// Handle registers h for jobs named name.
func (w *Worker) Handle(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run starts the worker loops and blocks until ctx is cancelled or the
// queue is closed. In-flight jobs are settled before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
	err := g.Wait()

	w.logger.Info("worker shutting down")
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) {
	backoff := minReserveBackoff
	for {
		d, err := w.consumer.Reserve(ctx)
		switch {
		case err == nil:
			backoff = minReserveBackoff
		case ctx.Err() != nil, errors.Is(err, domain.ErrQueueClosed):
			return
		default:
			w.logger.Error("reserve failed", "slot", slot, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReserveBackoff)
			continue
		}
		if d == nil {
			continue
		}
		w.processJob(ctx, d)
	}
}

func (w *Worker) processJob(ctx context.Context, d *domain.Delivery) {
	w.hooks.OnActive(ctx, d)

	res, err := w.invoke(ctx, d)

	// Settlement outlives shutdown so the delivery is not left active.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		retry, nerr := w.consumer.Nack(sctx, d, err)
		if nerr != nil {
			w.logger.Error("nack failed", "job_id", d.ID, "error", nerr)
		}
		if retry {
			metrics.RecordQueueEvent(metrics.EventRetried)
			w.logger.Info("job will be retried", "job_id", d.ID, "attempt", d.Attempt, "max_attempts", d.MaxAttempts)
		} else if nerr == nil {
			metrics.RecordQueueEvent(metrics.EventExhausted)
			err = &domain.ExhaustedError{Attempts: d.Attempt, Err: err}
		}
		w.hooks.OnFailed(sctx, d, err)
		return
	}

	if aerr := w.consumer.Ack(sctx, d); aerr != nil {
		w.logger.Error("ack failed", "job_id", d.ID, "error", aerr)
	}
	w.hooks.OnCompleted(sctx, d, res)
}

// invoke runs the handler for d, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, d *domain.Delivery) (res *domain.TransferResult, err error) {
	h, ok := w.handler(d.Name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoHandler, d.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", "job_id", d.ID, "panic", r, "stack", string(debug.Stack()))
			res, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, d.Job)
}
