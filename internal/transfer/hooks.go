package transfer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cwygoda/urldrop/internal/domain"
	"github.com/cwygoda/urldrop/internal/metrics"
)

// Hooks implements domain.Hooks for transfer jobs.
// Only OnFailed writes to the record store.
type Hooks struct {
	store  domain.RecordStore
	logger *slog.Logger
}

// NewHooks creates the lifecycle hooks.
func NewHooks(store domain.RecordStore, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{store: store, logger: logger}
}

// OnActive logs the start of an attempt.
func (h *Hooks) OnActive(ctx context.Context, d *domain.Delivery) {
	metrics.RecordQueueEvent(metrics.EventActive)
	h.logger.Info("processing job",
		"job_id", d.ID,
		"name", d.Name,
		"record_id", d.Job.RecordID,
		"url", d.Job.SourceURL,
		"attempt", d.Attempt,
	)
}

// OnCompleted logs a finished job and its stored object.
func (h *Hooks) OnCompleted(ctx context.Context, d *domain.Delivery, res *domain.TransferResult) {
	metrics.RecordQueueEvent(metrics.EventCompleted)
	attrs := []any{"job_id", d.ID, "record_id", d.Job.RecordID}
	if res != nil {
		attrs = append(attrs, "storage_id", res.StorageID, "message", res.Message)
	}
	h.logger.Info("job completed", attrs...)
}

// OnFailed re-applies the failed transition. When the pipeline already
// recorded the same fault this rewrites identical values.
func (h *Hooks) OnFailed(ctx context.Context, d *domain.Delivery, cause error) {
	metrics.RecordQueueEvent(metrics.EventFailed)
	log := h.logger.With("job_id", d.ID, "record_id", d.Job.RecordID, "attempt", d.Attempt)
	log.Error("job failed", "error", cause)

	if d.Job.RecordID == "" || cause == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	err := h.store.Update(ctx, d.Job.RecordID, domain.MarkFailed(domain.FailureDetail(cause)))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		// completed records keep their result
		log.Warn("failed status not applied", "error", err)
	default:
		log.Error("failed to update status to failed", "error", err)
	}
}
