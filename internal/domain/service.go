package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultFanout bounds concurrent per-URL intake work.
const defaultFanout = 16

// IngestService is the intake entry point and the read side of the records.
type IngestService struct {
	store  RecordStore
	queue  JobQueue
	logger *slog.Logger
	fanout int
	now    func() time.Time
}

// NewIngestService creates a new IngestService.
func NewIngestService(store RecordStore, queue JobQueue, logger *slog.Logger) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		store:  store,
		queue:  queue,
		logger: logger,
		fanout: defaultFanout,
		now:    time.Now,
	}
}

// ValidateURL reports whether raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// Submit creates one pending record per URL and enqueues a transfer job
// referencing it. URLs are handled independently and concurrently; the
// result keeps input order. The returned error joins every per-URL failure.
func (s *IngestService) Submit(ctx context.Context, urls []string) ([]Submission, error) {
	if len(urls) == 0 {
		return nil, ErrEmptyBatch
	}

	results := make([]Submission, len(urls))
	var g errgroup.Group
	g.SetLimit(s.fanout)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = s.submitOne(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}

func (s *IngestService) submitOne(ctx context.Context, rawURL string) Submission {
	sub := Submission{SourceURL: rawURL}

	rec, err := s.store.Create(ctx, rawURL)
	if err != nil {
		s.logger.Error("create record failed", "url", rawURL, "error", err)
		sub.Err = &PersistenceError{Op: "create record", Err: err}
		return sub
	}
	sub.RecordID = rec.ID
	s.logger.Info("created pending record", "record_id", rec.ID, "url", rawURL)

	// No transaction spans the two writes: a failure here leaves the
	// record pending with no job behind it.
	ref, err := s.queue.Enqueue(ctx, TransferJobName, TransferJob{RecordID: rec.ID, SourceURL: rawURL})
	if err != nil {
		s.logger.Error("enqueue failed", "record_id", rec.ID, "url", rawURL, "error", err)
		sub.Err = fmt.Errorf("enqueue record %s: %w", rec.ID, err)
		return sub
	}
	sub.JobRef = ref
	s.logger.Info("enqueued transfer job", "job_id", ref, "record_id", rec.ID)
	return sub
}

// List returns all records, most recent first.
func (s *IngestService) List(ctx context.Context) ([]Record, error) {
	return s.store.FindAll(ctx, NewestFirst)
}

// Get retrieves a record by ID.
func (s *IngestService) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.FindByID(ctx, id)
}

// FailStale moves records stuck in processing for longer than staleAfter
// to failed. It returns how many records were moved.
func (s *IngestService) FailStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	records, err := s.store.FindAll(ctx, OldestFirst)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-staleAfter)
	detail := fmt.Sprintf("stale: no terminal transition within %s", staleAfter)
	moved := 0
	for _, rec := range records {
		if rec.Status != StatusProcessing || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		err := s.store.Update(ctx, rec.ID, RecordUpdate{
			From:        []Status{StatusProcessing},
			To:          StatusFailed,
			ErrorDetail: detail,
		})
		if errors.Is(err, ErrInvalidTransition) {
			// finished while we were looking
			continue
		}
		if err != nil {
			return moved, fmt.Errorf("fail stale record %s: %w", rec.ID, err)
		}
		s.logger.Warn("failed stale record", "record_id", rec.ID, "updated_at", rec.UpdatedAt)
		moved++
	}
	return moved, nil
}
