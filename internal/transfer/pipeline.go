// Package transfer moves one URL's content into remote storage and
// finalizes the owning record.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cwygoda/urldrop/internal/domain"
	"github.com/cwygoda/urldrop/internal/metrics"
)

const (
	// DefaultDownloadTimeout bounds the whole source read, body included.
	DefaultDownloadTimeout = 300 * time.Second

	// finalizeTimeout bounds the failure write once the job context is gone.
	finalizeTimeout = 10 * time.Second

	uploadedMessage        = "Upload successful"
	alreadyUploadedMessage = "Already uploaded"
)

// Pipeline runs download -> infer -> upload -> finalize for one job.
// It holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	store   domain.RecordStore
	storage domain.ObjectStorage
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithDownloadTimeout sets the end-to-end download budget.
func WithDownloadTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline over its three collaborators.
func New(store domain.RecordStore, storage domain.ObjectStorage, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   store,
		storage: storage,
		client:  &http.Client{},
		timeout: DefaultDownloadTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the pipeline for job. Download and upload faults are recorded
// on the record as failed and returned so the queue can decide on redelivery.
func (p *Pipeline) Process(ctx context.Context, job domain.TransferJob) (*domain.TransferResult, error) {
	log := p.logger.With("record_id", job.RecordID, "url", job.SourceURL)
	start := time.Now()
	defer metrics.TransferStarted()()

	res, done, err := p.markProcessing(ctx, job, log)
	if err == nil && !done {
		res, err = p.transfer(ctx, job, log)
	}
	if err != nil {
		kind := domain.FailureKind(err)
		metrics.RecordTransfer(kind, time.Since(start))
		log.Error("transfer failed", "kind", kind, "error", err)
		p.recordFailure(ctx, job.RecordID, err, log)
		return nil, err
	}

	metrics.RecordTransfer(metrics.OutcomeCompleted, time.Since(start))
	return res, nil
}

// markProcessing writes the best-effort progress marker. It only stops the
// pipeline when the record is missing or already completed.
func (p *Pipeline) markProcessing(ctx context.Context, job domain.TransferJob, log *slog.Logger) (*domain.TransferResult, bool, error) {
	err := p.store.Update(ctx, job.RecordID, domain.MarkProcessing())
	switch {
	case err == nil:
		log.Info("starting download")
		return nil, false, nil
	case errors.Is(err, domain.ErrRecordNotFound):
		return nil, false, &domain.PersistenceError{Op: "mark processing", Err: err}
	case errors.Is(err, domain.ErrInvalidTransition):
		rec, ferr := p.store.FindByID(ctx, job.RecordID)
		if ferr == nil && rec.Status == domain.StatusCompleted {
			log.Info("record already completed, skipping redelivery", "storage_id", rec.StorageID)
			return &domain.TransferResult{StorageID: rec.StorageID, Message: alreadyUploadedMessage}, true, nil
		}
		log.Warn("processing marker rejected", "error", err)
	default:
		log.Warn("processing marker not persisted", "error", err)
	}
	return nil, false, nil
}

func (p *Pipeline) transfer(ctx context.Context, job domain.TransferJob, log *slog.Logger) (*domain.TransferResult, error) {
	dl, err := p.fetch(ctx, job.SourceURL)
	if err != nil {
		return nil, err
	}
	defer dl.Close()

	meta := domain.Infer(dl.header, job.SourceURL, job.RecordID)
	log.Info("streaming to storage",
		"file_name", meta.FileName,
		"content_type", meta.ContentType,
		"backend", p.storage.Name(),
	)

	obj, err := p.storage.Put(ctx, domain.Object{
		Name:        meta.FileName,
		ContentType: meta.ContentType,
		Body:        dl.body,
	})
	// A broken source stream surfaces through the storage write; blame the download.
	if readErr := dl.body.Err(); readErr != nil {
		return nil, &domain.DownloadError{URL: job.SourceURL, Err: readErr}
	}
	if err != nil {
		return nil, &domain.UploadError{Name: meta.FileName, Err: err}
	}
	metrics.AddTransferBytes(dl.body.N())

	if err := p.store.Update(ctx, job.RecordID, domain.MarkCompleted(meta, *obj)); err != nil {
		return nil, &domain.PersistenceError{Op: "finalize record", Err: err}
	}
	log.Info("transfer completed", "storage_id", obj.ID, "bytes", dl.body.N())
	return &domain.TransferResult{StorageID: obj.ID, Message: uploadedMessage}, nil
}

// recordFailure finalizes the record as failed. It runs on a context detached
// from the job so shutdown cancellation still gets recorded.
func (p *Pipeline) recordFailure(ctx context.Context, id string, cause error, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := p.store.Update(ctx, id, domain.MarkFailed(cause.Error())); err != nil {
		log.Error("failed status not persisted", "error", err)
	}
}

type download struct {
	header http.Header
	body   *sourceReader
	cancel context.CancelFunc
}

func (d *download) Close() error {
	defer d.cancel()
	return d.body.Close()
}

// fetch opens the source stream. The timeout covers the body read too, so a
// stalled stream fails the job once the budget is spent.
func (p *Pipeline) fetch(ctx context.Context, rawURL string) (*download, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, &domain.DownloadError{URL: rawURL, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, &domain.DownloadError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &domain.DownloadError{
			URL: rawURL,
			Err: fmt.Errorf("request failed with status code %d", resp.StatusCode),
		}
	}

	return &download{
		header: resp.Header,
		body:   &sourceReader{rc: resp.Body},
		cancel: cancel,
	}, nil
}

// sourceReader counts bytes and remembers the first non-EOF read error.
type sourceReader struct {
	rc  io.ReadCloser
	n   int64
	err error
}

func (r *sourceReader) Read(b []byte) (int, error) {
	n, err := r.rc.Read(b)
	r.n += int64(n)
	if err != nil && err != io.EOF && r.err == nil {
		r.err = err
	}
	return n, err
}

func (r *sourceReader) Close() error { return r.rc.Close() }
func (r *sourceReader) Err() error   { return r.err }
func (r *sourceReader) N() int64     { return r.n }
