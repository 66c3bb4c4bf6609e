package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cwygoda/urldrop/internal/adapter/queue"
	"github.com/cwygoda/urldrop/internal/domain"
	"github.com/cwygoda/urldrop/internal/metrics"
)

const (
	maxBodyBytes     = 1 << 20
	maxTimestampSkew = 5 * time.Minute

	acceptedMessage = "File processing initiated for the provided URLs."
	failedMessage   = "Failed to initiate file processing."
)

// IngestService is what the API needs from the domain.
type IngestService interface {
	Submit(ctx context.Context, urls []string) ([]domain.Submission, error)
	List(ctx context.Context) ([]domain.Record, error)
	Get(ctx context.Context, id string) (*domain.Record, error)
}

// StatsSource reports queue depth for the health endpoint.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr         string
	Secret       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Queue        StatsSource
}

// Server is the HTTP adapter for URL intake and record lookup.
type Server struct {
	svc    IngestService
	router chi.Router
	server *http.Server
	secret string
	queue  StatsSource
	logger *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(svc IngestService, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		router: chi.NewRouter(),
		secret: opts.Secret,
		queue:  opts.Queue,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(metrics.Middleware())
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(chimw.Recoverer)

	s.router.Post("/files/upload-from-urls", s.handleUploadFromURLs)
	s.router.Get("/files", s.handleListFiles)
	s.router.Get("/files/{id}", s.handleGetFile)
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())
}

// uploadRequest is the request body for POST /files/upload-from-urls.
type uploadRequest struct {
	URLs []string `json:"urls"`
}

type jobResponse struct {
	JobID       string `json:"jobId,omitempty"`
	FileID      string `json:"fileId,omitempty"`
	OriginalURL string `json:"originalUrl"`
	Error       string `json:"error,omitempty"`
}

type uploadResponse struct {
	Message string        `json:"message"`
	Jobs    []jobResponse `json:"jobs"`
}

// recordResponse is the JSON shape of a record. Unset optional fields are null.
type recordResponse struct {
	ID          string  `json:"id"`
	SourceURL   string  `json:"sourceUrl"`
	FileName    *string `json:"fileName"`
	ContentType *string `json:"contentType"`
	StorageID   *string `json:"storageId"`
	StorageLink *string `json:"storageLink"`
	Status      string  `json:"status"`
	ErrorDetail *string `json:"errorDetail"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type healthResponse struct {
	Status string       `json:"status"`
	Queue  *queue.Stats `json:"queue,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleUploadFromURLs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.logger.Warn("intake signature rejected", "error", err, "remote_addr", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	urls, err := decodeUploadRequest(body)
	if err != nil {
		metrics.RecordSubmission(metrics.ResultRejected)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subs, err := s.svc.Submit(r.Context(), urls)
	if errors.Is(err, domain.ErrEmptyBatch) {
		s.writeError(w, http.StatusBadRequest, "urls must be a non-empty array")
		return
	}

	resp := uploadResponse{Message: acceptedMessage, Jobs: make([]jobResponse, len(subs))}
	accepted := 0
	for i, sub := range subs {
		job := jobResponse{JobID: sub.JobRef, FileID: sub.RecordID, OriginalURL: sub.SourceURL}
		if sub.Err != nil {
			job.Error = "failed to enqueue file processing"
			metrics.RecordSubmission(metrics.ResultFailed)
		} else {
			accepted++
			metrics.RecordSubmission(metrics.ResultAccepted)
		}
		resp.Jobs[i] = job
	}

	if accepted == 0 {
		s.logger.Error("intake failed for every URL", "count", len(urls), "error", err)
		resp.Message = failedMessage
		s.writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	if err != nil {
		s.logger.Warn("intake partially failed", "accepted", accepted, "count", len(urls), "error", err)
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

// decodeUploadRequest parses and validates the intake body.
func decodeUploadRequest(body []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var req uploadRequest
	if err := dec.Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if dec.More() {
		return nil, errors.New("invalid JSON body")
	}
	if len(req.URLs) == 0 {
		return nil, errors.New("urls must be a non-empty array")
	}
	for i, u := range req.URLs {
		if err := domain.ValidateURL(u); err != nil {
			return nil, fmt.Errorf("urls[%d] must be a valid http or https URL", i)
		}
	}
	return req.URLs, nil
}

// verifySignature checks X-Timestamp and X-Signature, where the signature is
// hex(SHA256(timestamp + "\n" + body + "\n" + secret)).
func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	expected := Sign(timestamp, body, s.secret)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the intake signature for a request.
func Sign(timestamp string, body []byte, secret string) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte("\n"))
	h.Write(body)
	h.Write([]byte("\n"))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.List(r.Context())
	if err != nil {
		s.logger.Error("list records failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]recordResponse, len(records))
	for i := range records {
		resp[i] = recordToResponse(&records[i])
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !domain.ValidID(id) {
		s.writeError(w, http.StatusBadRequest, "invalid file ID")
		return
	}

	rec, err := s.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("File with ID %s not found", id))
			return
		}
		s.logger.Error("get record failed", "record_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, recordToResponse(rec))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.queue != nil {
		st, err := s.queue.Stats(r.Context())
		if err != nil {
			s.logger.Warn("queue stats unavailable", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
			return
		}
		resp.Queue = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func recordToResponse(rec *domain.Record) recordResponse {
	return recordResponse{
		ID:          rec.ID,
		SourceURL:   rec.SourceURL,
		FileName:    nullable(rec.FileName),
		ContentType: nullable(rec.ContentType),
		StorageID:   nullable(rec.StorageID),
		StorageLink: nullable(rec.StorageLink),
		Status:      string(rec.Status),
		ErrorDetail: nullable(rec.ErrorDetail),
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	_, port, err := net.SplitHostPort(s.server.Addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
