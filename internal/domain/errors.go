package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL        = errors.New("invalid URL")
	ErrEmptyBatch        = errors.New("no URLs submitted")
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueClosed       = errors.New("queue closed")
)

// Failure kinds reported by FailureKind.
const (
	KindDownload    = "download"
	KindUpload      = "upload"
	KindPersistence = "persistence"
	KindUnknown     = "unknown"
)

// DownloadError is a network, timeout or non-success status fault while
// fetching source content.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string { return e.Err.Error() }
func (e *DownloadError) Unwrap() error { return e.Err }
func (e *DownloadError) Kind() string  { return KindDownload }

// UploadError is a fault raised by the storage backend during the streaming write.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string { return e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }
func (e *UploadError) Kind() string  { return KindUpload }

// PersistenceError is a record store write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Kind() string  { return KindPersistence }

type kinded interface {
	Kind() string
}

// FailureKind classifies err by the first kinded error in its chain.
func FailureKind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// ExhaustedError marks the last failed attempt of a job the queue will not
// redeliver.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v (gave up after %d attempts)", e.Err, e.Attempts)
}
func (e *ExhaustedError) Unwrap() error { return e.Err }

// FailureDetail is the message stored on a failed record. Exhaustion does not
// change it, so the last fault stays visible.
func FailureDetail(err error) string {
	var ex *ExhaustedError
	if errors.As(err, &ex) && ex.Err != nil {
		return ex.Err.Error()
	}
	return err.Error()
}
