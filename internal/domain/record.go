package domain

import (
	"time"

	"github.com/google/uuid"
)

// Record is the durable state of one submitted URL.
type Record struct {
	ID          string
	SourceURL   string
	FileName    string
	ContentType string
	StorageID   string
	StorageLink string
	Status      Status
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the record has reached Completed or Failed.
func (r *Record) Terminal() bool {
	return r.Status.Terminal()
}

// ValidID reports whether id is a UUID in the canonical 36-character
// hyphenated form.
func ValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// SortOrder selects the creation-time ordering for FindAll.
type SortOrder int

const (
	NewestFirst SortOrder = iota
	OldestFirst
)

// RecordUpdate is a guarded status transition plus the fields it writes.
// The store applies it only when the current status is one of From.
type RecordUpdate struct {
	From []Status
	To   Status

	// Set only on the Completed transition.
	FileName    string
	ContentType string
	StorageID   string
	StorageLink string

	// Kept only on the Failed transition; cleared otherwise.
	ErrorDetail string
}

// TransferJob is the queue payload for one record.
type TransferJob struct {
	RecordID  string `json:"fileId"`
	SourceURL string `json:"url"`
}

// TransferJobName is the queue job name the worker consumes.
const TransferJobName = "process-file"

// TransferResult is returned by a successful pipeline run.
type TransferResult struct {
	StorageID string `json:"driveFileId"`
	Message   string `json:"message"`
}

// Submission is the intake result for one URL.
type Submission struct {
	RecordID  string
	JobRef    string
	SourceURL string
	Err       error
}

// Metadata is what Infer derives for an upload.
type Metadata struct {
	FileName    string
	ContentType string
}

// StoredObject identifies an uploaded object in the remote storage backend.
type StoredObject struct {
	ID   string
	Link string
}
