package domain

import "fmt"

// Status represents the processing state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected from s
// within a delivery attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions lists, for each target status, the statuses it may be entered from.
// Pending is the initial state and is never re-entered. Completed is never left.
// Failed re-enters Processing only when the queue redelivers the job.
var transitions = map[Status][]Status{
	StatusProcessing: {StatusPending, StatusFailed},
	StatusCompleted:  {StatusPending, StatusProcessing, StatusFailed},
	StatusFailed:     {StatusPending, StatusProcessing, StatusFailed},
}

// SourcesOf returns the statuses from which to may be entered.
func SourcesOf(to Status) []Status {
	src := transitions[to]
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// MarkProcessing builds the best-effort progress marker update.
func MarkProcessing() RecordUpdate {
	return RecordUpdate{From: SourcesOf(StatusProcessing), To: StatusProcessing}
}

// MarkCompleted builds the finalizing update for a successful transfer.
func MarkCompleted(meta Metadata, obj StoredObject) RecordUpdate {
	return RecordUpdate{
		From:        SourcesOf(StatusCompleted),
		To:          StatusCompleted,
		FileName:    meta.FileName,
		ContentType: meta.ContentType,
		StorageID:   obj.ID,
		StorageLink: obj.Link,
	}
}

// MarkFailed builds the finalizing update for a failed transfer.
// Re-applying it to an already failed record rewrites the detail.
func MarkFailed(detail string) RecordUpdate {
	return RecordUpdate{From: SourcesOf(StatusFailed), To: StatusFailed, ErrorDetail: detail}
}

// TransitionError reports a guarded update whose current status did not match.
type TransitionError struct {
	RecordID string
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("record %s: illegal transition %s -> %s", e.RecordID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
