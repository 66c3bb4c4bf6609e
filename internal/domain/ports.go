package domain

import (
	"context"
	"io"
	"time"
)

// RecordStore is the driven port for record persistence.
type RecordStore interface {
	Create(ctx context.Context, sourceURL string) (*Record, error)
	Update(ctx context.Context, id string, u RecordUpdate) error
	FindByID(ctx context.Context, id string) (*Record, error)
	FindAll(ctx context.Context, order SortOrder) ([]Record, error)
}

// JobQueue is the driven port the intake path enqueues through.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, job TransferJob) (string, error)
}

// Delivery is one attempt by the queue to hand a job to a worker.
type Delivery struct {
	ID          string
	Name        string
	Job         TransferJob
	Attempt     int
	MaxAttempts int
	EnqueuedAt  time.Time
}

// Consumer is the worker-side view of a queue.
type Consumer interface {
	// Reserve blocks until a delivery is available or ctx is done.
	Reserve(ctx context.Context) (*Delivery, error)
	// Ack settles a successful delivery.
	Ack(ctx context.Context, d *Delivery) error
	// Nack settles a failed delivery. It reports whether the queue will
	// redeliver the job.
	Nack(ctx context.Context, d *Delivery, cause error) (bool, error)
}

// Hooks receives queue lifecycle notifications from the worker loop.
type Hooks interface {
	OnActive(ctx context.Context, d *Delivery)
	OnCompleted(ctx context.Context, d *Delivery, res *TransferResult)
	OnFailed(ctx context.Context, d *Delivery, err error)
}

// Object is a stream to be written to remote storage.
type Object struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// ObjectStorage is the driven port for the remote storage backend.
type ObjectStorage interface {
	Name() string
	Put(ctx context.Context, obj Object) (*StoredObject, error)
}
