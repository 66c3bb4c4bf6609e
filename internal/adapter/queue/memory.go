// Package queue provides the job queues transfer jobs travel through.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cwygoda/urldrop/internal/domain"
)

const (
	DefaultName        = "file-processing"
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second

	// MaxDelay caps the doubled retry delay.
	MaxDelay = time.Hour
)

// Policy is the retry policy shared by all queue drivers.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	return p
}

// Delay is the wait before attempt+1, doubling from Backoff up to MaxDelay.
// A Backoff above MaxDelay is used as is.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt && d < MaxDelay; i++ {
		d *= 2
	}
	return min(d, max(MaxDelay, p.Backoff))
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

type memJob struct {
	id         string
	name       string
	job        domain.TransferJob
	attempts   int
	enqueuedAt time.Time
	reason     string
}

// Memory is an in-process queue. Jobs do not survive a restart.
type Memory struct {
	policy Policy

	mu        sync.Mutex
	nextID    int64
	waiting   []*memJob
	active    map[string]*memJob
	delayed   map[string]*time.Timer
	dead      []*memJob
	completed int64
	closed    bool
	notify    chan struct{}
}

// NewMemory creates an empty in-process queue.
func NewMemory(policy Policy) *Memory {
	return &Memory{
		policy:  policy.withDefaults(),
		active:  make(map[string]*memJob),
		delayed: make(map[string]*time.Timer),
		notify:  make(chan struct{}),
	}
}

// Enqueue adds a job and returns its id.
func (q *Memory) Enqueue(ctx context.Context, name string, job domain.TransferJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", domain.ErrQueueClosed
	}
	q.nextID++
	j := &memJob{
		id:         strconv.FormatInt(q.nextID, 10),
		name:       name,
		job:        job,
		enqueuedAt: time.Now(),
	}
	q.push(j)
	return j.id, nil
}

// push appends j and wakes blocked reservers. Caller holds mu.
func (q *Memory) push(j *memJob) {
	q.waiting = append(q.waiting, j)
	close(q.notify)
	q.notify = make(chan struct{})
}

// Reserve blocks until a job is waiting, ctx is done or the queue is closed.
func (q *Memory) Reserve(ctx context.Context) (*domain.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		if len(q.waiting) > 0 {
			j := q.waiting[0]
			q.waiting[0] = nil
			q.waiting = q.waiting[1:]
			j.attempts++
			q.active[j.id] = j
			d := &domain.Delivery{
				ID:          j.id,
				Name:        j.name,
				Job:         j.job,
				Attempt:     j.attempts,
				MaxAttempts: q.policy.MaxAttempts,
				EnqueuedAt:  j.enqueuedAt,
			}
			q.mu.Unlock()
			return d, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Ack settles a finished delivery.
func (q *Memory) Ack(ctx context.Context, d *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[d.ID]; !ok {
		return fmt.Errorf("ack job %s: not active", d.ID)
	}
	delete(q.active, d.ID)
	q.completed++
	return nil
}

// Nack schedules a retry after the policy delay, or moves the job to the
// dead list once attempts are exhausted.
func (q *Memory) Nack(ctx context.Context, d *domain.Delivery, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.active[d.ID]
	if !ok {
		return false, fmt.Errorf("nack job %s: not active", d.ID)
	}
	delete(q.active, d.ID)
	if cause != nil {
		j.reason = cause.Error()
	}

	if j.attempts >= q.policy.MaxAttempts || q.closed {
		q.dead = append(q.dead, j)
		return false, nil
	}

	q.delayed[j.id] = time.AfterFunc(q.policy.Delay(j.attempts), func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.delayed[j.id]; !ok {
			return
		}
		delete(q.delayed, j.id)
		q.push(j)
	})
	return true, nil
}

// Stats reports queue depth.
func (q *Memory) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Delayed:   int64(len(q.delayed)),
		Failed:    int64(len(q.dead)),
		Completed: q.completed,
	}, nil
}

// Close stops delivery and cancels pending retries. Blocked Reserve calls
// return ErrQueueClosed.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}
