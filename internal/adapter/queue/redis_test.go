package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cwygoda/urldrop/internal/domain"
)

func newTestRedis(t *testing.T, policy Policy) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := NewRedis(rdb, "test", policy,
		WithBlockTimeout(time.Second),
		WithRedisLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return q, mr
}

func TestRedis_EnqueueReserveAck(t *testing.T) {
	q, mr := newTestRedis(t, Policy{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.TransferJobName, testJob("a"))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "1" {
		t.Errorf("id = %q, want 1", id)
	}
	if got := mr.HGet("urldrop:test:job:1", fieldName); got != domain.TransferJobName {
		t.Errorf("stored name = %q", got)
	}

	d := reserve(t, q)
	if d.ID != id || d.Job.RecordID != "a" || d.Job.SourceURL != "https://example.com/a" {
		t.Errorf("delivery = %+v", d)
	}
	if d.Attempt != 1 || d.EnqueuedAt.IsZero() {
		t.Errorf("attempt = %d, enqueuedAt = %v", d.Attempt, d.EnqueuedAt)
	}

	st, _ := q.Stats(ctx)
	if st.Active != 1 || st.Waiting != 0 {
		t.Errorf("stats after reserve = %+v", st)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	st, _ = q.Stats(ctx)
	if st.Active != 0 || st.Completed != 1 {
		t.Errorf("stats after ack = %+v", st)
	}
	if mr.Exists("urldrop:test:job:1") {
		t.Error("job hash not removed on ack")
	}
}

func TestRedis_FIFO(t *testing.T) {
	q, _ := newTestRedis(t, Policy{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(ctx, domain.TransferJobName, testJob(id))
	}
	for _, want := range []string{"a", "b", "c"} {
		d := reserve(t, q)
		if d.Job.RecordID != want {
			t.Errorf("got %q, want %q", d.Job.RecordID, want)
		}
		q.Ack(ctx, d)
	}
}

func TestRedis_NackRetriesThenFails(t *testing.T) {
	q, mr := newTestRedis(t, Policy{MaxAttempts: 2, Backoff: 10 * time.Millisecond})
	ctx := context.Background()
	q.Enqueue(ctx, domain.TransferJobName, testJob("a"))

	d := reserve(t, q)
	retry, err := q.Nack(ctx, d, errors.New("boom"))
	if err != nil || !retry {
		t.Fatalf("first Nack() = %v, %v; want retry", retry, err)
	}
	st, _ := q.Stats(ctx)
	if st.Delayed != 1 {
		t.Errorf("delayed = %d, want 1", st.Delayed)
	}

	time.Sleep(20 * time.Millisecond)
	d = reserve(t, q)
	if d.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", d.Attempt)
	}
	retry, err = q.Nack(ctx, d, errors.New("still broken"))
	if err != nil || retry {
		t.Fatalf("second Nack() = %v, %v; want exhausted", retry, err)
	}

	st, _ = q.Stats(ctx)
	if st.Failed != 1 || st.Delayed != 0 || st.Active != 0 {
		t.Errorf("stats = %+v, want one failed job", st)
	}
	if got := mr.HGet("urldrop:test:job:1", fieldReason); got != "still broken" {
		t.Errorf("failed_reason = %q", got)
	}
}

func TestRedis_MalformedJobIsBuried(t *testing.T) {
	q, mr := newTestRedis(t, Policy{})
	ctx := context.Background()

	mr.HSet("urldrop:test:job:99", fieldName, domain.TransferJobName, fieldData, "{not json")
	mr.Lpush("urldrop:test:wait", "99")
	q.Enqueue(ctx, domain.TransferJobName, testJob("a"))

	d := reserve(t, q)
	if d.Job.RecordID != "a" {
		t.Errorf("delivery = %+v, want job a", d)
	}
	st, _ := q.Stats(ctx)
	if st.Failed != 1 {
		t.Errorf("failed = %d, want 1", st.Failed)
	}
}

// failOnce fails the first command named name with a transport error.
type failOnce struct {
	name   string
	failed atomic.Bool
}

func (h *failOnce) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failOnce) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), h.name) && h.failed.CompareAndSwap(false, true) {
			err := errors.New("connection reset by peer")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *failOnce) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedis_TransientLoadErrorRequeues(t *testing.T) {
	q, _ := newTestRedis(t, Policy{})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, domain.TransferJobName, testJob("a"))
	hook := &failOnce{name: "hincrby"}
	q.rdb.AddHook(hook)

	rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	d, err := q.Reserve(rctx)
	if err == nil || d != nil {
		t.Fatalf("Reserve() = %+v, %v; want transport error", d, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reserve() error = %v, want the load error", err)
	}
	if !hook.failed.Load() {
		t.Fatal("hook never fired")
	}

	st, _ := q.Stats(ctx)
	if st.Waiting != 1 || st.Active != 0 || st.Failed != 0 {
		t.Errorf("stats after failed load = %+v, want the job back on wait", st)
	}

	d = reserve(t, q)
	if d.ID != id || d.Job.RecordID != "a" {
		t.Errorf("redelivery = %+v", d)
	}
	if d.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", d.Attempt)
	}
}

func TestRedis_RecoverActive(t *testing.T) {
	q, _ := newTestRedis(t, Policy{})
	ctx := context.Background()
	q.Enqueue(ctx, domain.TransferJobName, testJob("a"))
	q.Enqueue(ctx, domain.TransferJobName, testJob("b"))
	reserve(t, q)
	reserve(t, q)

	n, err := q.RecoverActive(ctx)
	if err != nil {
		t.Fatalf("RecoverActive() error = %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d, want 2", n)
	}
	st, _ := q.Stats(ctx)
	if st.Waiting != 2 || st.Active != 0 {
		t.Errorf("stats = %+v", st)
	}

	d := reserve(t, q)
	if d.Attempt != 2 {
		t.Errorf("attempt after recovery = %d, want 2", d.Attempt)
	}
}

func TestRedis_Close(t *testing.T) {
	q, _ := newTestRedis(t, Policy{})
	q.Close()

	if _, err := q.Reserve(context.Background()); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Reserve() error = %v, want ErrQueueClosed", err)
	}
	if _, err := q.Enqueue(context.Background(), domain.TransferJobName, testJob("a")); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Enqueue() error = %v, want ErrQueueClosed", err)
	}
}

func TestRedis_ReserveCancelled(t *testing.T) {
	q, _ := newTestRedis(t, Policy{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := q.Reserve(ctx); err == nil {
		t.Error("Reserve() on empty queue should fail once ctx is done")
	}
}
