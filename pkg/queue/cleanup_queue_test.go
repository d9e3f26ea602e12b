package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisCleanupQueue, context.Context) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisCleanupQueue(client, Config{
		Stream:     "test:cleanup",
		Group:      "test-group",
		Consumer:   "consumer-1",
		MaxRetries: 2,
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, context.Background()
}

func waitForStatus(t *testing.T, q *RedisCleanupQueue, jobID, status string) CleanupJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, status)
	return CleanupJob{}
}

func TestEnqueueValidates(t *testing.T) {
	q, ctx := newTestQueue(t)
	if _, err := q.Enqueue(ctx, Kind("bucket"), "x", ""); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := q.Enqueue(ctx, KindStore, "  ", ""); err == nil {
		t.Fatalf("expected resource error")
	}
	job, err := q.Enqueue(ctx, KindDocument, "fileSearchStores/s/documents/d", "metadata insert failed")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusQueued || got.Kind != KindDocument || got.Reason != "metadata insert failed" {
		t.Fatalf("job = %+v", got)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Fatalf("pending = %d", n)
	}
}

func TestWorkerProcessesJobsEnqueuedBeforeStart(t *testing.T) {
	q, ctx := newTestQueue(t)
	job, err := q.Enqueue(ctx, KindStore, "fileSearchStores/orphan", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var seen atomic.Value
	q.Start(runCtx, 1, func(_ context.Context, j CleanupJob) error {
		seen.Store(j.Resource)
		return nil
	})
	done := waitForStatus(t, q, job.ID, StatusDone)
	cancel()
	q.Wait()

	if seen.Load() != "fileSearchStores/orphan" || done.Attempts != 1 {
		t.Fatalf("seen=%v job=%+v", seen.Load(), done)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Fatalf("stream should be drained, len=%d", n)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q, ctx := newTestQueue(t)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var calls int32
	q.Start(runCtx, 1, func(context.Context, CleanupJob) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider down")
	})
	job, err := q.Enqueue(ctx, KindObject, "knowledge-bases/kb/file/doc.pdf", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 2 || failed.ErrorMessage != "provider down" {
		t.Fatalf("job = %+v", failed)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d", got)
	}
}

func TestRequeueAndAckKeepsPendingOnFailure(t *testing.T) {
	q, ctx := newTestQueue(t)
	q.ensureGroup(ctx)
	job, err := q.Enqueue(ctx, KindStore, "fileSearchStores/a", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %v %+v", err, streams)
	}
	msgID := streams[0].Messages[0].ID

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceled, msgID, job); err == nil {
		t.Fatalf("expected failure on canceled context")
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil || pending.Count != 1 {
		t.Fatalf("pending = %+v err=%v", pending, err)
	}

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	pending, _ = q.client.XPending(ctx, q.stream, q.group).Result()
	if pending.Count != 0 {
		t.Fatalf("expected original message acked, pending=%d", pending.Count)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Fatalf("expected requeued message, len=%d", n)
	}
}
