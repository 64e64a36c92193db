package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxRetries int) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Client:     client,
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, "mail", []byte(`{"to":"a@b"}`)); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["kind"] != "mail" || got.Values["payload"] != `{"to":"a@b"}` {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, "mail", []byte("x")); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestEnqueueValidates(t *testing.T) {
	q := newTestQueue(t, 1)
	if _, err := q.Enqueue(context.Background(), "", []byte("x")); err == nil {
		t.Fatalf("expected kind error")
	}
	if _, err := q.Enqueue(context.Background(), "mail", nil); err == nil {
		t.Fatalf("expected payload error")
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	job, err := q.Enqueue(ctx, "mail", []byte("hello"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var (
		mu       sync.Mutex
		attempts int
		payload  string
	)
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, 1, func(_ context.Context, j Job) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			payload = string(j.Payload)
			if attempts == 1 {
				return errors.New("smtp unavailable")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job was not retried")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 || payload != "hello" {
		t.Fatalf("attempts = %d, payload = %q", attempts, payload)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, ok, err := q.GetJob(context.Background(), job.ID)
		if err != nil || !ok {
			t.Fatalf("get job: %v %v", ok, err)
		}
		if status.Status == StatusDone {
			if status.Attempts != 2 || status.Kind != "mail" {
				t.Fatalf("status = %+v", status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job status = %+v", status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleMessageFailsAfterMaxRetries(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)
	q.maxRetries = 1
	msg := redis.XMessage{ID: msgID, Values: map[string]any{"job_id": jobID, "kind": "mail", "payload": "x"}}
	q.handleMessage(ctx, msg, func(context.Context, Job) error { return errors.New("permanent") })

	status, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		t.Fatalf("get job: %v %v", ok, err)
	}
	if status.Status != StatusFailed || status.ErrorMessage != "permanent" {
		t.Fatalf("status = %+v", status)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 0 {
		t.Fatalf("expected failed job removed from stream, len=%d", n)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string) {
	t.Helper()
	q := newTestQueue(t, 3)
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job, err := q.Enqueue(ctx, "mail", []byte(`{"to":"a@b"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job.ID
}
