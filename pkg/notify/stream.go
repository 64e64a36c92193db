package notify

import (
	"context"
	"fmt"
	"log/slog"

	"bookstore/pkg/queue"
)

// JobKind tags notification jobs on a shared Redis stream.
const JobKind = "notification"

// StreamPublisher enqueues notifications on a Redis stream for the mailer.
type StreamPublisher struct {
	q *queue.RedisJobQueue
}

func NewStreamPublisher(q *queue.RedisJobQueue) *StreamPublisher {
	return &StreamPublisher{q: q}
}

func (p *StreamPublisher) Send(ctx context.Context, msg Message) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := p.q.Enqueue(ctx, JobKind, body); err != nil {
		return fmt.Errorf("stream publish: %w", err)
	}
	return nil
}

// StreamHandler delivers queued notifications through sender. Payloads that
// cannot be decoded are dropped; send failures are retried by the queue.
func StreamHandler(sender Sender) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		logger := slog.Default().With("job_id", job.ID, "attempt", job.Attempts)
		if job.Kind != JobKind {
			logger.Warn("notification_skipped", "kind", job.Kind)
			return nil
		}
		msg, err := DecodeMessage(job.Payload)
		if err != nil {
			logger.Error("notification_rejected", "err", err)
			return nil
		}
		if err := sender.Send(ctx, msg); err != nil {
			logger.Warn("notification_failed", "template", msg.Template, "err", err)
			return err
		}
		logger.Info("notification_sent", "template", msg.Template)
		return nil
	}
}
