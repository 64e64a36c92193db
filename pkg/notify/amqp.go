package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const DefaultQueue = "bookstore.notifications"

// declareQueues declares the work queue and its dead-letter queue.
func declareQueues(ch *amqp.Channel, queue string) error {
	dead := queue + ".dead"
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dead,
	})
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	return nil
}

// EncodeMessage serializes msg for the broker.
func EncodeMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a broker payload.
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("decode notification: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// AMQPPublisher enqueues notifications for the mailer and waits for the
// broker to confirm each one.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	if err := declareQueues(ch, queue); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Send(ctx context.Context, msg Message) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         msg.Template,
		Body:         body,
	})
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return errors.New("amqp publish nacked by broker")
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// AMQPConsumer drains the notification queue.
type AMQPConsumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	prefetch int
}

func NewAMQPConsumer(url, queue string, prefetch int) (*AMQPConsumer, error) {
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	if prefetch <= 0 {
		prefetch = 8
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	if err := declareQueues(ch, queue); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPConsumer{conn: conn, ch: ch, queue: queue, prefetch: prefetch}, nil
}

// Run hands deliveries to sender with the given number of workers until ctx
// ends or the broker closes the channel. A failed delivery is requeued once,
// then dead-lettered.
func (c *AMQPConsumer) Run(ctx context.Context, workers int, sender Sender) error {
	if workers <= 0 {
		workers = 1
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for d := range deliveries {
				handleDelivery(ctx, d, sender)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			if err != nil {
				return fmt.Errorf("amqp connection closed: %w", err)
			}
			return nil
		}
	})
	return g.Wait()
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handleDelivery(ctx context.Context, d amqp.Delivery, sender Sender) {
	settle(ctx, d, d.Redelivered, d.Body, d.MessageId, sender)
}

func settle(ctx context.Context, ack acknowledger, redelivered bool, body []byte, id string, sender Sender) {
	logger := slog.Default().With("message_id", id)
	msg, err := DecodeMessage(body)
	if err != nil {
		logger.Error("notification_rejected", "err", err)
		_ = ack.Nack(false, false)
		return
	}
	if err := sender.Send(ctx, msg); err != nil {
		logger.Warn("notification_failed", "template", msg.Template, "redelivered", redelivered, "err", err)
		_ = ack.Nack(false, !redelivered)
		return
	}
	logger.Info("notification_sent", "template", msg.Template)
	_ = ack.Ack(false)
}

func (c *AMQPConsumer) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
