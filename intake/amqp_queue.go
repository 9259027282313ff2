package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpMessage struct {
	DeliveryID uint `json:"delivery_id"`
}

// AMQPQueue publishes delivery ids to a durable RabbitMQ queue. Consumers ack
// manually, so an unacked message survives a worker crash.
type AMQPQueue struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	name     string
	prefetch int
}

func DialAMQPQueue(dsn string, opts QueueOptions) (*AMQPQueue, error) {
	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q := &AMQPQueue{conn: conn, channel: ch, name: opts.Name, prefetch: opts.Prefetch}
	if q.name == "" {
		q.name = defaultQueueName
	}
	if q.prefetch <= 0 {
		q.prefetch = 4
	}
	if _, err := ch.QueueDeclare(
		q.name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", q.name, err)
	}
	log.Printf("rabbitmq queue ready name=%q prefetch=%d", q.name, q.prefetch)
	return q, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, deliveryID uint) error {
	body, err := json.Marshal(amqpMessage{DeliveryID: deliveryID})
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel == nil {
		return ErrQueueClosed
	}
	return q.channel.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

func (q *AMQPQueue) Consume(ctx context.Context) (<-chan Job, error) {
	q.mu.Lock()
	ch := q.channel
	q.mu.Unlock()
	if ch == nil {
		return nil, ErrQueueClosed
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx,
		q.name,
		"crm-intake-worker",
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	out := make(chan Job)
	go func() {
		defer close(out)
		for msg := range msgs {
			var m amqpMessage
			if err := json.Unmarshal(msg.Body, &m); err != nil || m.DeliveryID == 0 {
				log.Printf("dropping malformed queue message: %q", msg.Body)
				_ = msg.Nack(false, false)
				continue
			}
			select {
			case out <- &amqpJob{id: m.DeliveryID, msg: msg}:
			case <-ctx.Done():
				_ = msg.Nack(false, true)
				return
			}
		}
	}()
	return out, nil
}

// Depth reports the broker's ready-message count, or -1 when unavailable.
func (q *AMQPQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel == nil {
		return -1
	}
	st, err := q.channel.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return -1
	}
	return st.Messages
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
		q.channel = nil
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
		q.conn = nil
	}
	return nil
}

type amqpJob struct {
	id  uint
	msg amqp.Delivery
}

func (j *amqpJob) DeliveryID() uint { return j.id }

func (j *amqpJob) Ack() error { return j.msg.Ack(false) }

func (j *amqpJob) Nack(requeue bool) error { return j.msg.Nack(false, requeue) }
