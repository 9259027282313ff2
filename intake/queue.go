package intake

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Job is one queued processing unit referencing a ledger row.
type Job interface {
	DeliveryID() uint
	Ack() error
	// Nack rejects the job. With requeue set the backend redelivers it.
	Nack(requeue bool) error
}

// Queue decouples acceptance from processing. Delivery is at-least-once, so
// consumers must tolerate seeing the same id twice.
type Queue interface {
	Enqueue(ctx context.Context, deliveryID uint) error
	Consume(ctx context.Context) (<-chan Job, error)
	Depth() int
	Close() error
}

type QueueOptions struct {
	Capacity int
	// Name is the AMQP queue name.
	Name string
	// Prefetch bounds unacknowledged AMQP deliveries per consumer.
	Prefetch int
}

const (
	defaultQueueCapacity = 1024
	defaultQueueName     = "crm-intake.deliveries"
)

// BuildQueueFromDSN selects a backend by scheme: memory:// (or empty) for the
// in-process queue, amqp:// or amqps:// for RabbitMQ.
func BuildQueueFromDSN(dsn string, opts QueueOptions) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryQueue(opts.Capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryQueue(opts.Capacity), nil
	case "amqp", "amqps":
		return DialAMQPQueue(dsn, opts)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

// MemoryQueue is a bounded in-process queue. Ids still buffered when the
// process dies are lost; the sweeper re-enqueues their pending rows.
type MemoryQueue struct {
	mu     sync.RWMutex
	items  chan uint
	closed chan struct{}
	done   bool
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &MemoryQueue{
		items:  make(chan uint, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue never blocks: a full buffer yields ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, deliveryID uint) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.done {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.items <- deliveryID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Job, error) {
	q.mu.RLock()
	done := q.done
	q.mu.RUnlock()
	if done {
		return nil, ErrQueueClosed
	}
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			case id := <-q.items:
				select {
				case out <- &memoryJob{id: id, queue: q}:
				case <-ctx.Done():
					_ = q.Enqueue(context.Background(), id)
					return
				case <-q.closed:
					return
				}
			}
		}
	}()
	return out, nil
}

func (q *MemoryQueue) Depth() int {
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return nil
	}
	q.done = true
	close(q.closed)
	return nil
}

type memoryJob struct {
	id    uint
	queue *MemoryQueue
}

func (j *memoryJob) DeliveryID() uint { return j.id }

func (j *memoryJob) Ack() error { return nil }

func (j *memoryJob) Nack(requeue bool) error {
	if !requeue {
		return nil
	}
	return j.queue.Enqueue(context.Background(), j.id)
}
