package intake

import (
	"context"
	"log"
	"sync"
)

// Processor is implemented by Engine.
type Processor interface {
	Process(ctx context.Context, deliveryID uint) (Outcome, error)
}

// Workers drains the queue with at most Size concurrent Process calls.
type Workers struct {
	queue     Queue
	processor Processor
	size      int
}

func NewWorkers(queue Queue, processor Processor, size int) *Workers {
	if size <= 0 {
		size = 4
	}
	return &Workers{queue: queue, processor: processor, size: size}
}

// Run blocks until ctx is cancelled or the queue closes, then waits for
// in-flight jobs.
func (w *Workers) Run(ctx context.Context) error {
	jobs, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	workerPool := make(chan struct{}, w.size)
	for job := range jobs {
		wg.Add(1)
		workerPool <- struct{}{}

		go func(job Job) {
			defer wg.Done()
			defer func() { <-workerPool }()
			w.handle(ctx, job)
		}(job)
	}

	wg.Wait()
	return nil
}

func (w *Workers) handle(ctx context.Context, job Job) {
	id := job.DeliveryID()
	// In-flight deliveries finish even after shutdown begins.
	out, err := w.processor.Process(context.WithoutCancel(ctx), id)
	if err != nil {
		log.Printf("process delivery=%d: %v", id, err)
		if nackErr := job.Nack(false); nackErr != nil {
			log.Printf("nack delivery=%d: %v", id, nackErr)
		}
		return
	}
	if out.Err != nil && out.Terminal {
		log.Printf("delivery=%d moved to terminal failure", id)
	}
	if err := job.Ack(); err != nil {
		log.Printf("ack delivery=%d: %v", id, err)
	}
}
