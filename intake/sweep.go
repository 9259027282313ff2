package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
)

type SweeperConfig struct {
	MaxAttempts int
	// StaleAfter is how long a claim or an enqueue may go unanswered before
	// the row is considered abandoned.
	StaleAfter time.Duration
	// RetryDelay is the minimum wait before a failed row is retried.
	RetryDelay time.Duration
	Interval   time.Duration
	// BatchSize caps rows handled per pass.
	BatchSize int
	Timeout   time.Duration
	Debug     bool
}

type SweepStats struct {
	StaleReclaimed  int
	StaleTerminal   int
	FailedRetried   int
	PendingRequeued int
	EnqueueErrors   int
}

// Sweeper recovers deliveries the workers did not finish: abandoned claims,
// retryable failures and pending rows whose enqueue was lost.
type Sweeper struct {
	cfg     SweeperConfig
	db      *gorm.DB
	ledger  *Ledger
	queue   Queue
	metrics *Metrics
	now     func() time.Time
}

func NewSweeper(cfg SweeperConfig, db *gorm.DB, ledger *Ledger, queue Queue, metrics *Metrics) *Sweeper {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		cfg:     cfg,
		db:      db,
		ledger:  ledger,
		queue:   queue,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) debugf(format string, args ...any) {
	if s == nil || !s.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	stats := SweepStats{}
	deadline := time.Time{}
	if s.cfg.Timeout > 0 {
		deadline = time.Now().Add(s.cfg.Timeout)
	}
	now := s.now()

	if err := s.reclaimStale(ctx, now, deadline, &stats); err != nil {
		return stats, err
	}
	if err := s.retryFailed(ctx, now, deadline, &stats); err != nil {
		return stats, err
	}
	if err := s.requeuePending(ctx, now, deadline, &stats); err != nil {
		return stats, err
	}
	s.debugf("sweep done: reclaimed=%d terminal=%d retried=%d requeued=%d enqueueErrors=%d elapsed=%s",
		stats.StaleReclaimed, stats.StaleTerminal, stats.FailedRetried, stats.PendingRequeued, stats.EnqueueErrors, time.Since(start))
	return stats, nil
}

// reclaimStale handles rows stuck in processing past StaleAfter: back to
// pending while attempts remain, terminal failure otherwise.
func (s *Sweeper) reclaimStale(ctx context.Context, now time.Time, deadline time.Time, stats *SweepStats) error {
	var stale []Delivery
	if err := s.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", StatusProcessing, now.Add(-s.cfg.StaleAfter)).
		Order("id asc").Limit(s.cfg.BatchSize).
		Find(&stale).Error; err != nil {
		return err
	}
	for _, d := range stale {
		if err := checkDeadline(ctx, deadline); err != nil {
			return err
		}
		if d.Attempts >= s.cfg.MaxAttempts {
			res := s.db.WithContext(ctx).Model(&Delivery{}).
				Where("id = ? AND status = ? AND claim_token = ?", d.ID, StatusProcessing, d.ClaimToken).
				Updates(map[string]any{
					"status":        StatusFailed,
					"error_message": "processing timed out",
					"failed_at":     now,
					"claim_token":   nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				stats.StaleTerminal++
				s.metrics.failed(true)
				log.Printf("delivery=%d timed out after %d attempts, giving up", d.ID, d.Attempts)
			}
			continue
		}
		res := s.db.WithContext(ctx).Model(&Delivery{}).
			Where("id = ? AND status = ? AND claim_token = ?", d.ID, StatusProcessing, d.ClaimToken).
			Updates(map[string]any{
				"status":      StatusPending,
				"claim_token": nil,
				"enqueued_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		stats.StaleReclaimed++
		s.debugf("reclaimed stale delivery=%d attempts=%d", d.ID, d.Attempts)
		s.enqueue(ctx, d.ID, "stale_processing", stats)
	}
	return nil
}

// retryFailed returns failed rows that still have attempts left to pending
// once RetryDelay has passed.
func (s *Sweeper) retryFailed(ctx context.Context, now time.Time, deadline time.Time, stats *SweepStats) error {
	var failed []Delivery
	if err := s.db.WithContext(ctx).
		Where("status = ? AND attempts < ? AND failed_at < ?", StatusFailed, s.cfg.MaxAttempts, now.Add(-s.cfg.RetryDelay)).
		Order("id asc").Limit(s.cfg.BatchSize).
		Find(&failed).Error; err != nil {
		return err
	}
	for _, d := range failed {
		if err := checkDeadline(ctx, deadline); err != nil {
			return err
		}
		res := s.db.WithContext(ctx).Model(&Delivery{}).
			Where("id = ? AND status = ? AND attempts = ?", d.ID, StatusFailed, d.Attempts).
			Updates(map[string]any{
				"status":      StatusPending,
				"enqueued_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		stats.FailedRetried++
		s.debugf("retrying failed delivery=%d attempts=%d", d.ID, d.Attempts)
		s.enqueue(ctx, d.ID, "retry_failed", stats)
	}
	return nil
}

// requeuePending re-enqueues pending rows whose last enqueue is older than
// StaleAfter, covering enqueue errors and ids lost with an in-memory queue.
func (s *Sweeper) requeuePending(ctx context.Context, now time.Time, deadline time.Time, stats *SweepStats) error {
	var pending []Delivery
	if err := s.db.WithContext(ctx).
		Where("status = ? AND (enqueued_at IS NULL OR enqueued_at < ?)", StatusPending, now.Add(-s.cfg.StaleAfter)).
		Order("id asc").Limit(s.cfg.BatchSize).
		Find(&pending).Error; err != nil {
		return err
	}
	for _, d := range pending {
		if err := checkDeadline(ctx, deadline); err != nil {
			return err
		}
		if err := s.ledger.touchEnqueued(ctx, d.ID, now); err != nil {
			return err
		}
		stats.PendingRequeued++
		s.debugf("re-enqueue pending delivery=%d", d.ID)
		s.enqueue(ctx, d.ID, "stale_pending", stats)
	}
	return nil
}

func (s *Sweeper) enqueue(ctx context.Context, id uint, reason string, stats *SweepStats) {
	if err := s.queue.Enqueue(ctx, id); err != nil {
		stats.EnqueueErrors++
		log.Printf("sweeper enqueue failed delivery=%d reason=%s err=%v", id, reason, err)
		return
	}
	s.metrics.requeued(reason)
}

func checkDeadline(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return fmt.Errorf("timeout exceeded")
	}
	return nil
}
