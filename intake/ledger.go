package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxErrorMessage = 2000

// Ledger is the idempotency ledger: one row per idempotency key, ever.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert records a new pending delivery. When another request has already
// inserted the same key, the winning row is returned as existing and d is left
// unsaved.
func (l *Ledger) Insert(ctx context.Context, d *Delivery) (*Delivery, error) {
	now := l.now()
	d.Status = StatusPending
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = now
	}
	if d.EnqueuedAt == nil {
		d.EnqueuedAt = &now
	}
	err := l.db.WithContext(ctx).Create(d).Error
	if err == nil {
		return nil, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	existing, findErr := l.FindByKey(ctx, d.IdempotencyKey)
	if findErr != nil {
		return nil, fmt.Errorf("insert delivery: %w (lookup after conflict: %v)", err, findErr)
	}
	return existing, nil
}

// FindByKey returns the delivery for key, or ErrNotFound.
func (l *Ledger) FindByKey(ctx context.Context, key string) (*Delivery, error) {
	var d Delivery
	err := l.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (l *Ledger) Get(ctx context.Context, id uint) (*Delivery, error) {
	var d Delivery
	err := l.db.WithContext(ctx).First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns the newest deliveries first, optionally filtered by status.
func (l *Ledger) List(ctx context.Context, status DeliveryStatus, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := l.db.WithContext(ctx).Order("id desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Delivery
	return out, q.Find(&out).Error
}

// Claim moves a pending delivery to processing and counts the attempt. ok is
// false when the row is in any other state, which makes duplicate queue
// deliveries no-ops. The returned token must accompany the outcome.
func (l *Ledger) Claim(ctx context.Context, id uint) (token string, ok bool, err error) {
	token = uuid.NewString()
	now := l.now()
	res := l.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":      StatusProcessing,
			"attempts":    gorm.Expr("attempts + 1"),
			"claim_token": token,
			"claimed_at":  now,
		})
	if res.Error != nil {
		return "", false, fmt.Errorf("claim delivery %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func markProcessed(tx *gorm.DB, id uint, token string, contactID uint, now time.Time) error {
	res := tx.Model(&Delivery{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, StatusProcessing, token).
		Updates(map[string]any{
			"status":        StatusProcessed,
			"processed_at":  now,
			"contact_id":    contactID,
			"error_message": nil,
			"claim_token":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed records a failed attempt. It is a no-op returning ErrClaimLost when
// the claim has since been taken over by the sweeper.
func (l *Ledger) MarkFailed(ctx context.Context, id uint, token string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	res := l.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, StatusProcessing, token).
		Updates(map[string]any{
			"status":        StatusFailed,
			"error_message": msg,
			"failed_at":     l.now(),
			"claim_token":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark delivery %d failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// Replay resets a failed delivery so it is processed again with a fresh attempt
// budget. Processed deliveries are never replayed.
func (l *Ledger) Replay(ctx context.Context, id uint) (*Delivery, error) {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]any{
			"status":      StatusPending,
			"attempts":    0,
			"failed_at":   nil,
			"enqueued_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("replay delivery %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := l.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotReplayable
	}
	return l.Get(ctx, id)
}

func (l *Ledger) touchEnqueued(ctx context.Context, id uint, at time.Time) error {
	return l.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Update("enqueued_at", at).Error
}

// CountByKey is used by operators and tests to check the one-row-per-key rule.
func (l *Ledger) CountByKey(ctx context.Context, key string) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Delivery{}).Where("idempotency_key = ?", key).Count(&n).Error
	return n, err
}
