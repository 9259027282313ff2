package intake

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContactStore owns the contact writes whose consistency depends on the
// active-email uniqueness rule.
type ContactStore struct {
	db    *gorm.DB
	audit *AuditTrail
}

func NewContactStore(db *gorm.DB, audit *AuditTrail) *ContactStore {
	return &ContactStore{db: db, audit: audit}
}

// Create inserts c. A clash with another active contact's email is reported as
// ErrDuplicateEmail.
func (s *ContactStore) Create(ctx context.Context, c *Contact) error {
	return createContact(s.db.WithContext(ctx), c)
}

func createContact(db *gorm.DB, c *Contact) error {
	prepareContact(c)
	if err := db.Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create contact: %w", err)
	}
	return nil
}

func prepareContact(c *Contact) {
	if c.Email != nil {
		e := NormalizeEmail(*c.Email)
		if e == "" {
			c.Email = nil
			c.EmailNormalized = nil
		} else {
			c.Email = &e
			c.EmailNormalized = &e
		}
	} else {
		c.EmailNormalized = nil
	}
	if c.Status == "" {
		c.Status = ContactLead
	}
	c.DisplayName = displayNameFallback(c)
}

// Get loads a contact by id, including soft-deleted rows.
func (s *ContactStore) Get(ctx context.Context, id uint) (*Contact, error) {
	var c Contact
	err := s.db.WithContext(ctx).Unscoped().First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindActiveByEmail returns the non-deleted contact holding email, or ErrNotFound.
func (s *ContactStore) FindActiveByEmail(ctx context.Context, email string) (*Contact, error) {
	return findActiveByEmail(s.db.WithContext(ctx), email, false)
}

func findActiveByEmail(db *gorm.DB, email string, lock bool) (*Contact, error) {
	norm := NormalizeEmail(email)
	if norm == "" {
		return nil, ErrNotFound
	}
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var c Contact
	err := q.Where("email_normalized = ?", norm).Order("id asc").First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Delete soft-deletes a contact. Its email immediately becomes free for reuse.
func (s *ContactStore) Delete(ctx context.Context, id uint, actor Actor) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Contact{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		_, err := s.audit.record(tx, actor, SubjectContact, id, "Contact deleted", nil)
		return err
	})
}

// Restore clears deletedAt unless another active contact has claimed the email
// since, in which case it fails with ErrRestoreConflict and changes nothing.
// Restoring an active contact is a no-op.
func (s *ContactStore) Restore(ctx context.Context, id uint, actor Actor) (*Contact, error) {
	var restored Contact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Clauses(clause.Locking{Strength: "UPDATE"}).First(&restored, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !restored.DeletedAt.Valid {
			return nil
		}
		if restored.EmailNormalized != nil {
			holder, err := findActiveByEmail(tx, *restored.EmailNormalized, true)
			switch {
			case err == nil && holder.ID != restored.ID:
				return ErrRestoreConflict
			case err != nil && !errors.Is(err, ErrNotFound):
				return err
			}
		}
		res := tx.Unscoped().Model(&Contact{}).
			Where("id = ? AND deleted_at IS NOT NULL", id).
			Update("deleted_at", nil)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return ErrRestoreConflict
			}
			return res.Error
		}
		restored.DeletedAt = gorm.DeletedAt{}
		_, err := s.audit.record(tx, actor, SubjectContact, id, "Contact restored", nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &restored, nil
}
