package intake

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusProcessing DeliveryStatus = "processing"
	StatusProcessed  DeliveryStatus = "processed"
	StatusFailed     DeliveryStatus = "failed"
)

// Key sources, in resolution order.
const (
	KeyFromIdempotencyKey = "idempotency_key"
	KeyFromSubmissionID   = "submission_id"
	KeyGenerated          = "generated"
)

// Delivery is one inbound webhook delivery as recorded in the idempotency ledger.
type Delivery struct {
	ID             uint   `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"uniqueIndex:uniq_deliveries_key;size:191;not null"`
	KeySource      string `gorm:"size:16"`
	EventType      string `gorm:"index;size:64"`
	SourceSystem   string `gorm:"index;size:64"`
	// PayloadDigest is the SHA-256 of the canonical JSON payload. It is only used to
	// flag a reused key carrying a different body; the key alone decides duplicates.
	PayloadDigest string `gorm:"size:64"`
	RawPayload    datatypes.JSONMap
	ReceivedAt    time.Time      `gorm:"index"`
	Status        DeliveryStatus `gorm:"index;size:16;not null"`
	Attempts      int            `gorm:"not null;default:0"`
	ErrorMessage  *string        `gorm:"type:text"`
	ClaimToken    *string        `gorm:"size:36"`
	ClaimedAt     *time.Time     `gorm:"index"`
	EnqueuedAt    *time.Time     `gorm:"index"`
	FailedAt      *time.Time     `gorm:"index"`
	ProcessedAt   *time.Time
	ContactID     *uint `gorm:"index"`
	UpdatedAt     time.Time
}

type ContactStatus string

const (
	ContactLead      ContactStatus = "lead"
	ContactQualified ContactStatus = "qualified"
	ContactCustomer  ContactStatus = "customer"
	ContactArchived  ContactStatus = "archived"
)

// Contact is the CRM record inbound leads are merged into.
type Contact struct {
	ID          uint    `gorm:"primaryKey"`
	FirstName   string  `gorm:"size:100"`
	LastName    string  `gorm:"size:100"`
	DisplayName string  `gorm:"size:200"`
	Email       *string `gorm:"size:255"`
	// EmailNormalized is the case-folded email. Uniqueness is enforced only among
	// rows that are not soft-deleted (partial index).
	EmailNormalized *string       `gorm:"size:255;uniqueIndex:uniq_contacts_active_email,where:deleted_at IS NULL"`
	Phone           *string       `gorm:"size:50"`
	Company         string        `gorm:"size:200"`
	JobTitle        string        `gorm:"size:150"`
	Status          ContactStatus `gorm:"index;size:16;not null;default:'lead'"`
	Source          string        `gorm:"index;size:64"`
	SourceMeta      datatypes.JSONMap
	Notes           string `gorm:"type:text"`
	OwnerID         *uint  `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

// AuditEntry is an append-only fact about one mutation.
type AuditEntry struct {
	ID          uint   `gorm:"primaryKey"`
	SubjectType string `gorm:"index:idx_audit_subject,priority:1;size:64;not null"`
	SubjectID   uint   `gorm:"index:idx_audit_subject,priority:2;not null"`
	Description string `gorm:"size:255;not null"`
	ActorType   string `gorm:"size:16;not null"` // system, user
	ActorID     *uint
	Properties  datatypes.JSONMap
	OccurredAt  time.Time `gorm:"index"`
}

const SubjectContact = "contact"
