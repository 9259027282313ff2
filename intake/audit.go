package intake

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	actorSystem = "system"
	actorUser   = "user"
)

// Actor identifies who caused an audited mutation: the system itself or a user.
type Actor struct {
	kind   string
	userID uint
}

func SystemActor() Actor { return Actor{kind: actorSystem} }

func UserActor(id uint) Actor { return Actor{kind: actorUser, userID: id} }

func (a Actor) IsSystem() bool { return a.kind != actorUser }

// UserID returns the user id and true for user actors.
func (a Actor) UserID() (uint, bool) {
	if a.kind != actorUser {
		return 0, false
	}
	return a.userID, true
}

func (a Actor) String() string {
	if id, ok := a.UserID(); ok {
		return fmt.Sprintf("user:%d", id)
	}
	return actorSystem
}

func actorFromColumns(actorType string, actorID *uint) Actor {
	if actorType == actorUser && actorID != nil {
		return UserActor(*actorID)
	}
	return SystemActor()
}

// Actor decodes the stored actor columns.
func (e AuditEntry) Actor() Actor {
	return actorFromColumns(e.ActorType, e.ActorID)
}

// AuditTrail is append-only: there is no update or delete.
type AuditTrail struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditTrail(db *gorm.DB) *AuditTrail {
	return &AuditTrail{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends one entry outside of any other unit of work.
func (a *AuditTrail) Record(ctx context.Context, actor Actor, subjectType string, subjectID uint, description string, properties map[string]any) (*AuditEntry, error) {
	return a.record(a.db.WithContext(ctx), actor, subjectType, subjectID, description, properties)
}

func (a *AuditTrail) record(db *gorm.DB, actor Actor, subjectType string, subjectID uint, description string, properties map[string]any) (*AuditEntry, error) {
	entry := &AuditEntry{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Description: description,
		ActorType:   actorSystem,
		Properties:  datatypes.JSONMap(properties),
		OccurredAt:  a.now(),
	}
	if id, ok := actor.UserID(); ok {
		entry.ActorType = actorUser
		entry.ActorID = &id
	}
	if err := db.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("record audit entry: %w", err)
	}
	return entry, nil
}

// List returns a subject's entries, oldest first.
func (a *AuditTrail) List(ctx context.Context, subjectType string, subjectID uint) ([]AuditEntry, error) {
	var out []AuditEntry
	err := a.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subjectType, subjectID).
		Order("occurred_at asc, id asc").
		Find(&out).Error
	return out, err
}
