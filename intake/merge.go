package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionCreated = "created"
	ActionMerged  = "merged"
	ActionNoop    = "noop"
	ActionFailed  = "failed"
)

type EngineConfig struct {
	// DefaultOwnerID is assigned to contacts that have no owner yet.
	DefaultOwnerID *uint
	MaxAttempts    int
	Debug          bool
}

// Outcome describes what one Process call did.
type Outcome struct {
	DeliveryID uint
	ContactID  uint
	Action     string
	Attempts   int
	// Terminal is set when a failed delivery has no attempts left.
	Terminal bool
	Err      error
}

// Engine turns ledger rows into contacts. Each delivery is applied in a single
// transaction: lookup, create or merge, audit, mark processed.
type Engine struct {
	cfg     EngineConfig
	db      *gorm.DB
	ledger  *Ledger
	audit   *AuditTrail
	metrics *Metrics
	now     func() time.Time
}

func NewEngine(cfg EngineConfig, db *gorm.DB, ledger *Ledger, audit *AuditTrail, metrics *Metrics) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Engine{
		cfg:     cfg,
		db:      db,
		ledger:  ledger,
		audit:   audit,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) debugf(format string, args ...any) {
	if e == nil || !e.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Process handles one queued delivery id. Merge failures are recorded on the
// ledger row and reported through Outcome; the returned error is reserved for
// failures to talk to the ledger at all.
func (e *Engine) Process(ctx context.Context, deliveryID uint) (Outcome, error) {
	start := time.Now()
	defer e.metrics.observe(start)

	out := Outcome{DeliveryID: deliveryID}
	token, ok, err := e.ledger.Claim(ctx, deliveryID)
	if err != nil {
		return out, err
	}
	if !ok {
		out.Action = ActionNoop
		e.metrics.merged(ActionNoop)
		e.debugf("skip delivery=%d: not pending", deliveryID)
		return out, nil
	}

	d, err := e.ledger.Get(ctx, deliveryID)
	if err != nil {
		return out, err
	}
	out.Attempts = d.Attempts

	contactID, action, err := e.apply(ctx, d, token)
	if errors.Is(err, ErrDuplicateEmail) {
		e.debugf("delivery=%d lost create race, retrying as merge", d.ID)
		contactID, action, err = e.apply(ctx, d, token)
	}
	if err != nil {
		return e.fail(ctx, d, token, out, err)
	}

	out.ContactID = contactID
	out.Action = action
	e.metrics.merged(action)
	e.debugf("processed delivery=%d contact=%d action=%s attempts=%d", d.ID, contactID, action, d.Attempts)
	return out, nil
}

func (e *Engine) fail(ctx context.Context, d *Delivery, token string, out Outcome, cause error) (Outcome, error) {
	out.Action = ActionFailed
	out.Err = cause
	if errors.Is(cause, ErrClaimLost) {
		log.Printf("delivery=%d claim lost, result discarded", d.ID)
		return out, nil
	}
	if err := e.ledger.MarkFailed(ctx, d.ID, token, cause); err != nil {
		if errors.Is(err, ErrClaimLost) {
			return out, nil
		}
		return out, err
	}
	out.Terminal = d.Attempts >= e.cfg.MaxAttempts
	e.metrics.failed(out.Terminal)
	log.Printf("delivery=%d failed attempt=%d/%d terminal=%v err=%v", d.ID, d.Attempts, e.cfg.MaxAttempts, out.Terminal, cause)
	return out, nil
}

func (e *Engine) apply(ctx context.Context, d *Delivery, token string) (uint, string, error) {
	lead, err := ParseLead(map[string]any(d.RawPayload))
	if err != nil {
		return 0, "", fmt.Errorf("stored payload: %w", err)
	}
	attribution := AttributionFields(map[string]any(d.RawPayload))

	var contactID uint
	var action string
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing *Contact
		if lead.Email != "" {
			c, err := findActiveByEmail(tx, lead.Email, true)
			switch {
			case err == nil:
				existing = c
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		var filled, metaKeys []string
		var contact *Contact
		if existing == nil {
			contact, filled, metaKeys = e.newContact(lead, d.SourceSystem, attribution)
			if err := createContact(tx, contact); err != nil {
				return err
			}
			action = ActionCreated
		} else {
			contact = existing
			filled, metaKeys = e.mergeInto(contact, lead, d.SourceSystem, attribution)
			if err := tx.Save(contact).Error; err != nil {
				return fmt.Errorf("save contact %d: %w", contact.ID, err)
			}
			action = ActionMerged
		}

		description := "Contact created from inbound webhook"
		if action == ActionMerged {
			description = "Contact merged from inbound webhook"
		}
		props := map[string]any{
			"delivery_id":             d.ID,
			"idempotency_key":         d.IdempotencyKey,
			"source_system":           d.SourceSystem,
			"event_type":              d.EventType,
			"action":                  action,
			"merged_source_meta_keys": metaKeys,
			"filled_fields":           filled,
		}
		if _, err := e.audit.record(tx, SystemActor(), SubjectContact, contact.ID, description, props); err != nil {
			return err
		}
		contactID = contact.ID
		return markProcessed(tx, d.ID, token, contact.ID, e.now())
	})
	return contactID, action, err
}

func (e *Engine) newContact(lead Lead, source string, attribution map[string]any) (*Contact, []string, []string) {
	c := &Contact{
		FirstName:   lead.FirstName,
		LastName:    lead.LastName,
		DisplayName: DeriveDisplayName(lead.FirstName, lead.LastName, lead.Name),
		Company:     lead.Company,
		JobTitle:    lead.JobTitle,
		Status:      ContactLead,
		Source:      source,
		SourceMeta:  datatypes.JSONMap(attribution),
		Notes:       noteLine(source, lead.Message),
		OwnerID:     e.cfg.DefaultOwnerID,
	}
	if lead.Email != "" {
		email := lead.Email
		c.Email = &email
	}
	if lead.Phone != "" {
		phone := lead.Phone
		c.Phone = &phone
	}
	var filled []string
	for field, set := range map[string]bool{
		"first_name": c.FirstName != "",
		"last_name":  c.LastName != "",
		"email":      c.Email != nil,
		"phone":      c.Phone != nil,
		"company":    c.Company != "",
		"job_title":  c.JobTitle != "",
		"notes":      c.Notes != "",
		"owner_id":   c.OwnerID != nil,
	} {
		if set {
			filled = append(filled, field)
		}
	}
	sort.Strings(filled)
	return c, filled, sortedKeys(attribution)
}

// mergeInto applies lead to an existing contact without overwriting anything
// already known. Company is first-write-wins, notes are appended, sourceMeta
// keys accumulate with existing values kept, status is never touched.
func (e *Engine) mergeInto(c *Contact, lead Lead, source string, attribution map[string]any) ([]string, []string) {
	var filled []string
	fill := func(field string, dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			filled = append(filled, field)
		}
	}
	fill("first_name", &c.FirstName, lead.FirstName)
	fill("last_name", &c.LastName, lead.LastName)
	if name := DeriveDisplayName(c.FirstName, c.LastName, lead.Name); name != "" && name != c.DisplayName && hasPlaceholderName(c) {
		c.DisplayName = name
		filled = append(filled, "display_name")
	}
	fill("company", &c.Company, lead.Company)
	fill("job_title", &c.JobTitle, lead.JobTitle)
	if (c.Phone == nil || *c.Phone == "") && lead.Phone != "" {
		phone := lead.Phone
		c.Phone = &phone
		filled = append(filled, "phone")
	}
	if c.OwnerID == nil && e.cfg.DefaultOwnerID != nil {
		owner := *e.cfg.DefaultOwnerID
		c.OwnerID = &owner
		filled = append(filled, "owner_id")
	}
	if line := noteLine(source, lead.Message); line != "" {
		c.Notes = appendNote(c.Notes, line)
		filled = append(filled, "notes")
	}

	var metaKeys []string
	if c.SourceMeta == nil {
		c.SourceMeta = datatypes.JSONMap{}
	}
	for _, k := range sortedKeys(attribution) {
		if _, exists := c.SourceMeta[k]; exists {
			continue
		}
		c.SourceMeta[k] = attribution[k]
		metaKeys = append(metaKeys, k)
	}
	sort.Strings(filled)
	return filled, metaKeys
}

func noteLine(source, message string) string {
	if message == "" {
		return ""
	}
	return "[" + source + "] " + message
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n\n" + line
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
