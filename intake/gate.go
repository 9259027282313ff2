package intake

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type GateConfig struct {
	SharedSecret string
	// Sources maps each accepted source system to the event type its
	// deliveries are tagged with.
	Sources       map[string]string
	DefaultSource string
	Debug         bool
}

// Receipt is what the caller learns about an accepted delivery.
type Receipt struct {
	DeliveryID uint
	Status     DeliveryStatus
	Duplicate  bool
}

// Gate authenticates, validates and records inbound deliveries. It never
// processes them: accepted ids are handed to the queue.
type Gate struct {
	cfg     GateConfig
	ledger  *Ledger
	queue   Queue
	metrics *Metrics
}

func NewGate(cfg GateConfig, ledger *Ledger, queue Queue, metrics *Metrics) *Gate {
	return &Gate{cfg: cfg, ledger: ledger, queue: queue, metrics: metrics}
}

func (g *Gate) debugf(format string, args ...any) {
	if g == nil || !g.cfg.Debug {
		return
	}
	log.Printf(format, args...)
}

// Authenticate compares secret with the configured one in constant time. An
// unset configured secret rejects everything.
func (g *Gate) Authenticate(secret string) error {
	if g.cfg.SharedSecret == "" || secret == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(g.cfg.SharedSecret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// EventType resolves source to its configured event type. An empty source
// means the default source.
func (g *Gate) EventType(source string) (string, string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = g.cfg.DefaultSource
	}
	eventType, ok := g.cfg.Sources[source]
	if !ok {
		return "", "", ErrUnknownSource
	}
	return source, eventType, nil
}

// Submit runs one inbound request through the gate. Only ErrUnauthorized,
// ErrUnknownSource, a *ValidationError or a storage error are returned; a
// duplicate key is a successful Receipt with Duplicate set.
func (g *Gate) Submit(ctx context.Context, source string, secret string, body []byte) (Receipt, error) {
	if err := g.Authenticate(secret); err != nil {
		g.metrics.rejected("unauthorized")
		log.Printf("rejected delivery: unauthorized source=%q", source)
		return Receipt{}, err
	}
	source, eventType, err := g.EventType(source)
	if err != nil {
		g.metrics.rejected("unknown_source")
		return Receipt{}, err
	}

	raw, err := decodePayload(body)
	if err != nil {
		g.metrics.rejected("invalid_payload")
		return Receipt{}, err
	}
	lead, err := ParseLead(raw)
	if err != nil {
		g.metrics.rejected("invalid_payload")
		g.debugf("rejected delivery: %v", err)
		return Receipt{}, err
	}

	key, keySource := resolveKey(lead)
	digest := PayloadDigest(raw, 0)

	if keySource != KeyGenerated {
		existing, err := g.ledger.FindByKey(ctx, key)
		switch {
		case err == nil:
			return g.duplicate(existing, digest), nil
		case !errors.Is(err, ErrNotFound):
			return Receipt{}, err
		}
	}

	d := &Delivery{
		IdempotencyKey: key,
		KeySource:      keySource,
		EventType:      eventType,
		SourceSystem:   source,
		PayloadDigest:  digest,
		RawPayload:     datatypes.JSONMap(raw),
	}
	existing, err := g.ledger.Insert(ctx, d)
	if err != nil {
		return Receipt{}, err
	}
	if existing != nil {
		return g.duplicate(existing, digest), nil
	}

	g.metrics.accepted()
	g.debugf("accepted delivery=%d key=%q key_source=%s source=%s", d.ID, key, keySource, source)
	if err := g.queue.Enqueue(ctx, d.ID); err != nil {
		log.Printf("enqueue failed delivery=%d err=%v (sweeper will retry)", d.ID, err)
	}
	return Receipt{DeliveryID: d.ID, Status: d.Status}, nil
}

func (g *Gate) duplicate(existing *Delivery, digest string) Receipt {
	g.metrics.duplicate()
	if existing.PayloadDigest != "" && existing.PayloadDigest != digest {
		log.Printf("duplicate key with different payload delivery=%d key=%q", existing.ID, existing.IdempotencyKey)
	}
	g.debugf("duplicate delivery=%d key=%q status=%s", existing.ID, existing.IdempotencyKey, existing.Status)
	return Receipt{DeliveryID: existing.ID, Status: existing.Status, Duplicate: true}
}

func decodePayload(body []byte) (map[string]any, error) {
	body = bytes.TrimSpace(body)
	var raw map[string]any
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil || raw == nil {
		return nil, &ValidationError{Fields: map[string][]string{
			"body": {"must be a JSON object"},
		}}
	}
	return raw, nil
}

// resolveKey prefers the caller's idempotency_key, then submission_id, and
// otherwise generates a key that will never match a later submission.
func resolveKey(lead Lead) (string, string) {
	if lead.IdempotencyKey != "" {
		return lead.IdempotencyKey, KeyFromIdempotencyKey
	}
	if lead.SubmissionID != "" {
		return lead.SubmissionID, KeyFromSubmissionID
	}
	return uuid.NewString(), KeyGenerated
}
