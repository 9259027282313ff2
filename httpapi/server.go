package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-intake/intake"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerConfig struct {
	// SecretHeader carries the webhook shared secret.
	SecretHeader string
	MaxBodyBytes int64
	// AdminToken is the bearer token for /admin routes. Empty rejects all.
	AdminToken string
	Gatherer   prometheus.Gatherer
}

type Deps struct {
	Gate     *intake.Gate
	Ledger   *intake.Ledger
	Contacts *intake.ContactStore
	Audit    *intake.AuditTrail
	Queue    intake.Queue
}

type Server struct {
	cfg    ServerConfig
	deps   Deps
	router chi.Router
}

func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = "X-Webhook-Secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/webhooks/leads", s.handleInbound)
	r.Post("/webhooks/leads/{source}", s.handleInbound)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Get("/deliveries", s.handleListDeliveries)
		admin.Get("/deliveries/{id}", s.handleGetDelivery)
		admin.Post("/deliveries/{id}/replay", s.handleReplay)
		admin.Delete("/contacts/{id}", s.handleDeleteContact)
		admin.Post("/contacts/{id}/restore", s.handleRestoreContact)
		admin.Get("/contacts/{id}/audit", s.handleContactAudit)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.deps.Queue.Depth(),
	})
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(s.cfg.SecretHeader)
	// Authenticate before reading the body.
	if err := s.deps.Gate.Authenticate(secret); err != nil {
		log.Printf("inbound webhook unauthorized remote=%s", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "could not be read"
		if errors.As(err, &tooLarge) {
			msg = "may not be greater than " + strconv.FormatInt(s.cfg.MaxBodyBytes, 10) + " bytes"
		}
		writeValidation(w, map[string][]string{"body": {msg}})
		return
	}

	receipt, err := s.deps.Gate.Submit(r.Context(), chi.URLParam(r, "source"), secret, body)
	var verr *intake.ValidationError
	switch {
	case err == nil:
	case errors.Is(err, intake.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	case errors.Is(err, intake.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown source")
		return
	case errors.As(err, &verr):
		writeValidation(w, verr.Fields)
		return
	default:
		log.Printf("inbound webhook failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if receipt.Duplicate {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"message": "already accepted",
			"id":      receipt.DeliveryID,
			"status":  receipt.Status,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "accepted",
		"id":      receipt.DeliveryID,
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type deliveryView struct {
	ID             uint       `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	KeySource      string     `json:"key_source"`
	EventType      string     `json:"event_type"`
	SourceSystem   string     `json:"source_system"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	ErrorMessage   *string    `json:"error_message"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
	FailedAt       *time.Time `json:"failed_at"`
	ContactID      *uint      `json:"contact_id"`
	RawPayload     any        `json:"raw_payload,omitempty"`
}

func toDeliveryView(d intake.Delivery, withPayload bool) deliveryView {
	v := deliveryView{
		ID:             d.ID,
		IdempotencyKey: d.IdempotencyKey,
		KeySource:      d.KeySource,
		EventType:      d.EventType,
		SourceSystem:   d.SourceSystem,
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		ErrorMessage:   d.ErrorMessage,
		ReceivedAt:     d.ReceivedAt,
		ProcessedAt:    d.ProcessedAt,
		FailedAt:       d.FailedAt,
		ContactID:      d.ContactID,
	}
	if withPayload {
		v.RawPayload = d.RawPayload
	}
	return v
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := intake.DeliveryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", intake.StatusPending, intake.StatusProcessing, intake.StatusProcessed, intake.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	rows, err := s.deps.Ledger.List(r.Context(), status, limit)
	if err != nil {
		s.storageError(w, err)
		return
	}
	out := make([]deliveryView, 0, len(rows))
	for _, d := range rows {
		out = append(out, toDeliveryView(d, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.deps.Ledger.Get(r.Context(), id)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryView(*d, true))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.deps.Ledger.Replay(r.Context(), id)
	if errors.Is(err, intake.ErrNotReplayable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.storageError(w, err)
		return
	}
	if err := s.deps.Queue.Enqueue(r.Context(), d.ID); err != nil {
		log.Printf("replay enqueue failed delivery=%d err=%v (sweeper will retry)", d.ID, err)
	}
	writeJSON(w, http.StatusAccepted, toDeliveryView(*d, false))
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Contacts.Delete(r.Context(), id, actorFrom(r)); err != nil {
		s.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestoreContact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := s.deps.Contacts.Restore(r.Context(), id, actorFrom(r))
	if errors.Is(err, intake.ErrRestoreConflict) {
		writeValidation(w, map[string][]string{"email": {err.Error()}})
		return
	}
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "email": c.Email, "deleted": false})
}

func (s *Server) handleContactAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Audit.List(r.Context(), intake.SubjectContact, id)
	if err != nil {
		s.storageError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":          e.ID,
			"description": e.Description,
			"actor":       e.Actor().String(),
			"properties":  e.Properties,
			"occurred_at": e.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// actorFrom reads the optional X-Actor-Id header set by the calling CRM.
func actorFrom(r *http.Request) intake.Actor {
	raw := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	if raw == "" {
		return intake.SystemActor()
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return intake.SystemActor()
	}
	return intake.UserActor(uint(id))
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func (s *Server) storageError(w http.ResponseWriter, err error) {
	if errors.Is(err, intake.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	log.Printf("admin request failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeValidation(w http.ResponseWriter, fields map[string][]string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"message": "invalid payload",
		"errors":  fields,
	})
}
