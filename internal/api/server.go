// Package api is the webhook ingestor: the HTTP boundary that verifies
// signatures, claims deliveries, persists pending state, and enqueues sync
// jobs.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"record-sync-engine/internal/config"
	"record-sync-engine/internal/models"
	"record-sync-engine/internal/telemetry"
)

// StateStore is what the ingestor needs from Postgres.
type StateStore interface {
	UpsertPending(ctx context.Context, t models.Triple, operationID string) (models.SyncState, error)
	GetState(ctx context.Context, t models.Triple) (models.SyncState, bool, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
}

// Claimer performs the atomic per-delivery idempotency claim.
type Claimer interface {
	Claim(ctx context.Context, operationID string) (bool, error)
}

// Enqueuer places sync jobs on the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.SyncJob) error
}

// BoundaryLimiter caps inbound webhook traffic, independent of the internal
// per-system API limiters.
type BoundaryLimiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires the ingestor's HTTP handlers.
type Server struct {
	cfg     config.Config
	store   StateStore
	queue   Enqueuer
	claims  Claimer
	limiter BoundaryLimiter
	log     *slog.Logger
}

// New constructs the ingestor server.
func New(cfg config.Config, st StateStore, q Enqueuer, claims Claimer, limiter BoundaryLimiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		claims:  claims,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhook/{system}", s.handleWebhook)
	r.Post("/trigger", s.handleTrigger)
	r.Get("/state/{entityID}", s.handleState)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "system")
	system, err := models.ParseSystem(tag)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown system")
		return
	}

	if s.limiter != nil {
		allowed, _, lerr := s.limiter.Allow(r.Context(), "webhook:"+tag)
		if lerr != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	// The raw body is needed verbatim for signature computation.
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		telemetry.WebhookRejects.WithLabelValues(tag).Inc()
		writeError(w, http.StatusBadRequest, "missing body")
		return
	}

	secret := s.systemConfig(system).WebhookSecret
	if !verifySignature(secret, body, r.Header.Get(signatureHeader(tag))) {
		telemetry.WebhookRejects.WithLabelValues(tag).Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		telemetry.WebhookRejects.WithLabelValues(tag).Inc()
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	entityID := extractEntityID(payload)
	if entityID == "" {
		telemetry.WebhookRejects.WithLabelValues(tag).Inc()
		writeError(w, http.StatusBadRequest, "missing entity id")
		return
	}

	operationID := r.Header.Get("X-Operation-Id")
	if operationID == "" {
		operationID = uuid.NewString()
	}

	claimed, err := s.claims.Claim(r.Context(), operationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "idempotency claim failed")
		return
	}
	if !claimed {
		telemetry.SkippedCounter.Inc()
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}

	job := models.SyncJob{
		OperationID:    operationID,
		EntityID:       entityID,
		SourceSystem:   system,
		TargetSystem:   system.Other(),
		SourceRecordID: entityID,
		UpdatedAt:      extractUpdatedAt(payload),
		Fields:         payload,
	}

	state, err := s.store.UpsertPending(r.Context(), job.Triple(), operationID)
	if err != nil {
		s.log.Error("upsert pending", "operation_id", operationID, "err", err)
		writeError(w, http.StatusInternalServerError, "persist state failed")
		return
	}
	if state.TargetRecordID != nil {
		job.TargetRecordID = *state.TargetRecordID
	}

	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.log.Error("enqueue", "operation_id", operationID, "err", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	telemetry.WebhooksReceived.WithLabelValues(tag).Inc()
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "result": state})
}

type triggerRequest struct {
	Direction      string `json:"direction"`
	EntityID       string `json:"entityId"`
	SourceRecordID string `json:"sourceRecordId"`
	TargetRecordID string `json:"targetRecordId"`
}

// handleTrigger is the manual/ops-initiated sync path. It bypasses signature
// verification; only trusted internal callers reach it.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	direction, err := models.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "direction must be a-to-b or b-to-a")
		return
	}
	if req.EntityID == "" || req.SourceRecordID == "" {
		writeError(w, http.StatusBadRequest, "entityId and sourceRecordId are required")
		return
	}

	operationID := r.Header.Get("X-Operation-Id")
	if operationID == "" {
		operationID = uuid.NewString()
	}
	claimed, err := s.claims.Claim(r.Context(), operationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "idempotency claim failed")
		return
	}
	if !claimed {
		telemetry.SkippedCounter.Inc()
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}

	job := models.SyncJob{
		OperationID:    operationID,
		EntityID:       req.EntityID,
		SourceSystem:   direction.Source(),
		TargetSystem:   direction.Target(),
		SourceRecordID: req.SourceRecordID,
		TargetRecordID: req.TargetRecordID,
	}

	state, err := s.store.UpsertPending(r.Context(), job.Triple(), operationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist state failed")
		return
	}
	if job.TargetRecordID == "" && state.TargetRecordID != nil {
		job.TargetRecordID = *state.TargetRecordID
	}

	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "result": state})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	source, err := models.ParseSystem(defaultString(r.URL.Query().Get("source"), "a"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad source system")
		return
	}
	target, err := models.ParseSystem(defaultString(r.URL.Query().Get("target"), string(source.Other())))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad target system")
		return
	}

	state, found, err := s.store.GetState(r.Context(), models.Triple{EntityID: entityID, Source: source, Target: target})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "state lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no sync state for triple")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleDLQ returns recent dead-letter rows for operator inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListDeadLetters(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) systemConfig(sys models.System) config.SystemConfig {
	if sys == models.SystemB {
		return s.cfg.SystemB
	}
	return s.cfg.SystemA
}

// extractEntityID pulls a canonical record id from the known webhook payload
// shapes: a top-level id or one nested under page/issue/record/data.
func extractEntityID(payload map[string]any) string {
	if id, ok := payload["id"].(string); ok && id != "" {
		return id
	}
	for _, key := range []string{"page", "issue", "record", "data"} {
		if nested, ok := payload[key].(map[string]any); ok {
			if id, ok := nested["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

func extractUpdatedAt(payload map[string]any) *time.Time {
	for _, key := range []string{"last_edited_time", "updatedAt", "updated_at"} {
		if v, ok := payload[key].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return &ts
			}
		}
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
