package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caseflow/evidencegate/internal/engine"
	"github.com/caseflow/evidencegate/internal/ingest"
)

type ServerConfig struct {
	JWTSecret         string
	IngressHMACSecret string
	IngressMaxSkew    time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	FeedPollInterval  time.Duration
}

// Server is the HTTP surface of the ingest engine. Notification deliveries
// from the trigger service are authenticated with a shared-secret HMAC;
// operator and reader endpoints use short-lived bearer tokens.
type Server struct {
	pipeline  *engine.Pipeline
	manager   *engine.ConsistencyManager
	store     engine.MetadataStore
	validator *ingest.NotificationValidator
	cfg       ServerConfig

	rateLimiter       *rateLimiter
	ingressReplayMu   sync.Mutex
	ingressReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(pipeline *engine.Pipeline, manager *engine.ConsistencyManager, store engine.MetadataStore) (*Server, error) {
	return NewServerWithConfig(pipeline, manager, store, ServerConfig{})
}

func NewServerWithConfig(pipeline *engine.Pipeline, manager *engine.ConsistencyManager, store engine.MetadataStore, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.IngressHMACSecret == "" {
		cfg.IngressHMACSecret = "dev-ingress-secret"
	}
	if cfg.IngressMaxSkew == 0 {
		cfg.IngressMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.FeedPollInterval <= 0 {
		cfg.FeedPollInterval = time.Second
	}
	validator, err := ingest.NewNotificationValidator()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		pipeline:          pipeline,
		manager:           manager,
		store:             store,
		validator:         validator,
		cfg:               cfg,
		rateLimiter:       limiter,
		ingressReplaySeen: map[string]time.Time{},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"stats":  s.pipeline.Stats(),
		})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/notifications" && r.Method == http.MethodPost {
		s.handleNotification(w, r)
		return
	}
	if r.URL.Path == "/v1/transactions" && r.Method == http.MethodGet {
		s.handleTransactions(w, r)
		return
	}
	if r.URL.Path == "/v1/transactions/feed" && r.Method == http.MethodGet {
		s.handleTransactionFeed(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	correlationID := getCorrelationID(r)
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "evidence" && r.Method == http.MethodGet:
		s.handleGetEvidence(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "evidence" && r.Method == http.MethodPatch:
		s.handleUpdateEvidence(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "evidence" && r.Method == http.MethodDelete:
		s.handleDeleteEvidence(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "cases" && parts[3] == "evidence" && r.Method == http.MethodGet:
		s.handleListCaseEvidence(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "cases" && r.Method == http.MethodDelete:
		s.handleClearCase(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow("notifications", time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many notification deliveries", correlationID)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now()
	timestamp := r.Header.Get("X-Ingress-Timestamp")
	signature := r.Header.Get("X-Ingress-Signature")
	if authErr := verifyIngressHMAC(s.cfg.IngressHMACSecret, timestamp, signature, body, now, s.cfg.IngressMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markIngressReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "ingress request replayed", correlationID)
		return
	}

	notification, err := s.validator.DecodeNotification(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_notification", err.Error(), correlationID)
		return
	}
	if notification.CorrelationID == "" {
		notification.CorrelationID = correlationID
	}

	result, err := s.pipeline.Process(r.Context(), notification)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_notification", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "processing_failed", err.Error(), correlationID)
		return
	}
	status := http.StatusAccepted
	if result.Status != engine.ResultProcessed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "txn:read", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": s.manager.RecentTransactions(limit),
	})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request, evidenceID, correlationID string) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "evidence:read", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	record, err := s.store.Get(r.Context(), evidenceID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "evidence not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListCaseEvidence(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "evidence:read", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	records, err := s.store.ListByCase(r.Context(), caseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"caseId":   caseID,
		"evidence": records,
	})
}

func (s *Server) handleUpdateEvidence(w http.ResponseWriter, r *http.Request, evidenceID, correlationID string) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "evidence:write", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var payload struct {
		CaseID string         `json:"caseId"`
		Fields map[string]any `json:"fields"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	if payload.CaseID == "" || len(payload.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "caseId and fields are required", correlationID)
		return
	}
	record, err := s.manager.UpdateMetadata(r.Context(), evidenceID, payload.CaseID, payload.Fields)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) || strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, "not_found", "evidence not found", correlationID)
			return
		}
		if errors.Is(err, engine.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteEvidence(w http.ResponseWriter, r *http.Request, evidenceID, correlationID string) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "evidence:admin", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	caseID := strings.TrimSpace(r.URL.Query().Get("caseId"))
	if err := s.manager.DeleteWithIndex(r.Context(), caseID, evidenceID); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "evidence not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"evidenceId": evidenceID, "status": "deleted"})
}

func (s *Server) handleClearCase(w http.ResponseWriter, r *http.Request, caseID, correlationID string) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "evidence:admin", time.Now()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	deleteVectorCollection := parseBool(r.URL.Query().Get("vectorCollection"), false)
	result, err := s.manager.ClearCaseData(r.Context(), caseID, deleteVectorCollection)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error(), correlationID)
		return false
	}
	return true
}

func (s *Server) markIngressReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.IngressMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.ingressReplayMu.Lock()
	defer s.ingressReplayMu.Unlock()
	for replayKey, expiresAt := range s.ingressReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.ingressReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.ingressReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.ingressReplaySeen[key] = now.Add(window)
	return true
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
