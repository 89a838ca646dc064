package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/gatherkit/sourcesync/internal/sourcesync"
)

type ServerConfig struct {
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store      *sourcesync.Store
	processor  *sourcesync.Processor
	reconciler *sourcesync.Reconciler
	cfg        ServerConfig

	rateLimiter   *rateLimiter
	webhookSeenMu sync.Mutex
	webhookSeen   map[string]time.Time
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

func NewServer(store *sourcesync.Store, processor *sourcesync.Processor, reconciler *sourcesync.Reconciler) *Server {
	return NewServerWithConfig(store, processor, reconciler, ServerConfig{})
}

func NewServerWithConfig(store *sourcesync.Store, processor *sourcesync.Processor, reconciler *sourcesync.Reconciler, cfg ServerConfig) *Server {
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "dev-webhook-secret"
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
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
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		processor:   processor,
		reconciler:  reconciler,
		cfg:         cfg,
		rateLimiter: limiter,
		webhookSeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhooks/source" && r.Method == http.MethodPost {
		s.handleSourceWebhook(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "reconcile" && r.Method == http.MethodPost:
		s.withAdmin(w, r, s.handleReconcile)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "overview" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleOverview)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "runs" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleRuns)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "events" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleSyncEvents)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "events" && parts[3] == "ws" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleSyncEventStream)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "collections" && r.Method == http.MethodPut:
		s.withAdmin(w, r, func(w http.ResponseWriter, r *http.Request) {
			s.handleRegisterCollection(w, r, parts[2])
		})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleSourceWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(remoteKey(r), time.Now().UTC()) {
			retryAfter := int(s.rateLimiter.window.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyWebhookSignature(
		s.cfg.WebhookSecret,
		r.Header.Get("X-Source-Timestamp"),
		r.Header.Get("X-Source-Signature"),
		body,
		now,
		s.cfg.WebhookMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markWebhookSeen(r.Header.Get("X-Source-Timestamp"), r.Header.Get("X-Source-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "webhook replay detected", correlationID)
		return
	}
	if err := validateNotificationPayload(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var n sourcesync.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if n.CorrelationID == "" {
		n.CorrelationID = correlationID
	}

	result, err := s.processor.ProcessNotification(r.Context(), n)
	if err != nil {
		switch {
		case errors.Is(err, sourcesync.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			// Non-2xx so the platform redelivers.
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	status := http.StatusOK
	if result.Outcome == sourcesync.OutcomeCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	summary, err := s.reconciler.Run(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Overview())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.store.ListRunSummaries()})
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
			return
		}
		limit = parsed
	}
	feed, err := s.store.ListSyncEvents(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleSyncEventStream(w http.ResponseWriter, r *http.Request) {
	events, cancel := s.store.SubscribeSyncEvents(64)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRegisterCollection(w http.ResponseWriter, r *http.Request, externalID string) {
	correlationID := getCorrelationID(r)
	var req struct {
		OrganizationID string `json:"organizationId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.store.RegisterCollection(externalID, req.OrganizationID); err != nil {
		if errors.Is(err, sourcesync.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"externalCollectionId": externalID,
		"organizationId":       req.OrganizationID,
	})
}

func (s *Server) withAdmin(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if authErr := authorizeAdmin(r, s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	next(w, r)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
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
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) markWebhookSeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.WebhookMaxSkew
	s.webhookSeenMu.Lock()
	defer s.webhookSeenMu.Unlock()
	for seenKey, expiresAt := range s.webhookSeen {
		if !now.Before(expiresAt) {
			delete(s.webhookSeen, seenKey)
		}
	}
	if expiresAt, exists := s.webhookSeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.webhookSeen[key] = now.Add(window)
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

func remoteKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func authorizeAdmin(r *http.Request, adminToken string) *authError {
	if adminToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	token := ""
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
		return &authError{status: http.StatusForbidden, code: "forbidden", message: "invalid token"}
	}
	return nil
}
