package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/cryptodevhq/syncengine/internal/syncengine"
)

type ServerConfig struct {
	// AuthToken protects the /v1 surface. Empty disables auth.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *logrus.Logger
}

// Server is the admin and inspection surface over one engine: sync status,
// queue inspection, tier management, and the per-document save-status feed.
type Server struct {
	engine      *syncengine.Engine
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *logrus.Logger
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

func NewServer(engine *syncengine.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *syncengine.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
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
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := getCorrelationID(r)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", correlationID)
		return
	}
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AuthToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case matchRoute(parts, "v1", "sync", "status") && r.Method == http.MethodGet:
		s.handleSyncStatus(w, r)
	case matchRoute(parts, "v1", "sync", "reconcile") && r.Method == http.MethodPost:
		s.handleReconcile(w, r)
	case matchRoute(parts, "v1", "sync", "connectivity") && r.Method == http.MethodPost:
		s.handleConnectivity(w, r, correlationID)
	case matchRoute(parts, "v1", "queue", "pending") && r.Method == http.MethodGet:
		s.handleQueueListing(w, r, s.engine.PendingOperations)
	case matchRoute(parts, "v1", "queue", "flagged") && r.Method == http.MethodGet:
		s.handleQueueListing(w, r, s.engine.FlaggedOperations)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "queue" && parts[2] == "operations" && r.Method == http.MethodDelete:
		s.handleAbandon(w, r, parts[3], correlationID)
	case matchRoute(parts, "v1", "cache", "lessons", "warm") && r.Method == http.MethodPost:
		s.handleWarmLessons(w, r, correlationID)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "cache" && parts[3] == "bump" && r.Method == http.MethodPost:
		s.handleBumpTier(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "cache" && r.Method == http.MethodGet:
		s.handleTierInfo(w, r, parts[2], correlationID)
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "documents":
		s.handleDocument(w, r, parts[2], parts[3], parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}

	s.logger.WithFields(logrus.Fields{
		"method":         r.Method,
		"path":           r.URL.Path,
		"duration_ms":    time.Since(start).Milliseconds(),
		"correlation_id": correlationID,
	}).Debug("request handled")
}

type tierStatus struct {
	Version    int   `json:"version"`
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"totalBytes"`
}

type syncStatusResponse struct {
	Online  bool                  `json:"online"`
	Pending int                   `json:"pending"`
	Flagged int                   `json:"flagged"`
	Tiers   map[string]tierStatus `json:"tiers"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	pending, err := s.engine.PendingOperations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	flagged, err := s.engine.FlaggedOperations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	tiers := map[string]tierStatus{}
	for _, tier := range []syncengine.TierID{syncengine.TierStatic, syncengine.TierDynamic, syncengine.TierAPI, syncengine.TierLesson, syncengine.TierImage} {
		info, err := s.engine.TierInfo(tier)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		tiers[string(tier)] = tierStatus{Version: info.Version, Entries: info.Entries, TotalBytes: info.TotalBytes}
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Online:  s.engine.Online(),
		Pending: len(pending),
		Flagged: len(flagged),
		Tiers:   tiers,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online is required", correlationID)
		return
	}
	s.engine.SetOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.engine.Online()})
}

func (s *Server) handleQueueListing(w http.ResponseWriter, r *http.Request, list func() ([]syncengine.QueuedOperation, error)) {
	ops, err := list()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.engine.AbandonOperation(id); err != nil {
		if errors.Is(err, syncengine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "operation not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

func (s *Server) handleWarmLessons(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Lessons map[string]string `json:"lessons"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	lessons := make(map[string][]byte, len(body.Lessons))
	for id, content := range body.Lessons {
		lessons[id] = []byte(content)
	}
	warmed, err := s.engine.WarmLessons(lessons)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"warmed": warmed})
}

func (s *Server) handleBumpTier(w http.ResponseWriter, r *http.Request, tier, correlationID string) {
	version, err := s.engine.BumpTier(syncengine.TierID(tier))
	if err != nil {
		if errors.Is(err, syncengine.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown cache tier", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "version": version})
}

func (s *Server) handleTierInfo(w http.ResponseWriter, r *http.Request, tier, correlationID string) {
	info, err := s.engine.TierInfo(syncengine.TierID(tier))
	if err != nil {
		if errors.Is(err, syncengine.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown cache tier", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, kind, key, action, correlationID string) {
	session, err := s.engine.OpenDocument(kind, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	switch {
	case action == "status" && r.Method == http.MethodGet:
		recovered, hasRecovery, err := session.RecoveredContent()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		resp := map[string]any{
			"resourceKey": session.ResourceKey(),
			"status":      session.Status(),
			"hasRecovery": hasRecovery,
		}
		if hasRecovery {
			resp["recoveredContent"] = string(recovered)
		}
		writeJSON(w, http.StatusOK, resp)
	case action == "content" && r.Method == http.MethodPost:
		body, ok := s.readRequestBody(w, r, correlationID)
		if !ok {
			return
		}
		session.SetContent(body)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": session.Status()})
	case action == "flush" && r.Method == http.MethodPost:
		session.Flush()
		writeJSON(w, http.StatusOK, map[string]any{"status": session.Status()})
	case action == "recovery" && r.Method == http.MethodDelete:
		if err := session.ClearRecovery(); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	case action == "watch" && r.Method == http.MethodGet:
		s.streamStatus(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type statusEvent struct {
	ResourceKey string `json:"resourceKey"`
	Status      string `json:"status"`
	At          string `json:"at"`
}

// streamStatus pushes save-status transitions over a websocket until the
// client disconnects. The current status is sent first so a late subscriber
// starts from a known state.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request, session *syncengine.DocumentSession) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := r.Context()
	events := make(chan syncengine.SaveStatus, 16)
	unsubscribe := session.OnStatusChange(func(status syncengine.SaveStatus) {
		select {
		case events <- status:
		default:
		}
	})
	defer unsubscribe()

	send := func(status syncengine.SaveStatus) error {
		return wsjson.Write(ctx, conn, statusEvent{
			ResourceKey: session.ResourceKey(),
			Status:      string(status),
			At:          time.Now().UTC().Format(time.RFC3339),
		})
	}
	if err := send(session.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case status := <-events:
			if err := send(status); err != nil {
				return
			}
		}
	}
}

func matchRoute(parts []string, want ...string) bool {
	if len(parts) != len(want) {
		return false
	}
	for i := range want {
		if parts[i] != want[i] {
			return false
		}
	}
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
