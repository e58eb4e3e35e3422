// Package httpapi exposes the remote side of the sync engine: the pull
// and apply endpoints, behind bearer-token tenant auth, with health and
// metrics alongside.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/metrics"
	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/remotestore"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Registry        *prometheus.Registry
}

type Server struct {
	store       remotestore.Store
	cfg         ServerConfig
	logger      *zap.Logger
	metrics     *metrics.APIMetrics
	registry    *prometheus.Registry
	schemas     *requestSchemas
	rateLimiter *rateLimiter
}

func NewServer(store remotestore.Store, cfg ServerConfig, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", erpsync.ErrInvalidInput)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile request schemas: %w", err)
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
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics.NewAPIMetrics(cfg.Registry),
		registry:    cfg.Registry,
		schemas:     schemas,
		rateLimiter: limiter,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	case r.URL.Path == "/v1/sync/pull" && r.Method == http.MethodPost:
		s.instrumented("pull", s.handlePull)(w, r)
	case r.URL.Path == "/v1/sync/apply" && r.Method == http.MethodPost:
		s.instrumented("apply", s.handleApply)(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrumented(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type pullRequest struct {
	Table      string `json:"table"`
	CompanyID  string `json:"company_id"`
	LocationID string `json:"location_id,omitempty"`
	Since      string `json:"since"`
	UseGT      bool   `json:"use_gt,omitempty"`
	From       int    `json:"from,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Days       int    `json:"days,omitempty"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readAndValidate(w, r, s.schemas.pull, correlationID)
	if !ok {
		return
	}
	var req pullRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed pull request", correlationID)
		return
	}
	table, err := erpsync.ValidateTable(req.Table)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		return
	}
	since, err := time.Parse(time.RFC3339, req.Since)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "since must be an RFC3339 timestamp", correlationID)
		return
	}
	scope := erpsync.Scope{CompanyID: req.CompanyID, LocationID: req.LocationID}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, "sync:pull", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allowRate(w, scope, claims, correlationID) {
		return
	}

	rows, err := s.store.Pull(r.Context(), remotestore.PullQuery{
		Table:       table,
		Scope:       scope,
		Since:       since,
		StrictAfter: req.UseGT,
		Offset:      req.From,
		Limit:       req.Limit,
		WindowDays:  req.Days,
	})
	if err != nil {
		s.writeStoreError(w, "pull", err, correlationID)
		return
	}
	s.metrics.RowsServed.WithLabelValues(table.Name).Add(float64(len(rows)))
	s.logger.Info("pull served",
		zap.String("table", table.Name),
		zap.String("scope", scope.String()),
		zap.Int("rows", len(rows)),
		zap.Int("from", req.From),
		zap.String("correlation_id", correlationID))
	writeJSON(w, http.StatusOK, rows)
}

type applyRequest struct {
	CompanyID  string               `json:"company_id"`
	LocationID string               `json:"location_id,omitempty"`
	Items      []erpsync.ChangeItem `json:"items"`
}

type applyResponse struct {
	OK      bool                     `json:"ok"`
	Results []remotestore.ItemResult `json:"results"`
	Error   string                   `json:"error,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readAndValidate(w, r, s.schemas.apply, correlationID)
	if !ok {
		return
	}
	var req applyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed apply request", correlationID)
		return
	}
	scope := erpsync.Scope{CompanyID: req.CompanyID, LocationID: req.LocationID}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, "sync:apply", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allowRate(w, scope, claims, correlationID) {
		return
	}

	results, err := s.store.Apply(r.Context(), scope, req.Items)
	if err != nil {
		s.writeStoreError(w, "apply", err, correlationID)
		return
	}
	rejected := 0
	for i, result := range results {
		op := string(req.Items[i].Op)
		s.metrics.ItemsApplied.WithLabelValues(op, string(result.Status)).Inc()
		if result.Status == remotestore.ItemRejected {
			rejected++
			s.metrics.ScopeRejections.Inc()
			s.logger.Warn("apply item rejected",
				zap.String("item_id", result.ItemID),
				zap.String("scope", scope.String()),
				zap.String("reason", result.Reason),
				zap.String("correlation_id", correlationID))
		}
	}
	s.logger.Info("apply batch processed",
		zap.String("scope", scope.String()),
		zap.Int("items", len(req.Items)),
		zap.Int("rejected", rejected),
		zap.String("correlation_id", correlationID))
	writeJSON(w, http.StatusOK, applyResponse{OK: true, Results: results})
}

func (s *Server) readAndValidate(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, correlationID string) ([]byte, bool) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", correlationID)
		return nil, false
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "request body is not valid JSON", correlationID)
		return nil, false
	}
	if err := schema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) allowRate(w http.ResponseWriter, scope erpsync.Scope, claims tokenClaims, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	key := scope.String() + "|" + claims.Device
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) writeStoreError(w http.ResponseWriter, route string, err error, correlationID string) {
	switch {
	case errors.Is(err, erpsync.ErrInvalidInput),
		errors.Is(err, erpsync.ErrInvalidTable),
		errors.Is(err, erpsync.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), correlationID)
	case errors.Is(err, erpsync.ErrStorage):
		s.logger.Error("store failure", zap.String("route", route), zap.Error(err),
			zap.String("correlation_id", correlationID))
		writeError(w, http.StatusServiceUnavailable, "storage_error", "remote store unavailable", correlationID)
	default:
		s.logger.Error("request failed", zap.String("route", route), zap.Error(err),
			zap.String("correlation_id", correlationID))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
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

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return "srv_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":             false,
		"code":           code,
		"error":          message,
		"correlation_id": correlationID,
	})
}
