// Package httpapi exposes the identity store, the switcher and the delivery
// queue over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/delivery"
	"github.com/agentworkforce/relaypost/internal/events"
	"github.com/agentworkforce/relaypost/internal/identity"
)

const (
	ScopeIdentitiesRead  = "identities:read"
	ScopeIdentitiesWrite = "identities:write"
	ScopeJobsRead        = "jobs:read"
	ScopeJobsWrite       = "jobs:write"
	ScopeEventsRead      = "events:read"
)

type IdentityStore interface {
	Load(ctx context.Context) (identity.State, error)
	Snapshot(ctx context.Context, id string) (identity.Snapshot, error)
	Save(ctx context.Context, snapshot identity.Snapshot) error
	Delete(ctx context.Context, id string) error
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, blob []byte) error
}

type Switcher interface {
	Activate(ctx context.Context, id string) error
	BeginResync(ctx context.Context, id string) error
	BeginIdentityCreation(ctx context.Context) (identity.Snapshot, error)
	CompleteLogin(ctx context.Context) (identity.Snapshot, error)
	CaptureCurrentAsSnapshot(ctx context.Context) (identity.Snapshot, error)
	ClearLiveState(ctx context.Context) []identity.ItemResult
}

type JobQueue interface {
	Enqueue(ctx context.Context, identityID, threadTarget, bodyHTML string) (string, error)
	List(ctx context.Context) ([]delivery.Job, error)
	Remove(ctx context.Context, id string) error
	SweepCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}

type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

type ServerConfig struct {
	// JWTSecret verifies bearer tokens. Every token is refused while it is empty.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// SweepAge is used by POST /v1/jobs/sweep when the request names none.
	SweepAge time.Duration
	// OriginPatterns are accepted on the websocket feed besides same-origin.
	OriginPatterns []string
	Logger         *zap.Logger
}

type Server struct {
	identities  IdentityStore
	switcher    Switcher
	jobs        JobQueue
	events      EventSource
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	router      chi.Router
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

type claimsKey struct{}

func NewServer(identities IdentityStore, switcher Switcher, jobs JobQueue, feed EventSource, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = 7 * 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		identities:  identities,
		switcher:    switcher,
		jobs:        jobs,
		events:      feed,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.Named("httpapi"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(echoCorrelationID)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.With(s.require(ScopeIdentitiesRead)).Get("/identities", s.handleListIdentities)
		r.With(s.require(ScopeIdentitiesRead)).Get("/identities/export", s.handleExport)
		r.With(s.require(ScopeIdentitiesWrite)).Post("/identities/import", s.handleImport)
		r.With(s.require(ScopeIdentitiesWrite)).Post("/identities/pending", s.handleBeginIdentityCreation)
		r.With(s.require(ScopeIdentitiesWrite)).Post("/identities/complete", s.handleCompleteLogin)
		r.With(s.require(ScopeIdentitiesWrite)).Put("/identities/{id}", s.handlePutIdentity)
		r.With(s.require(ScopeIdentitiesWrite)).Delete("/identities/{id}", s.handleDeleteIdentity)
		r.With(s.require(ScopeIdentitiesWrite)).Post("/identities/{id}/resync", s.handleResync)
		r.With(s.require(ScopeIdentitiesWrite)).Post("/identities/{id}/activate", s.handleActivate)

		r.With(s.require(ScopeIdentitiesRead)).Get("/live/snapshot", s.handleLiveSnapshot)
		r.With(s.require(ScopeIdentitiesWrite)).Post("/live/clear", s.handleLiveClear)

		r.With(s.require(ScopeJobsWrite)).Post("/jobs", s.handleEnqueue)
		r.With(s.require(ScopeJobsRead)).Get("/jobs", s.handleListJobs)
		r.With(s.require(ScopeJobsWrite)).Post("/jobs/sweep", s.handleSweep)
		r.With(s.require(ScopeJobsWrite)).Delete("/jobs/{id}", s.handleRemoveJob)

		r.With(s.require(ScopeEventsRead)).Get("/events", s.handleEvents)
	})
	return r
}

// require authenticates the bearer token, checks scope and applies the rate
// limit keyed by agent.
func (s *Server) require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// echoCorrelationID assigns a correlation id when the caller sent none and
// echoes it on the response.
func echoCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			correlationID = "rp_" + ksuid.New().String()
			r.Header.Set("X-Correlation-Id", correlationID)
		}
		w.Header().Set("X-Correlation-Id", correlationID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	state, err := s.identities.Load(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePutIdentity(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id := chi.URLParam(r, "id")
	var snapshot identity.Snapshot
	if !s.decodeJSONBody(w, r, correlationID, &snapshot) {
		return
	}
	if snapshot.ID == "" {
		snapshot.ID = id
	}
	if snapshot.ID != id {
		writeError(w, http.StatusBadRequest, "bad_request", "snapshot id does not match path", correlationID)
		return
	}
	if err := s.identities.Save(r.Context(), snapshot); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	stored, err := s.identities.Snapshot(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.identities.Delete(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.switcher.BeginResync(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "resyncing"})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.switcher.Activate(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activeAccountId": id})
}

func (s *Server) handleBeginIdentityCreation(w http.ResponseWriter, r *http.Request) {
	placeholder, err := s.switcher.BeginIdentityCreation(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, placeholder)
}

func (s *Server) handleCompleteLogin(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.switcher.CompleteLogin(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleLiveSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.switcher.CaptureCurrentAsSnapshot(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type itemResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleLiveClear(w http.ResponseWriter, r *http.Request) {
	results := s.switcher.ClearLiveState(r.Context())
	items := make([]itemResult, 0, len(results))
	failed := 0
	for _, result := range results {
		item := itemResult{Name: result.Name}
		if result.Err != nil {
			item.Error = result.Err.Error()
			failed++
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "failed": failed})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	blob, err := s.identities.Export(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="account-states.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r, getCorrelationID(r))
	if !ok {
		return
	}
	if err := s.identities.Import(r.Context(), body); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

type enqueueRequest struct {
	IdentityID   string `json:"identityId"`
	ThreadTarget string `json:"threadTarget"`
	BodyHTML     string `json:"bodyHtml"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decodeJSONBody(w, r, getCorrelationID(r), &req) {
		return
	}
	id, err := s.jobs.Enqueue(r.Context(), req.IdentityID, req.ThreadTarget, req.BodyHTML)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if string(job.State) == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Remove(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	olderThan := s.cfg.SweepAge
	if raw := strings.TrimSpace(r.URL.Query().Get("olderThan")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid olderThan duration", correlationID)
			return
		}
		olderThan = parsed
	}
	removed, err := s.jobs.SweepCompleted(r.Context(), olderThan)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "olderThan": olderThan.String()})
}

// writeDomainError maps store, switcher and queue errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, identity.ErrIdentityNotFound), errors.Is(err, delivery.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, delivery.ErrJobInFlight), errors.Is(err, identity.ErrActivationInProgress):
		return http.StatusConflict, "conflict"
	case errors.Is(err, identity.ErrIdentityMismatch):
		return http.StatusUnprocessableEntity, "identity_mismatch"
	case errors.Is(err, identity.ErrAuthWriteFailed):
		return http.StatusUnprocessableEntity, "auth_write_failed"
	case errors.Is(err, identity.ErrProfileUnavailable):
		return http.StatusUnprocessableEntity, "profile_unavailable"
	case errors.Is(err, identity.ErrInvalidInput), errors.Is(err, identity.ErrInvalidState), errors.Is(err, delivery.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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
