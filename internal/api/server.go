package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"offline-sync/internal/engine"
	"offline-sync/internal/models"
	"offline-sync/internal/network"
	"offline-sync/internal/offline"
	"offline-sync/internal/ratelimit"
	"offline-sync/internal/retry"
	"offline-sync/internal/telemetry"
)

// Limiter admits or rejects one request from a device.
type Limiter interface {
	Allow(ctx context.Context, deviceID string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers over the offline facade.
type Server struct {
	facade  *offline.Facade
	monitor *network.Monitor
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. A nil limiter disables rate limiting.
func New(facade *offline.Facade, monitor *network.Monitor, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		facade:  facade,
		monitor: monitor,
		limiter: limiter,
		logger:  logger,
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

	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWS)
	r.Post("/network", s.handleNetwork)
	r.Get("/queues/{entity}", s.handleQueue)
	r.Delete("/queues/{entity}/failed", s.handlePurge)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/mutations", s.handleEnqueue)
		r.Post("/sync", s.handleSync)
		r.Post("/sync/retry", s.handleRetry)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.Status())
}

type enqueueRequest struct {
	EntityType string          `json:"entity_type"`
	Operation  string          `json:"operation"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	entity, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	op, err := models.ParseOperation(req.Operation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := models.DecodePayload(entity, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.facade.Enqueue(r.Context(), op, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	code := http.StatusAccepted
	if res.Delivery == offline.DeliveryApplied {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.SyncNow(r.Context()))
}

type retryResponse struct {
	Reset   int            `json:"reset"`
	Outcome engine.Outcome `json:"outcome"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	pred, ok := predicateFromQuery(w, r)
	if !ok {
		return
	}
	n, out := s.facade.RetryFailed(r.Context(), pred)
	writeJSON(w, http.StatusOK, retryResponse{Reset: n, Outcome: out})
}

type queueResponse struct {
	Entity  models.EntityType       `json:"entity"`
	MaxLen  int                     `json:"max_len"`
	Pending int                     `json:"pending"`
	Records []models.MutationRecord `json:"records"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entity, err := models.ParseEntityType(chi.URLParam(r, "entity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	q, err := s.facade.Queue(entity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		Entity:  entity,
		MaxLen:  q.MaxLen(),
		Pending: q.PendingCount(),
		Records: q.Records(),
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	pred, ok := predicateFromQuery(w, r)
	if !ok {
		return
	}
	n, err := s.facade.PurgeFailed(r.Context(), models.EntityType(chi.URLParam(r, "entity")), pred)
	if errors.Is(err, models.ErrUnknownEntityType) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// handleNetwork is the platform connectivity hook for hosts that push events.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var ev network.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	st := s.monitor.Handle(ev)
	writeJSON(w, http.StatusOK, map[string]network.Status{"status": st})
}

// predicateFromQuery reads ?min_retries=N. Without it every failed record matches.
func predicateFromQuery(w http.ResponseWriter, r *http.Request) (retry.Predicate, bool) {
	raw := r.URL.Query().Get("min_retries")
	if raw == "" {
		return retry.AllFailed, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "min_retries must be a non-negative integer", http.StatusBadRequest)
		return nil, false
	}
	return retry.RetriedAtLeast(n), true
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Allow(r.Context(), deviceFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", "err", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deviceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Device-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
