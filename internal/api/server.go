package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/config"
	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metrics"
	"github.com/JakeFAU/clipvault/internal/store"
)

// Catalog is the read and operator surface the handlers call.
type Catalog interface {
	Get(ctx context.Context, ownerID, itemID string) (media.Record, error)
	ByDate(ctx context.Context, from, to, offset, limit int64) ([]media.Record, error)
	ByTag(ctx context.Context, tag string) ([]media.Record, error)
	ByOwner(ctx context.Context, ownerID string) ([]media.Record, error)
	Tags(ctx context.Context) ([]string, error)
	Owners(ctx context.Context) ([]string, error)
	TrackedOwners(ctx context.Context) ([]string, error)
	TrackOwner(ctx context.Context, ownerID string) error
	UntrackOwner(ctx context.Context, ownerID string) error
	Delete(ctx context.Context, ownerID, itemID string) error
	AddTag(ctx context.Context, ids []string, tag string) ([]string, error)
	Requeue(ctx context.Context, stage media.Stage, ids []string) (catalog.RequeueResult, error)
	RequeueDeadLetters(ctx context.Context, stage media.Stage) (catalog.RequeueResult, error)
	QueueStats(ctx context.Context) ([]catalog.QueueStat, error)
}

// Pinger reports whether the coordination store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the catalog.
type Server struct {
	router  chi.Router
	catalog Catalog
	pinger  Pinger
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cat Catalog, pinger Pinger, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		catalog: cat,
		pinger:  pinger,
		cfg:     cfg,
		logger:  logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Instrument)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.listByDate)
			r.Post("/tags", s.addTag)
			r.Route("/{owner_id}/{item_id}", func(r chi.Router) {
				r.Get("/", s.getItem)
				r.Post("/delete", s.deleteItem)
			})
		})
		r.Get("/tags", s.listTags)
		r.Get("/tags/{tag}", s.listByTag)
		r.Get("/owners", s.listOwners)
		r.Get("/owners/{owner_id}", s.listByOwner)
		r.Route("/tracked", func(r chi.Router) {
			r.Get("/", s.listTracked)
			r.Post("/{owner_id}", s.trackOwner)
			r.Delete("/{owner_id}", s.untrackOwner)
		})
		r.Post("/requeue", s.requeue)
		r.Post("/requeue/{stage}/dead", s.requeueDead)
		r.Get("/queues", s.queueStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listByDate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bounds [4]int64
	for i, name := range []string{"from", "to", "offset", "limit"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
			return
		}
		bounds[i] = v
	}
	if bounds[3] == 0 {
		bounds[3] = s.cfg.Server.DefaultPageSize
	}
	recs, err := s.catalog.ByDate(r.Context(), bounds[0], bounds[1], bounds[2], bounds[3])
	if err != nil {
		s.internalError(w, "list by date", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toViews(recs)})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	rec, err := s.catalog.Get(r.Context(), chi.URLParam(r, "owner_id"), chi.URLParam(r, "item_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.internalError(w, "get item", err)
		return
	}
	writeJSON(w, http.StatusOK, toView(rec))
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	ownerID, itemID := chi.URLParam(r, "owner_id"), chi.URLParam(r, "item_id")
	err := s.catalog.Delete(r.Context(), ownerID, itemID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete item", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "item_id": itemID, "deleted": true})
}

type addTagRequest struct {
	IDs []string `json:"ids"`
	Tag string   `json:"tag"`
}

func (s *Server) addTag(w http.ResponseWriter, r *http.Request) {
	var req addTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	changed, err := s.catalog.AddTag(r.Context(), req.IDs, req.Tag)
	if errors.Is(err, catalog.ErrInvalidTag) {
		writeError(w, http.StatusBadRequest, "invalid tag")
		return
	}
	if err != nil {
		s.internalError(w, "add tag", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": nonNil(changed)})
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.catalog.Tags(r.Context())
	if err != nil {
		s.internalError(w, "list tags", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": nonNil(tags)})
}

func (s *Server) listByTag(w http.ResponseWriter, r *http.Request) {
	recs, err := s.catalog.ByTag(r.Context(), chi.URLParam(r, "tag"))
	if errors.Is(err, catalog.ErrInvalidTag) {
		writeError(w, http.StatusBadRequest, "invalid tag")
		return
	}
	if err != nil {
		s.internalError(w, "list by tag", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toViews(recs)})
}

func (s *Server) listOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := s.catalog.Owners(r.Context())
	if err != nil {
		s.internalError(w, "list owners", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": nonNil(owners)})
}

func (s *Server) listByOwner(w http.ResponseWriter, r *http.Request) {
	recs, err := s.catalog.ByOwner(r.Context(), chi.URLParam(r, "owner_id"))
	if err != nil {
		s.internalError(w, "list by owner", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toViews(recs)})
}

func (s *Server) listTracked(w http.ResponseWriter, r *http.Request) {
	owners, err := s.catalog.TrackedOwners(r.Context())
	if err != nil {
		s.internalError(w, "list tracked owners", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owners": nonNil(owners)})
}

func (s *Server) trackOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if err := s.catalog.TrackOwner(r.Context(), ownerID); err != nil {
		s.internalError(w, "track owner", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "tracked": true})
}

func (s *Server) untrackOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if err := s.catalog.UntrackOwner(r.Context(), ownerID); err != nil {
		s.internalError(w, "untrack owner", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "tracked": false})
}

type requeueRequest struct {
	Stage string   `json:"stage"`
	IDs   []string `json:"ids"`
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	res, err := s.catalog.Requeue(r.Context(), media.Stage(req.Stage), req.IDs)
	s.writeRequeue(w, res, err)
}

func (s *Server) requeueDead(w http.ResponseWriter, r *http.Request) {
	res, err := s.catalog.RequeueDeadLetters(r.Context(), media.Stage(chi.URLParam(r, "stage")))
	s.writeRequeue(w, res, err)
}

func (s *Server) writeRequeue(w http.ResponseWriter, res catalog.RequeueResult, err error) {
	if errors.Is(err, catalog.ErrInvalidStage) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "requeue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requeued": nonNil(res.Requeued),
		"skipped":  nonNil(res.Skipped),
		"unknown":  nonNil(res.Unknown),
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.QueueStats(r.Context())
	if err != nil {
		s.internalError(w, "queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
