package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-scribe/internal/store"
)

const maxPageSize = 100

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(r.requestLogger)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.cfg.HTTP.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	router.Get("/", r.handleRoot)
	router.Get("/routes", r.handleRoutes)
	router.Get("/health", r.handleHealth)
	router.Get("/healthz", r.handleLiveness)
	router.Get("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		router.Handle("/metrics", r.metricsHandler)
	}
	router.Get("/ws/transcribe", r.handleTranscribe)

	router.Route("/sessions", func(sr chi.Router) {
		sr.Get("/", r.handleListSessions)
		sr.Get("/{sessionID}", r.handleGetSession)
		sr.Delete("/{sessionID}", r.handleDeleteSession)
	})
	return router
}

func (r *Runtime) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, req)
		r.logger.Debug("http request",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(req.Context())))
	})
}

func (r *Runtime) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origins := r.cfg.HTTP.CORSOrigins
	return slices.Contains(origins, "*") || slices.Contains(origins, origin)
}

func (r *Runtime) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Real-time transcription service",
		"version": r.version,
		"docs":    "/routes",
	})
}

type routeInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (r *Runtime) handleRoutes(w http.ResponseWriter, req *http.Request) {
	routes := []routeInfo{}
	rctx := chi.RouteContext(req.Context())
	if rctx == nil || rctx.Routes == nil {
		writeJSON(w, http.StatusOK, routes)
		return
	}
	_ = chi.Walk(rctx.Routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, routeInfo{Method: method, Path: route})
		return nil
	})
	writeJSON(w, http.StatusOK, routes)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (r *Runtime) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.store.Ping(req.Context()) == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleTranscribe(w http.ResponseWriter, req *http.Request) {
	if !r.trackSession() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.untrackSession()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	metadata := map[string]string{
		"remote_addr": req.RemoteAddr,
		"user_agent":  req.UserAgent(),
	}
	q := req.URL.Query()
	for _, key := range []string{"language", "client"} {
		if v := q.Get(key); v != "" {
			metadata[key] = v
		}
	}

	transport := newWSTransport(conn, int64(r.cfg.Session.MaxMessageBytes))
	res := r.runner.Serve(r.sessionCtx, transport, metadata)
	r.logger.Debug("stream closed",
		slog.String("session_id", res.ID),
		slog.String("reason", string(res.Reason)),
		slog.Bool("persisted", res.Persisted))
}

func (r *Runtime) handleListSessions(w http.ResponseWriter, req *http.Request) {
	skip, err := queryInt(req, "skip", 0)
	if err != nil || skip < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "skip must be a non-negative integer")
		return
	}
	limit, err := queryInt(req, "limit", maxPageSize)
	if err != nil || limit < 1 || limit > maxPageSize {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("limit must be an integer between 1 and %d", maxPageSize))
		return
	}

	records, err := r.store.List(req.Context(), store.ListOptions{Offset: skip, Limit: limit})
	if err != nil {
		r.logger.Error("list sessions failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Runtime) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	rec, err := r.store.Get(req.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, notFoundDetail(id))
	case err != nil:
		r.logger.Error("get session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to load session")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (r *Runtime) handleDeleteSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	err := r.store.Delete(req.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, notFoundDetail(id))
	case err != nil:
		r.logger.Error("delete session failed", slog.String("session_id", id), slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "failed to delete session")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"message":    "Session deleted successfully",
			"session_id": id,
		})
	}
}

func queryInt(req *http.Request, key string, def int) (int, error) {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func notFoundDetail(id string) string {
	return fmt.Sprintf("Session with id '%s' not found", id)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
