// Package admin exposes the operational HTTP surface shared by the engine and the worker.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signals-backend/internal/storage"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type IncidentService interface {
	Get(ctx context.Context, id string) (storage.Incident, error)
	Resolve(ctx context.Context, id string) error
	MarkInvestigating(ctx context.Context, id string) error
}

type OutputReader interface {
	LatestOutput(ctx context.Context, incidentID string) (storage.Output, error)
}

type JobStatter interface {
	Stats(ctx context.Context) (map[string]int, error)
}

type Waker interface {
	Wake()
}

// Handler serves the admin routes. Nil dependencies leave their routes unregistered.
type Handler struct {
	Health    []Pinger
	Gatherer  prometheus.Gatherer
	Incidents IncidentService
	Outputs   OutputReader
	Jobs      JobStatter
	Drainer   Waker
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	if h.Incidents != nil {
		r.Route("/incidents/{id}", func(r chi.Router) {
			r.Get("/", h.handleIncidentGet)
			r.Post("/resolve", h.handleIncidentResolve)
			r.Post("/investigate", h.handleIncidentInvestigate)
		})
	}
	if h.Jobs != nil {
		r.Get("/jobs/stats", h.handleJobStats)
	}
	if h.Drainer != nil {
		r.Post("/jobs/drain", h.handleJobsDrain)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	for _, p := range h.Health {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "message": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type incidentResponse struct {
	Incident storage.Incident `json:"incident"`
	Summary  json.RawMessage  `json:"summary,omitempty"`
}

func (h *Handler) handleIncidentGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.context(r)
	defer cancel()
	inc, err := h.Incidents.Get(ctx, id)
	if err != nil {
		h.writeStoreError(w, err, "incident not found")
		return
	}
	resp := incidentResponse{Incident: inc}
	if h.Outputs != nil {
		out, err := h.Outputs.LatestOutput(ctx, id)
		switch {
		case err == nil:
			resp.Summary = out.Content
		case !errors.Is(err, storage.ErrNotFound):
			h.logger().Warn("summary lookup failed", slog.String("incident_id", id), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIncidentResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.Incidents.Resolve(ctx, id); err != nil {
		h.writeStoreError(w, err, "incident not found")
		return
	}
	h.logger().Info("incident resolved manually", slog.String("incident_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": storage.IncidentResolved})
}

func (h *Handler) handleIncidentInvestigate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.context(r)
	defer cancel()
	if err := h.Incidents.MarkInvestigating(ctx, id); err != nil {
		h.writeStoreError(w, err, "no open incident with that id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": storage.IncidentInvestigating})
}

func (h *Handler) handleJobStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.context(r)
	defer cancel()
	stats, err := h.Jobs.Stats(ctx)
	if err != nil {
		h.logger().Error("job stats failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "failed to load job stats"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleJobsDrain(w http.ResponseWriter, r *http.Request) {
	h.Drainer.Wake()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "message": notFound})
		return
	}
	h.logger().Error("admin request failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "message": "internal error"})
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func NewServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
