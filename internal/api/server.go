// Package api serves the operator REST API: run inspection and
// cancellation, flow definition, event intake and a live SSE stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/rendis/flowengine/internal/dispatcher"
	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/flows"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

// Runs is the engine surface the API reads and cancels through.
type Runs interface {
	GetRun(ctx context.Context, runID string) (*engine.RunSnapshot, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.FlowRun, error)
	RunHistory(ctx context.Context, runID string, since int64) ([]*store.RunEvent, error)
	Visits(ctx context.Context, runID string) ([]*store.NodeVisit, error)
	Cancel(ctx context.Context, runID, reason string) error
	CancelByEntity(ctx context.Context, companyID, entityRef, reason string) (int, error)
}

// Events accepts inbound events.
type Events interface {
	Dispatch(ctx context.Context, ev *schema.InboundEvent) (*dispatcher.Outcome, error)
}

// Deps holds the server's collaborators.
type Deps struct {
	Runs   Runs
	Flows  *flows.Service
	Events Events
	Hub    *streaming.Hub
	Logger *slog.Logger

	// AllowedOrigins enables CORS for browser dashboards. Empty disables it.
	AllowedOrigins []string
}

// Server is the REST API.
type Server struct {
	deps    Deps
	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, router: mux.NewRouter()}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/events", s.handleRunEvents).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/visits", s.handleRunVisits).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}/diagram", s.handleRunDiagram).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{ref}/cancel", s.handleCancelEntity).Methods(http.MethodPost)

	v1.HandleFunc("/flows", s.handleDefineFlow).Methods(http.MethodPost)
	v1.HandleFunc("/flows/{id}", s.handleGetFlow).Methods(http.MethodGet)
	v1.HandleFunc("/flows/{id}/diagram", s.handleFlowDiagram).Methods(http.MethodGet)
	v1.HandleFunc("/flows/{id}/activate", s.handleSetFlowActive(true)).Methods(http.MethodPost)
	v1.HandleFunc("/flows/{id}/deactivate", s.handleSetFlowActive(false)).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s.router.Use(s.recoverMiddleware, s.loggingMiddleware)

	s.handler = s.router
	if len(deps.AllowedOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
		}).Handler(s.router)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.deps.Logger.Error("api shutdown failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Logger.Debug("api request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.deps.Logger.Error("api handler panicked", slog.Any("panic", v), slog.String("path", r.URL.Path))
				writeError(w, schema.NewError(schema.ErrCodeExecution, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging. It forwards
// Flush so SSE keeps working through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
