// Package api is the REST surface over the transition engine.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/logging"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Engine is the subset of *engine.Engine the handlers call.
type Engine interface {
	ExecuteTransition(ctx context.Context, proposalID int64, action string, actor *schema.Actor, tctx map[string]any) (*engine.TransitionResult, error)
	AllowedActions(ctx context.Context, proposalID int64, actor *schema.Actor) ([]engine.AllowedAction, error)
	ExecuteOperation(ctx context.Context, operationID int64, actor *schema.Actor, tctx map[string]any) (*engine.OperationResult, error)
}

// TraceLister lists execution traces. Satisfied by store.Store.
type TraceLister interface {
	ListTraces(ctx context.Context, filter store.TraceFilter) ([]*schema.ExecutionTrace, error)
}

// HistorySource replays a proposal's transition log. Satisfied by *store.EventLog.
type HistorySource interface {
	Replay(ctx context.Context, proposalID int64) (*store.History, error)
}

// Config wires a Server.
type Config struct {
	Engine  Engine
	Traces  TraceLister
	History HistorySource
	Actors  ActorSource
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server serves the REST API.
type Server struct {
	engine  Engine
	traces  TraceLister
	history HistorySource
	actors  ActorSource
	metrics http.Handler
	logger  *slog.Logger
	router  chi.Router
}

// TransitionRequest is the body of a transition POST.
type TransitionRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		engine:  cfg.Engine,
		traces:  cfg.Traces,
		history: cfg.History,
		actors:  cfg.Actors,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Route("/api/proposals/{id}", func(pr chi.Router) {
		pr.Get("/transitions", s.handleAllowedActions)
		pr.Post("/transitions/{action}", s.handleTransition)
		pr.Get("/tool-executions", s.handleToolExecutions)
		pr.Get("/events", s.handleEvents)
	})
	r.Post("/api/tool-operations/{id}/execute", s.handleExecuteOperation)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleAllowedActions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.proposalID(w, r)
	if !ok {
		return
	}
	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	actions, err := s.engine.AllowedActions(r.Context(), id, actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if actions == nil {
		actions = []engine.AllowedAction{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"transitions": actions})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.proposalID(w, r)
	if !ok {
		return
	}
	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var req TransitionRequest
	if err := ReadJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid_input",
			"invalid request body: "+err.Error(), nil)
		return
	}

	action := chi.URLParam(r, "action")
	ctx := logging.WithIDs(r.Context(), id, action)
	res, err := s.engine.ExecuteTransition(ctx, id, action, actor, req.Context)
	if err != nil {
		s.writeErr(w, r.WithContext(ctx), err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// handleExecuteOperation runs one tool operation for a form. The body is a
// TransitionRequest whose context may name a proposal_id.
func (s *Server) handleExecuteOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "operation")
	if !ok {
		return
	}
	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var req TransitionRequest
	if err := ReadJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid_input",
			"invalid request body: "+err.Error(), nil)
		return
	}

	res, err := s.engine.ExecuteOperation(r.Context(), id, actor, req.Context)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleToolExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.proposalID(w, r)
	if !ok {
		return
	}
	filter := store.TraceFilter{ProposalID: id}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid_input",
				"limit must be a non-negative integer", nil)
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = schema.TraceStatus(v)
	}

	traces, err := s.traces.ListTraces(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if traces == nil {
		traces = []*schema.ExecutionTrace{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tool_executions": traces})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.proposalID(w, r)
	if !ok {
		return
	}
	h, err := s.history.Replay(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if h.Events == nil {
		h.Events = []*schema.TransitionEvent{}
	}
	WriteJSON(w, http.StatusOK, h)
}

func (s *Server) proposalID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return s.pathID(w, r, "proposal")
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, kind string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, schema.ErrCodeInvalidInput, "invalid_input",
			kind+" id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	reqID := WriteError(w, status, body.Code, body.Type, body.Message, body.Details)

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		slog.String("request_id", reqID),
		slog.Int("status", status),
		slog.String("code", body.Code),
		slog.String("error", err.Error()),
	)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
