// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/gate"
	"github.com/dominodatalab/sweeper/pkg/pipeline"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Orchestrator is the subset of pipeline.Orchestrator the API drives.
type Orchestrator interface {
	Trigger(ctx context.Context, req pipeline.TriggerRequest) (*sweeperv1.PipelineRun, error)
	Decide(ctx context.Context, runID string, decision sweeperv1.Decision, actor, comment string) (sweeperv1.ApprovalRecord, error)
	Cancel(ctx context.Context, runID, actor string) (*sweeperv1.PipelineRun, error)
}

// Runs reads the run history.
type Runs interface {
	GetRun(ctx context.Context, id string) (*sweeperv1.PipelineRun, error)
	ListRuns(ctx context.Context) ([]*sweeperv1.PipelineRun, error)
	ListAudit(ctx context.Context, runID string) ([]sweeperv1.AuditEvent, error)
}

// Approvals lists the runs blocked at the manual gate.
type Approvals interface {
	Pending() []gate.PendingApproval
}

type Server struct {
	log       logr.Logger
	router    *chi.Mux
	orch      Orchestrator
	runs      Runs
	approvals Approvals
	auth      Authenticator
}

func New(log logr.Logger, orch Orchestrator, runs Runs, approvals Approvals, opts ...Option) *Server {
	var o options
	for _, fn := range opts {
		o = fn(o)
	}

	s := &Server{
		log:       log.WithName("api"),
		router:    chi.NewRouter(),
		orch:      orch,
		runs:      runs,
		approvals: approvals,
		auth:      o.auth,
	}
	s.routes()

	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(AuthMiddleware(s.log, s.auth))
		}

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleTrigger)
			r.Get("/", s.handleListRuns)

			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/audit", s.handleAudit)
				r.Post("/approval", s.handleDecision)
				r.Post("/cancel", s.handleCancel)
			})
		})
		r.Get("/approvals", s.handlePending)
		r.Get("/audit", s.handleAuditLog)
	})

	// source changes never start a run; the hook exists so misconfigured webhooks are refused loudly
	s.router.Post("/hooks/source", s.handleSourceHook)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting API server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
