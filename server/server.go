// Package server exposes the HTTP surface: planning and execution SSE
// streams, run-event replay, side-effect confirmation, and workflow CRUD.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/executor"
	"github.com/planweave/planweave/planner"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/store"
)

// Deps bundles the collaborators the HTTP surface delegates to.
type Deps struct {
	Planner   *planner.Planner
	Executor  *executor.Executor
	Projects  store.ProjectRepository
	Workflows store.WorkflowRepository
	Runs      runlog.RunRepository
	Events    runlog.RunEventRepository
	Recorder  *runlog.Recorder
	Broker    *confirm.Broker
	Logger    *logrus.Logger

	// Registry, when set, serves /metrics from this registry.
	Registry *prometheus.Registry

	// EnableTestSeedAPI gates POST /dev/seed.
	EnableTestSeedAPI bool
}

// Server is the echo application.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// New builds the echo application with standard middleware and all routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
	}))

	s := &Server{deps: deps, echo: e}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
	})
	if deps.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	e.POST("/projects", s.createProject)
	e.GET("/projects/:id", s.getProject)

	e.POST("/workflows/", s.createWorkflow)
	e.POST("/workflows", s.createWorkflow)
	e.GET("/workflows/:id", s.getWorkflow)
	e.PATCH("/workflows/:id", s.patchWorkflow)
	e.POST("/workflows/:id/import", s.importWorkflow)
	e.GET("/workflows/:id/runs", s.listRuns)

	e.POST("/workflows/:id/chat-stream", s.chatStream)
	e.POST("/workflows/chat-create/stream", s.chatCreateStream)
	e.POST("/workflows/:id/execute/stream", s.executeStream)

	e.GET("/runs/:run_id/events/stream", s.replayStream)
	e.POST("/runs/:run_id/confirm", s.confirmRun)

	if deps.EnableTestSeedAPI {
		e.POST("/dev/seed", s.seed)
	}

	return s
}

// Echo exposes the underlying echo instance (tests drive it directly).
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start serves until the context is cancelled, then shuts down gracefully
// within the timeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// httpError maps repository and validation failures to transport statuses.
// Stream handlers never use this once the stream is open; failures there go
// in-band.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, runlog.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
