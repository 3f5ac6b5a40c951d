package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/planweave/planweave/confirm"
	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/stream"
	"github.com/planweave/planweave/workflow"
)

// sseHeaders prepares the response for server-sent events.
func sseHeaders(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
}

type chatRequest struct {
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

// chatStream drives a planning session over an existing workflow. The
// transport answers 200 and stays open; planning failures arrive in-band as
// error envelopes.
func (s *Server) chatStream(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	w, err := s.deps.Workflows.FindWorkflow(c.Request().Context(), c.Param("id"), c.QueryParam("project_id"))
	if err != nil {
		return httpError(err)
	}

	rules := s.projectRules(c, w.ProjectID)

	sseHeaders(c)
	sink := stream.NewSSESink(c.Response())
	pub := stream.NewPublisher(stream.NewPlanningMapper(), sink, s.deps.Recorder)

	_, _ = s.deps.Planner.Plan(c.Request().Context(), w, req.Message, rules, pub)
	return nil
}

type chatCreateRequest struct {
	Message   string `json:"message"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
}

// chatCreateStream creates a fresh minimal workflow, then plans over it.
// The opening envelope carries metadata.workflow_id; clients may navigate
// as soon as they see it.
func (s *Server) chatCreateStream(c echo.Context) error {
	var req chatCreateRequest
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "end"}},
	}
	w, _, err := workflow.FromDocument(uuid.NewString(), "Untitled workflow", req.ProjectID, doc)
	if err != nil {
		return validationHTTPError(err)
	}
	if err := s.deps.Workflows.SaveWorkflow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}

	rules := s.projectRules(c, req.ProjectID)

	sseHeaders(c)
	sink := stream.NewSSESink(c.Response())
	pub := stream.NewPublisher(stream.NewPlanningMapper(), sink, s.deps.Recorder)

	_, _ = s.deps.Planner.Plan(c.Request().Context(), w, req.Message, rules, pub)
	return nil
}

type executeRequest struct {
	InitialInput map[string]interface{} `json:"initial_input"`
	RunID        string                 `json:"run_id"`
}

// executeStream creates a run for the workflow and streams its execution.
func (s *Server) executeStream(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	w, err := s.deps.Workflows.FindWorkflow(ctx, c.Param("id"), c.QueryParam("project_id"))
	if err != nil {
		return httpError(err)
	}
	if err := workflow.Validate(w); err != nil {
		return validationHTTPError(err)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := runlog.Run{ID: runID, WorkflowID: w.ID, ProjectID: w.ProjectID, Status: runlog.RunCreated}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		return httpError(err)
	}

	sseHeaders(c)
	sink := stream.NewSSESink(c.Response())
	pub := stream.NewPublisher(stream.NewExecutionMapper(), sink, s.deps.Recorder)

	_ = s.deps.Executor.Execute(ctx, w, run, req.InitialInput, pub)
	return nil
}

// replayStream replays stored events with sequence > after, then follows
// the live tail until the run's terminal event has been delivered or the
// client disconnects.
func (s *Server) replayStream(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	if _, err := s.deps.Runs.FindRun(ctx, runID); err != nil {
		return httpError(err)
	}

	cursor := int64(0)
	if after := c.QueryParam("after"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after cursor")
		}
		cursor = parsed
	}

	sseHeaders(c)
	sink := stream.NewSSESink(c.Response())

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		events, err := s.deps.Events.ListAfter(ctx, runID, cursor)
		if err != nil {
			return nil
		}
		for _, e := range events {
			if err := sink.Send(ctx, stream.FromRunEvent(e)); err != nil {
				return nil
			}
			cursor = e.Sequence
			if e.Kind.Terminal() {
				return nil
			}
		}

		run, err := s.deps.Runs.FindRun(ctx, runID)
		if err != nil {
			return nil
		}
		if run.Status.Terminal() && len(events) == 0 {
			// Terminal run with no further events: the terminal event was
			// before the cursor (or was dropped). Close the stream.
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type confirmRequest struct {
	ConfirmID string `json:"confirm_id"`
	Decision  string `json:"decision"`
}

// confirmRun resolves a pending side-effect confirmation.
func (s *Server) confirmRun(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil || req.ConfirmID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "confirm_id is required")
	}

	var decision confirm.Decision
	switch req.Decision {
	case "allow":
		decision = confirm.Allow
	case "deny":
		decision = confirm.Deny
	default:
		return echo.NewHTTPError(http.StatusBadRequest, `decision must be "allow" or "deny"`)
	}

	if err := s.deps.Broker.Resolve(req.ConfirmID, decision); err != nil {
		if errors.Is(err, confirm.ErrUnknownConfirmation) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown confirmation id")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// projectRules loads the owning project's rules text; absence is fine.
func (s *Server) projectRules(c echo.Context, projectID string) string {
	if projectID == "" {
		return ""
	}
	p, err := s.deps.Projects.FindProject(c.Request().Context(), projectID)
	if err != nil {
		return ""
	}
	return p.RulesText
}
