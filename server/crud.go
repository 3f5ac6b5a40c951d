package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/planweave/planweave/runlog"
	"github.com/planweave/planweave/store"
	"github.com/planweave/planweave/workflow"
)

type createProjectRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RulesText string `json:"rules_text"`
}

func (s *Server) createProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := store.Project{ID: req.ID, Name: req.Name, RulesText: req.RulesText, CreatedAt: time.Now().UTC()}
	if err := s.deps.Projects.CreateProject(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) getProject(c echo.Context) error {
	p, err := s.deps.Projects.FindProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type createWorkflowRequest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	ProjectID string            `json:"project_id"`
	Nodes     []workflow.Node   `json:"nodes"`
	Edges     []workflow.Edge   `json:"edges"`
	Document  *workflow.Document `json:"document"`
}

func (s *Server) createWorkflow(c echo.Context) error {
	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doc := workflow.Document{Nodes: req.Nodes, Edges: req.Edges}
	if req.Document != nil {
		doc = *req.Document
	}
	if len(doc.Nodes) == 0 {
		// A fresh workflow begins as the minimal start → end graph.
		doc = workflow.Document{
			Nodes: []workflow.Node{
				{ID: "start", Type: workflow.TypeStart},
				{ID: "end", Type: workflow.TypeEnd},
			},
			Edges: []workflow.Edge{{Source: "start", Target: "end"}},
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Name == "" {
		req.Name = "Untitled workflow"
	}

	w, _, err := workflow.FromDocument(req.ID, req.Name, req.ProjectID, doc)
	if err != nil {
		return validationHTTPError(err)
	}
	if err := workflow.Validate(w); err != nil {
		return validationHTTPError(err)
	}
	if err := s.deps.Workflows.SaveWorkflow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (s *Server) importWorkflow(c echo.Context) error {
	var doc workflow.Document
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow document")
	}
	id := c.Param("id")

	existing, err := s.deps.Workflows.FindWorkflow(c.Request().Context(), id, c.QueryParam("project_id"))
	name, projectID := "Imported workflow", c.QueryParam("project_id")
	if err == nil {
		name, projectID = existing.Name, existing.ProjectID
	} else if !errors.Is(err, store.ErrNotFound) {
		return httpError(err)
	}

	w, _, err := workflow.FromDocument(id, name, projectID, doc)
	if err != nil {
		return validationHTTPError(err)
	}
	if err := workflow.Validate(w); err != nil {
		return validationHTTPError(err)
	}
	if existing != nil {
		w.CreatedAt = existing.CreatedAt
		w.Status = existing.Status
	}
	if err := s.deps.Workflows.SaveWorkflow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) getWorkflow(c echo.Context) error {
	w, err := s.deps.Workflows.FindWorkflow(c.Request().Context(), c.Param("id"), c.QueryParam("project_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) patchWorkflow(c echo.Context) error {
	var patch workflow.Patch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patch body")
	}

	w, err := s.deps.Workflows.FindWorkflow(c.Request().Context(), c.Param("id"), c.QueryParam("project_id"))
	if err != nil {
		return httpError(err)
	}

	next, err := w.Apply(patch)
	if err != nil {
		return validationHTTPError(err)
	}
	if err := s.deps.Workflows.SaveWorkflow(c.Request().Context(), next); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, next)
}

func (s *Server) listRuns(c echo.Context) error {
	runs, err := s.deps.Runs.ListRunsByWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

// seed creates a deterministic project and workflow for end-to-end tests.
// Only routed when the test-seed API is enabled.
func (s *Server) seed(c echo.Context) error {
	ctx := c.Request().Context()
	project := store.Project{ID: "seed-project", Name: "Seed Project", RulesText: "Prefer concise answers."}
	_ = s.deps.Projects.CreateProject(ctx, project)

	doc := workflow.Document{
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart},
			{ID: "summarize", Type: workflow.TypeLLM, Name: "Summarize", Config: map[string]interface{}{
				"model": "gpt-x", "prompt": "Summarize: {{start.payload}}",
			}},
			{ID: "end", Type: workflow.TypeEnd},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "summarize"},
			{Source: "summarize", Target: "end"},
		},
	}
	w, _, err := workflow.FromDocument("seed-workflow", "Seed Workflow", project.ID, doc)
	if err != nil {
		return httpError(err)
	}
	if err := s.deps.Workflows.SaveWorkflow(ctx, w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"project_id":  project.ID,
		"workflow_id": w.ID,
	})
}

// validationHTTPError surfaces graph violations as a structured 400.
func validationHTTPError(err error) error {
	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":    "workflow validation failed",
			"violations": verr.Violations,
		})
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
