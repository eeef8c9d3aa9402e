package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/orchestrator"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// CreateRequest is the request body for POST /workflows.
type CreateRequest struct {
	IssueID      string `json:"issue_id"`
	WorktreePath string `json:"worktree_path"`
	Profile      string `json:"profile"`
	Queue        bool   `json:"queue"`
}

// CreateResponse is the response body for POST /workflows.
type CreateResponse struct {
	ID     string          `json:"id"`
	Status workflow.Status `json:"status"`
}

// RejectRequest is the request body for POST /workflows/:id/reject.
type RejectRequest struct {
	Feedback string `json:"feedback"`
}

// Summary is one row of GET /workflows.
type Summary struct {
	ID              string          `json:"id"`
	IssueID         string          `json:"issue_id"`
	Title           string          `json:"title"`
	Status          workflow.Status `json:"status"`
	Profile         string          `json:"profile"`
	WorktreePath    string          `json:"worktree_path"`
	ReviewIteration int             `json:"review_iteration"`
	Reason          string          `json:"reason,omitempty"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ListResponse is the response body for GET /workflows.
type ListResponse struct {
	Workflows []Summary `json:"workflows"`
}

// EventsResponse is the response body for GET /workflows/:id/events.
type EventsResponse struct {
	Events []db.Event `json:"events"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	ActiveWorkflows int    `json:"active_workflows"`
}

func summarize(st *workflow.State) Summary {
	return Summary{
		ID:              st.ID,
		IssueID:         st.Issue.ID,
		Title:           st.Issue.Title,
		Status:          st.Status,
		Profile:         st.Profile,
		WorktreePath:    st.WorktreePath,
		ReviewIteration: st.ReviewIteration,
		Reason:          st.Reason,
		Version:         st.Version,
		UpdatedAt:       st.UpdatedAt,
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", ActiveWorkflows: s.workflows.Active()})
}

func (s *Server) handleCreate(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: invalid request body", orchestrator.ErrInvalidRequest)
	}
	st, err := s.workflows.Create(c.Request().Context(), orchestrator.CreateRequest{
		IssueID:      req.IssueID,
		WorktreePath: req.WorktreePath,
		Profile:      req.Profile,
		Queue:        req.Queue,
	})
	if err != nil {
		s.logger.Debug("create rejected", zap.String("worktree", req.WorktreePath), zap.Error(err))
		return err
	}
	return c.JSON(http.StatusCreated, CreateResponse{ID: st.ID, Status: st.Status})
}

// handleList accepts ?status=a,b or repeated status parameters.
func (s *Server) handleList(c echo.Context) error {
	var statuses []workflow.Status
	for _, raw := range c.QueryParams()["status"] {
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			st := workflow.Status(v)
			if !st.Valid() {
				return fmt.Errorf("%w: unknown status %q", orchestrator.ErrInvalidRequest, v)
			}
			statuses = append(statuses, st)
		}
	}
	states, err := s.workflows.List(c.Request().Context(), statuses...)
	if err != nil {
		return err
	}
	resp := ListResponse{Workflows: make([]Summary, 0, len(states))}
	for _, st := range states {
		resp.Workflows = append(resp.Workflows, summarize(st))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGet(c echo.Context) error {
	st, err := s.workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleEvents(c echo.Context) error {
	since, err := parseSince(c)
	if err != nil {
		return err
	}
	events, err := s.workflows.Events(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return err
	}
	if events == nil {
		events = []db.Event{}
	}
	return c.JSON(http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) handleStart(c echo.Context) error {
	return s.command(c, "start", s.workflows.Start)
}

func (s *Server) handleApprove(c echo.Context) error {
	return s.command(c, "approve", s.workflows.Approve)
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.command(c, "cancel", s.workflows.Cancel)
}

func (s *Server) handleReject(c echo.Context) error {
	var req RejectRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: invalid request body", orchestrator.ErrInvalidRequest)
	}
	id := c.Param("id")
	st, err := s.workflows.Reject(c.Request().Context(), id, req.Feedback)
	if err != nil {
		return err
	}
	s.logger.Info("plan rejected", zap.String("workflow_id", id))
	return c.JSON(http.StatusOK, st)
}

func (s *Server) command(c echo.Context, name string, fn func(ctx context.Context, id string) (*workflow.State, error)) error {
	id := c.Param("id")
	st, err := fn(c.Request().Context(), id)
	if err != nil {
		return err
	}
	s.logger.Info("workflow "+name, zap.String("workflow_id", id), zap.String("status", string(st.Status)))
	return c.JSON(http.StatusOK, st)
}

// parseSince reads the optional ?since=<event id> parameter.
func parseSince(c echo.Context) (int64, error) {
	raw := c.QueryParam("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, fmt.Errorf("%w: since must be a non-negative event id", orchestrator.ErrInvalidRequest)
	}
	return since, nil
}
