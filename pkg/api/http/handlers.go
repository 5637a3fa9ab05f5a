package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// InstanceResponse is returned by lifecycle endpoints
type InstanceResponse struct {
	InstanceID string                `json:"instance_id"`
	Status     domain.InstanceStatus `json:"status"`
}

// CleanupRequest is the body of a history cleanup
type CleanupRequest struct {
	Kind          orchestrator.CleanupKind `json:"kind" binding:"required"`
	OlderThanDays int                      `json:"older_than_days"`
	DryRun        bool                     `json:"dry_run"`
	IncludeEvents bool                     `json:"include_events"`
	Archive       bool                     `json:"archive"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth reports manager liveness and run pool health
func (s *Server) handleHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	orch := "ok"
	if !s.orchestrator.Alive() {
		status, code = "unhealthy", http.StatusServiceUnavailable
		orch = "shut down"
	}

	checks := gin.H{
		"orchestrator":     orch,
		"active_instances": s.orchestrator.ActiveExecutions(),
	}
	if s.pool != nil {
		checks["workers"] = s.pool.Health().GetStatus()
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleSavePlan validates and stores a plan
func (s *Server) handleSavePlan(c *gin.Context) {
	var plan domain.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	if plan.ID == "" {
		plan.ID = "plan_" + uuid.New().String()
	}
	if plan.Name == "" {
		plan.Name = plan.ID
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}

	if err := orchestrator.NewValidator().Validate(plan.Steps); err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.plans.SavePlan(c.Request.Context(), &plan); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, plan)
}

// handleListPlans lists stored plans
func (s *Server) handleListPlans(c *gin.Context) {
	plans, err := s.plans.ListPlans(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if plans == nil {
		plans = []*domain.Plan{}
	}

	c.JSON(http.StatusOK, gin.H{
		"plans": plans,
		"total": len(plans),
	})
}

// handleGetPlan returns one plan
func (s *Server) handleGetPlan(c *gin.Context) {
	plan, err := s.plans.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// handleDeletePlan removes a plan
func (s *Server) handleDeletePlan(c *gin.Context) {
	if err := s.plans.DeletePlan(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleStartInstance creates an instance of a plan and starts it
func (s *Server) handleStartInstance(c *gin.Context) {
	var opts domain.ExecutionOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			s.badRequest(c, err.Error())
			return
		}
	}

	instanceID, _, err := s.orchestrator.Start(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		if instanceID != "" && domain.IsValidationError(err) {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: ErrorDetail{
					Code:    "VALIDATION_FAILED",
					Message: err.Error(),
					Details: gin.H{"instance_id": instanceID},
				},
			})
			return
		}
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, InstanceResponse{
		InstanceID: instanceID,
		Status:     domain.InstanceStatusRunning,
	})
}

// handleQueryHistory lists instances by history kind
func (s *Server) handleQueryHistory(c *gin.Context) {
	q := orchestrator.HistoryQuery{
		Kind:   orchestrator.HistoryKind(c.Query("kind")),
		PlanID: c.Query("plan_id"),
	}
	for _, st := range splitList(c.Query("status")) {
		q.Statuses = append(q.Statuses, domain.InstanceStatus(st))
	}

	var err error
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	result, err := s.orchestrator.QueryHistory(c.Request.Context(), q)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleGetStatus returns an instance's status and progress
func (s *Server) handleGetStatus(c *gin.Context) {
	includeSteps := c.Query("include_steps") == "true"

	report, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"), includeSteps)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handlePause(c *gin.Context) {
	s.transition(c, s.orchestrator.Pause)
}

func (s *Server) handleResume(c *gin.Context) {
	s.transition(c, s.orchestrator.Resume)
}

func (s *Server) handleCancel(c *gin.Context) {
	s.transition(c, s.orchestrator.Cancel)
}

func (s *Server) transition(c *gin.Context, op func(ctx context.Context, id string) (domain.InstanceStatus, error)) {
	id := c.Param("id")
	status, err := op(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, InstanceResponse{InstanceID: id, Status: status})
}

// handleQueryLedger returns an instance's events
func (s *Server) handleQueryLedger(c *gin.Context) {
	var filter domain.EventFilter
	for _, t := range splitList(c.Query("type")) {
		filter.Types = append(filter.Types, domain.EventType(t))
	}

	var err error
	if filter.Since, err = timeQuery(c, "since"); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if filter.Until, err = timeQuery(c, "until"); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	events, err := s.orchestrator.QueryLedger(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id": c.Param("id"),
		"events":      events,
		"total":       len(events),
	})
}

func (s *Server) handleRecordDecision(c *gin.Context) {
	var d orchestrator.Decision
	if err := c.ShouldBindJSON(&d); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	result, err := s.orchestrator.RecordDecision(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleRecordAction(c *gin.Context) {
	var a orchestrator.Action
	if err := c.ShouldBindJSON(&a); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	event, err := s.orchestrator.RecordAction(c.Request.Context(), c.Param("id"), a)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (s *Server) handleRecordCompensation(c *gin.Context) {
	var comp orchestrator.Compensation
	if err := c.ShouldBindJSON(&comp); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	event, err := s.orchestrator.RecordCompensation(c.Request.Context(), c.Param("id"), comp)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// handleCleanup removes old history
func (s *Server) handleCleanup(c *gin.Context) {
	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if req.OlderThanDays < 0 {
		s.badRequest(c, "older_than_days must not be negative")
		return
	}

	result, err := s.orchestrator.CleanupHistory(c.Request.Context(), orchestrator.CleanupRequest{
		Kind:          req.Kind,
		OlderThan:     time.Duration(req.OlderThanDays) * 24 * time.Hour,
		DryRun:        req.DryRun,
		IncludeEvents: req.IncludeEvents,
		Archive:       req.Archive,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleWorkers returns the run pool status
func (s *Server) handleWorkers(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{"workers": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workers": s.pool.GetStatus(),
		"health":  s.pool.Health().GetStatus(),
	})
}

// writeError maps domain errors to HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, domain.ErrPlanNotFound),
		errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, ports.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case domain.IsValidationError(err):
		status, code = http.StatusUnprocessableEntity, "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, orchestrator.ErrManagerClosed):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: msg,
		},
	})
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intQuery(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func timeQuery(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New(key + " must be an RFC3339 timestamp")
	}
	return &t, nil
}
