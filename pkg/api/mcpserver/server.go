package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Server exposes the orchestrator as MCP tools
type Server struct {
	server       *mcp.Server
	orchestrator *orchestrator.Manager
	plans        ports.PlanStore
	logger       *zap.Logger
}

// Config holds MCP server configuration
type Config struct {
	Orchestrator *orchestrator.Manager
	Plans        ports.PlanStore
	Version      string
	Logger       *zap.Logger
}

// NewServer creates an MCP server with the orchestrator tools registered
func NewServer(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		server:       mcp.NewServer(&mcp.Implementation{Name: "dagrun", Version: version}, nil),
		orchestrator: cfg.Orchestrator,
		plans:        cfg.Plans,
		logger:       logger,
	}
	s.registerTools()
	return s
}

// Run serves the tools on stdin/stdout until ctx is done or the client disconnects
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server stopped: %w", err)
	}
	return nil
}

// Connect serves one session over the given transport
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "save_plan",
		Description: "Validate and store a plan of tool steps with declared dependencies",
	}, s.savePlan)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_plans",
		Description: "List stored plans",
	}, s.listPlans)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_plan",
		Description: "Delete a stored plan",
	}, s.deletePlan)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "execute_plan",
		Description: "Start an instance of a stored plan, optionally waiting for it to finish",
	}, s.executePlan)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "control",
		Description: "Pause, resume or cancel an instance",
	}, s.control)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_execution_status",
		Description: "Get the status and progress of an instance",
	}, s.getStatus)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_decision",
		Description: "Record a stop or continue decision; stop cancels the instance",
	}, s.recordDecision)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_action",
		Description: "Record an action taken by hand on an instance or one of its steps",
	}, s.recordAction)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "record_compensation",
		Description: "Record how the side effects of a step were undone",
	}, s.recordCompensation)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "query_ledger",
		Description: "List the events recorded for an instance",
	}, s.queryLedger)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "query_history",
		Description: "List past and current instances",
	}, s.queryHistory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cleanup_history",
		Description: "Delete old finished instances or plans no instance uses",
	}, s.cleanupHistory)
}

type stepInput struct {
	ID          string              `json:"id" jsonschema:"unique step id"`
	Name        string              `json:"name,omitempty"`
	ToolName    string              `json:"tool_name" jsonschema:"registered tool to invoke"`
	Parameters  map[string]any      `json:"parameters,omitempty"`
	DependsOn   []string            `json:"depends_on,omitempty" jsonschema:"ids of steps that must complete first"`
	RetryPolicy *domain.RetryPolicy `json:"retry_policy,omitempty"`
	Cancellable string              `json:"cancellable,omitempty" jsonschema:"reversible, partially-reversible or irreversible"`
	TimeoutMs   int64               `json:"timeout_ms,omitempty"`
}

type savePlanInput struct {
	ID          string      `json:"id,omitempty" jsonschema:"plan id; generated when empty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Steps       []stepInput `json:"steps"`
}

func (s *Server) savePlan(ctx context.Context, _ *mcp.CallToolRequest, in savePlanInput) (*mcp.CallToolResult, any, error) {
	plan := &domain.Plan{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Steps:       make([]domain.StepDef, 0, len(in.Steps)),
		CreatedAt:   time.Now().UTC(),
	}
	if plan.ID == "" {
		plan.ID = "plan_" + uuid.New().String()
	}
	for _, st := range in.Steps {
		params, err := marshalDetails(st.Parameters)
		if err != nil {
			return nil, nil, err
		}
		plan.Steps = append(plan.Steps, domain.StepDef{
			ID:          st.ID,
			Name:        st.Name,
			ToolName:    st.ToolName,
			Parameters:  params,
			DependsOn:   st.DependsOn,
			RetryPolicy: st.RetryPolicy,
			Cancellable: domain.Cancellability(st.Cancellable),
			TimeoutMs:   st.TimeoutMs,
		})
	}

	if err := orchestrator.NewValidator().Validate(plan.Steps); err != nil {
		return nil, nil, err
	}
	if err := s.plans.SavePlan(ctx, plan); err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"plan_id": plan.ID, "steps": len(plan.Steps)})
}

type listPlansInput struct{}

func (s *Server) listPlans(ctx context.Context, _ *mcp.CallToolRequest, _ listPlansInput) (*mcp.CallToolResult, any, error) {
	plans, err := s.plans.ListPlans(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"plans": plans, "total": len(plans)})
}

type planIDInput struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) deletePlan(ctx context.Context, _ *mcp.CallToolRequest, in planIDInput) (*mcp.CallToolResult, any, error) {
	if err := s.plans.DeletePlan(ctx, in.PlanID); err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"plan_id": in.PlanID, "deleted": true})
}

type executePlanInput struct {
	PlanID       string `json:"plan_id"`
	Concurrency  int    `json:"concurrency,omitempty" jsonschema:"maximum steps running at once"`
	TimeoutMs    int64  `json:"timeout_ms,omitempty" jsonschema:"default per-attempt tool timeout"`
	PauseOnError bool   `json:"pause_on_error,omitempty"`
	Wait         bool   `json:"wait,omitempty" jsonschema:"block until the instance stops running"`
}

func (s *Server) executePlan(ctx context.Context, _ *mcp.CallToolRequest, in executePlanInput) (*mcp.CallToolResult, any, error) {
	instanceID, handle, err := s.orchestrator.Start(ctx, in.PlanID, domain.ExecutionOptions{
		Concurrency:  in.Concurrency,
		TimeoutMs:    in.TimeoutMs,
		PauseOnError: in.PauseOnError,
	})
	if err != nil {
		if instanceID != "" {
			return nil, nil, fmt.Errorf("instance %s: %w", instanceID, err)
		}
		return nil, nil, err
	}

	if in.Wait {
		if err := handle.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	report, err := s.orchestrator.GetStatus(ctx, instanceID, false)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(report)
}

type controlInput struct {
	InstanceID string `json:"instance_id"`
	Action     string `json:"action" jsonschema:"pause, resume or cancel"`
}

func (s *Server) control(ctx context.Context, _ *mcp.CallToolRequest, in controlInput) (*mcp.CallToolResult, any, error) {
	var op func(context.Context, string) (domain.InstanceStatus, error)
	switch in.Action {
	case "pause":
		op = s.orchestrator.Pause
	case "resume":
		op = s.orchestrator.Resume
	case "cancel":
		op = s.orchestrator.Cancel
	default:
		return nil, nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidInput, in.Action)
	}

	status, err := op(ctx, in.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"instance_id": in.InstanceID, "action": in.Action, "status": status})
}

type statusInput struct {
	InstanceID   string `json:"instance_id"`
	IncludeSteps bool   `json:"include_steps,omitempty"`
}

func (s *Server) getStatus(ctx context.Context, _ *mcp.CallToolRequest, in statusInput) (*mcp.CallToolResult, any, error) {
	report, err := s.orchestrator.GetStatus(ctx, in.InstanceID, in.IncludeSteps)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(report)
}

type decisionInput struct {
	InstanceID string         `json:"instance_id"`
	Action     string         `json:"action" jsonschema:"stop or continue"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
}

func (s *Server) recordDecision(ctx context.Context, _ *mcp.CallToolRequest, in decisionInput) (*mcp.CallToolResult, any, error) {
	details, err := marshalDetails(in.Details)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.orchestrator.RecordDecision(ctx, in.InstanceID, orchestrator.Decision{
		Action:  orchestrator.DecisionAction(in.Action),
		Reason:  in.Reason,
		Details: details,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(result)
}

type actionInput struct {
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id,omitempty"`
	ActionType  string         `json:"action_type" jsonschema:"stopped, cleaned_up, notified, rolled_back or other"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

func (s *Server) recordAction(ctx context.Context, _ *mcp.CallToolRequest, in actionInput) (*mcp.CallToolResult, any, error) {
	details, err := marshalDetails(in.Details)
	if err != nil {
		return nil, nil, err
	}
	event, err := s.orchestrator.RecordAction(ctx, in.InstanceID, orchestrator.Action{
		StepID:      in.StepID,
		ActionType:  orchestrator.ActionType(in.ActionType),
		Description: in.Description,
		Details:     details,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(event)
}

type compensationInput struct {
	InstanceID  string         `json:"instance_id"`
	StepID      string         `json:"step_id"`
	Reason      string         `json:"reason"`
	ActionTaken string         `json:"action_taken"`
	Details     map[string]any `json:"details,omitempty"`
}

func (s *Server) recordCompensation(ctx context.Context, _ *mcp.CallToolRequest, in compensationInput) (*mcp.CallToolResult, any, error) {
	details, err := marshalDetails(in.Details)
	if err != nil {
		return nil, nil, err
	}
	event, err := s.orchestrator.RecordCompensation(ctx, in.InstanceID, orchestrator.Compensation{
		StepID:      in.StepID,
		Reason:      in.Reason,
		ActionTaken: in.ActionTaken,
		Details:     details,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(event)
}

type ledgerInput struct {
	InstanceID string   `json:"instance_id"`
	Types      []string `json:"types,omitempty" jsonschema:"event types to include"`
	Limit      int      `json:"limit,omitempty"`
	Offset     int      `json:"offset,omitempty"`
}

func (s *Server) queryLedger(ctx context.Context, _ *mcp.CallToolRequest, in ledgerInput) (*mcp.CallToolResult, any, error) {
	filter := domain.EventFilter{Limit: in.Limit, Offset: in.Offset}
	for _, t := range in.Types {
		filter.Types = append(filter.Types, domain.EventType(t))
	}

	events, err := s.orchestrator.QueryLedger(ctx, in.InstanceID, filter)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(map[string]any{"instance_id": in.InstanceID, "events": events, "total": len(events)})
}

type historyInput struct {
	Kind     string   `json:"kind,omitempty" jsonschema:"recent, incomplete, failed, completed or all"`
	Statuses []string `json:"statuses,omitempty"`
	PlanID   string   `json:"plan_id,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

func (s *Server) queryHistory(ctx context.Context, _ *mcp.CallToolRequest, in historyInput) (*mcp.CallToolResult, any, error) {
	q := orchestrator.HistoryQuery{
		Kind:   orchestrator.HistoryKind(in.Kind),
		PlanID: in.PlanID,
		Limit:  in.Limit,
		Offset: in.Offset,
	}
	for _, st := range in.Statuses {
		q.Statuses = append(q.Statuses, domain.InstanceStatus(st))
	}

	result, err := s.orchestrator.QueryHistory(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(result)
}

type cleanupInput struct {
	Kind          string `json:"kind" jsonschema:"completed_old, failed_old, all_old or orphaned_plans"`
	OlderThanDays int    `json:"older_than_days,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
	IncludeEvents bool   `json:"include_events,omitempty"`
	Archive       bool   `json:"archive,omitempty"`
}

func (s *Server) cleanupHistory(ctx context.Context, _ *mcp.CallToolRequest, in cleanupInput) (*mcp.CallToolResult, any, error) {
	result, err := s.orchestrator.CleanupHistory(ctx, orchestrator.CleanupRequest{
		Kind:          orchestrator.CleanupKind(in.Kind),
		OlderThan:     time.Duration(in.OlderThanDays) * 24 * time.Hour,
		DryRun:        in.DryRun,
		IncludeEvents: in.IncludeEvents,
		Archive:       in.Archive,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonResult(result)
}

func marshalDetails(details map[string]any) (json.RawMessage, error) {
	if details == nil {
		return nil, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %v", domain.ErrInvalidInput, err)
	}
	return data, nil
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
