package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/adapters/storage/memory"
	"github.com/aescanero/dagrun/pkg/adapters/tools"
	"github.com/aescanero/dagrun/pkg/domain"
)

func newSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	registry := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(registry))

	pool := workers.NewPool(2, 8, nil, nil, 0)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	manager, err := orchestrator.NewManager(orchestrator.Config{DefaultConcurrency: 2}, orchestrator.Dependencies{
		Store: store,
		Tools: registry,
		Pool:  pool,
	})
	require.NoError(t, err)

	server := NewServer(&Config{Orchestrator: manager, Plans: store, Version: "test"})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// call invokes a tool and decodes its JSON text content into out
func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)

	if out != nil && !res.IsError {
		text, ok := res.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		require.NoError(t, json.Unmarshal([]byte(text.Text), out))
	}
	return res
}

func TestListTools(t *testing.T) {
	session := newSession(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	for _, want := range []string{
		"execute_plan", "control", "get_execution_status", "record_decision",
		"record_action", "record_compensation", "query_history",
	} {
		assert.Contains(t, names, want)
	}
}

func TestPlanLifecycleOverMCP(t *testing.T) {
	session := newSession(t)

	var saved struct {
		PlanID string `json:"plan_id"`
		Steps  int    `json:"steps"`
	}
	res := call(t, session, "save_plan", map[string]any{
		"id":   "greet",
		"name": "greet",
		"steps": []map[string]any{
			{"id": "A", "tool_name": "echo", "parameters": map[string]any{"msg": "hi"}},
			{"id": "B", "tool_name": "echo", "depends_on": []string{"A"}},
		},
	}, &saved)
	require.False(t, res.IsError)
	assert.Equal(t, "greet", saved.PlanID)
	assert.Equal(t, 2, saved.Steps)

	var report orchestrator.StatusReport
	res = call(t, session, "execute_plan", map[string]any{"plan_id": "greet", "wait": true}, &report)
	require.False(t, res.IsError)
	assert.Equal(t, domain.InstanceStatusCompleted, report.Instance.Status)
	assert.Equal(t, "2/2 steps", report.Progress)
	id := report.Instance.ID

	res = call(t, session, "get_execution_status", map[string]any{"instance_id": id, "include_steps": true}, &report)
	require.False(t, res.IsError)
	assert.Len(t, report.Steps, 2)

	var history orchestrator.HistoryResult
	res = call(t, session, "query_history", map[string]any{"kind": "completed"}, &history)
	require.False(t, res.IsError)
	require.Len(t, history.Instances, 1)
	assert.Equal(t, id, history.Instances[0].Instance.ID)

	var ctrl struct {
		Status domain.InstanceStatus `json:"status"`
	}
	res = call(t, session, "control", map[string]any{"instance_id": id, "action": "cancel"}, &ctrl)
	require.False(t, res.IsError)
	assert.Equal(t, domain.InstanceStatusCompleted, ctrl.Status)

	res = call(t, session, "control", map[string]any{"instance_id": id, "action": "explode"}, nil)
	assert.True(t, res.IsError)
}

func TestLedgerToolsOverMCP(t *testing.T) {
	session := newSession(t)

	call(t, session, "save_plan", map[string]any{
		"id":    "one",
		"name":  "one",
		"steps": []map[string]any{{"id": "A", "tool_name": "echo"}},
	}, nil)
	var report orchestrator.StatusReport
	call(t, session, "execute_plan", map[string]any{"plan_id": "one", "wait": true}, &report)
	id := report.Instance.ID

	res := call(t, session, "record_action", map[string]any{
		"instance_id": id,
		"step_id":     "A",
		"action_type": "notified",
		"description": "told the team",
		"details":     map[string]any{"channel": "ops"},
	}, nil)
	require.False(t, res.IsError)

	res = call(t, session, "record_compensation", map[string]any{
		"instance_id":  id,
		"step_id":      "A",
		"reason":       "duplicate",
		"action_taken": "deleted copy",
	}, nil)
	require.False(t, res.IsError)

	var decision orchestrator.DecisionResult
	res = call(t, session, "record_decision", map[string]any{
		"instance_id": id,
		"action":      "continue",
		"reason":      "all good",
	}, &decision)
	require.False(t, res.IsError)
	assert.Equal(t, domain.EventDecisionMade, decision.Event.Type)

	var ledger struct {
		Total int `json:"total"`
	}
	res = call(t, session, "query_ledger", map[string]any{
		"instance_id": id,
		"types":       []string{"action_taken", "compensation_recorded", "decision_made"},
	}, &ledger)
	require.False(t, res.IsError)
	assert.Equal(t, 3, ledger.Total)

	res = call(t, session, "record_decision", map[string]any{
		"instance_id": "exec_missing",
		"action":      "stop",
		"reason":      "x",
	}, nil)
	assert.True(t, res.IsError)
}
