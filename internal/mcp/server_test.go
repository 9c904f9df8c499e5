package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

func newTestServer(t *testing.T) (*Server, *services.WorkflowService) {
	t.Helper()
	store, err := repository.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	svc := services.NewWorkflowService(store, workflow.Default(), auth.DefaultGate())
	return NewServer(svc), svc
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestTools_TransitionFlow(t *testing.T) {
	s, svc := newTestServer(t)
	plant := models.Actor{ID: "plant@plant.example", Role: models.RolePlant}
	dev := models.Actor{ID: "dev@hq.example", Role: models.RoleDeveloper}

	rec, err := svc.CreateRecord(context.Background(), plant, services.CreateInput{
		Type:   models.TypeRepair,
		MoldID: "M-9",
		Fields: map[string]string{models.FieldProblemDescription: "worn guide pin"},
	})
	require.NoError(t, err)

	devCtx := auth.WithActor(context.Background(), dev)

	res, err := s.handleAllowedActions(devCtx, call(map[string]any{"id": rec.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), string(workflow.ActionAcknowledge))

	res, err = s.handleRequestTransition(devCtx, call(map[string]any{
		"id":      rec.ID,
		"action":  string(workflow.ActionSelectRepairShop),
		"payload": map[string]any{"company": "Daehan Tooling"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var result services.TransitionResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &result))
	assert.Equal(t, "Daehan Tooling", result.Record.Field(models.FieldRepairShopCompany))

	res, err = s.handleHistory(devCtx, call(map[string]any{"id": rec.ID}))
	require.NoError(t, err)
	var events []models.TransitionEvent
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &events))
	assert.Len(t, events, 2)

	res, err = s.handleListRecords(devCtx, call(map[string]any{"type": "repair"}))
	require.NoError(t, err)
	assert.Contains(t, text(t, res), rec.ID)
}

func TestTools_Errors(t *testing.T) {
	s, svc := newTestServer(t)
	plant := models.Actor{ID: "plant@plant.example", Role: models.RolePlant}
	rec, err := svc.CreateRecord(context.Background(), plant, services.CreateInput{
		Type:   models.TypeRepair,
		MoldID: "M-10",
		Fields: map[string]string{models.FieldProblemDescription: "flash"},
	})
	require.NoError(t, err)

	res, err := s.handleRequestTransition(context.Background(), call(map[string]any{"id": rec.ID, "action": "acknowledge"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Unauthenticated", text(t, res))

	makerCtx := auth.WithActor(context.Background(), models.Actor{ID: "m@maker.example", Role: models.RoleMaker})
	res, err = s.handleRequestTransition(makerCtx, call(map[string]any{"id": rec.ID, "action": "acknowledge"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Forbidden")

	res, err = s.handleGetRecord(makerCtx, call(map[string]any{"id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Record not found", text(t, res))

	res, err = s.handleGetRecord(makerCtx, call(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleListDefinitions(makerCtx, call(nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), string(models.TypeChecklistMaster))
}
