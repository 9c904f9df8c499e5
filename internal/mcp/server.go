package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	workflows *services.WorkflowService
}

func NewServer(workflows *services.WorkflowService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Moldflow Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_definitions",
			mcp.WithDescription("List workflow types with their stages and the roles allowed to act"),
		),
		s.handleListDefinitions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_records",
			mcp.WithDescription("List workflow records, newest first"),
			mcp.WithString("type", mcp.Description("Workflow type"),
				mcp.Enum("repair", "transfer", "injection_condition", "checklist_master", "scrap")),
			mcp.WithString("status", mcp.Description("Current stage name")),
			mcp.WithString("mold_id", mcp.Description("Mold identifier")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records")),
		),
		s.handleListRecords,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_record",
			mcp.WithDescription("Get a workflow record by ID"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the record")),
		),
		s.handleGetRecord,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"allowed_actions",
			mcp.WithDescription("List the actions the caller may take on a record now"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the record")),
		),
		s.handleAllowedActions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"record_history",
			mcp.WithDescription("List the transitions applied to a record"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the record")),
		),
		s.handleHistory,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"request_transition",
			mcp.WithDescription("Apply a workflow action to a record"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the record")),
			mcp.WithString("action", mcp.Required(), mcp.Description("The action to apply")),
			mcp.WithString("workflow_type", mcp.Description("Expected workflow type of the record")),
			mcp.WithObject("payload", mcp.Description("Action inputs such as company, reason or repair_content")),
		),
		s.handleRequestTransition,
	)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// failure turns a service error into a tool error the model can act on.
func failure(op string, err error) *mcp.CallToolResult {
	var verr *workflow.ValidationError
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError(fmt.Sprintf("Invalid request (%s): %s", verr.Code, verr.Message))
	case workflow.IsAuthorization(err):
		return mcp.NewToolResultError(fmt.Sprintf("Forbidden: %v", err))
	case errors.Is(err, repository.ErrNotFound):
		return mcp.NewToolResultError("Record not found")
	case errors.Is(err, repository.ErrConflict):
		return mcp.NewToolResultError("Record changed concurrently, read it again and retry")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", op, err))
	}
}

func actorFrom(ctx context.Context) (models.Actor, *mcp.CallToolResult) {
	a, ok := auth.ActorFromContext(ctx)
	if !ok {
		return models.Actor{}, mcp.NewToolResultError("Unauthenticated")
	}
	return a, nil
}

func (s *Server) handleListDefinitions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.workflows.Definitions())
}

func (s *Server) handleListRecords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := models.RecordQuery{
		Type:   models.WorkflowType(request.GetString("type", "")),
		Status: models.Status(request.GetString("status", "")),
		MoldID: request.GetString("mold_id", ""),
		Limit:  request.GetInt("limit", 20),
	}

	records, err := s.workflows.ListRecords(ctx, q)
	if err != nil {
		return failure("list records", err), nil
	}
	return jsonResult(records)
}

func (s *Server) handleGetRecord(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	rec, err := s.workflows.GetRecord(ctx, id)
	if err != nil {
		return failure("get record", err), nil
	}
	return jsonResult(rec)
}

func (s *Server) handleAllowedActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, denied := actorFrom(ctx)
	if denied != nil {
		return denied, nil
	}
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	set, err := s.workflows.AllowedActions(ctx, actor, id)
	if err != nil {
		return failure("list actions", err), nil
	}
	return jsonResult(set)
}

func (s *Server) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	events, err := s.workflows.History(ctx, id)
	if err != nil {
		return failure("load history", err), nil
	}
	return jsonResult(events)
}

func (s *Server) handleRequestTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, denied := actorFrom(ctx)
	if denied != nil {
		return denied, nil
	}
	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}
	action, err := request.RequireString("action")
	if err != nil || action == "" {
		return mcp.NewToolResultError("Missing required parameter: action"), nil
	}

	payload := workflow.Payload{}
	if raw, ok := request.GetArguments()["payload"].(map[string]any); ok {
		for k, v := range raw {
			switch v := v.(type) {
			case string:
				payload[k] = v
			case nil:
			default:
				payload[k] = fmt.Sprint(v)
			}
		}
	}

	res, err := s.workflows.RequestTransition(ctx, actor, services.TransitionRequest{
		WorkflowType: models.WorkflowType(request.GetString("workflow_type", "")),
		RecordID:     id,
		Action:       models.Action(action),
		Payload:      payload,
	})
	if err != nil {
		return failure("apply transition", err), nil
	}
	return jsonResult(res)
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp. The actor that
// authenticated the HTTP request is carried into tool calls.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if a, ok := auth.ActorFromContext(r.Context()); ok {
				return auth.WithActor(ctx, a)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
