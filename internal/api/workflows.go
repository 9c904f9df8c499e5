// Package api contains the HTTP handlers for the mold workflow service
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/notify"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Workflows *services.WorkflowService
	Hub       *notify.Hub
}

var _ ServerInterface = (*Server)(nil)

// NewServer creates a new Server.
func NewServer(workflows *services.WorkflowService, hub *notify.Hub) *Server {
	return &Server{Workflows: workflows, Hub: hub}
}

func actor(c echo.Context) (models.Actor, error) {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return models.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "Actor not found in context")
	}
	return a, nil
}

// ListDefinitions returns every workflow definition
// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Workflows.Definitions())
}

// GetMe returns the authenticated actor
// (GET /api/v1/me)
func (s *Server) GetMe(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// ListRecords returns records matching the query
// (GET /api/v1/records)
func (s *Server) ListRecords(c echo.Context, params ListRecordsParams) error {
	q := models.RecordQuery{}
	if params.Type != nil {
		q.Type = models.WorkflowType(*params.Type)
	}
	if params.Status != nil {
		q.Status = models.Status(*params.Status)
	}
	if params.MoldId != nil {
		q.MoldID = *params.MoldId
	}
	if params.TemplateId != nil {
		q.TemplateID = *params.TemplateId
	}
	if params.Limit != nil {
		q.Limit = *params.Limit
	}
	if params.Offset != nil {
		q.Offset = *params.Offset
	}

	records, err := s.Workflows.ListRecords(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// CreateRecord registers a new record in its initial stage
// (POST /api/v1/records)
func (s *Server) CreateRecord(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var in services.CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body").SetInternal(err)
	}

	rec, err := s.Workflows.CreateRecord(c.Request().Context(), a, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

// GetRecord returns one record
// (GET /api/v1/records/{id})
func (s *Server) GetRecord(c echo.Context, id string) error {
	rec, err := s.Workflows.GetRecord(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// UpdateDraft edits a record still in its editable stage
// (PATCH /api/v1/records/{id})
func (s *Server) UpdateDraft(c echo.Context, id string) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var in services.DraftInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body").SetInternal(err)
	}

	rec, err := s.Workflows.UpdateDraft(c.Request().Context(), a, id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// ListAllowedActions returns the actions the caller may take now
// (GET /api/v1/records/{id}/actions)
func (s *Server) ListAllowedActions(c echo.Context, id string) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	set, err := s.Workflows.AllowedActions(c.Request().Context(), a, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, set)
}

// GetHistory returns the record's transition events
// (GET /api/v1/records/{id}/history)
func (s *Server) GetHistory(c echo.Context, id string) error {
	events, err := s.Workflows.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

// TransitionBody is the request body of RequestTransition.
type TransitionBody struct {
	Action       models.Action       `json:"action"`
	WorkflowType models.WorkflowType `json:"workflow_type,omitempty"`
	Payload      map[string]string   `json:"payload,omitempty"`
}

// RequestTransition applies an action to a record. A replayed request
// answers 200 with replayed=true; an applied one answers 200 as well.
// (POST /api/v1/records/{id}/transitions)
func (s *Server) RequestTransition(c echo.Context, id string) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	var body TransitionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body").SetInternal(err)
	}
	if body.Action == "" {
		return &workflow.ValidationError{Code: workflow.CodeMissingField, Field: "action", Message: "action is required"}
	}

	res, err := s.Workflows.RequestTransition(c.Request().Context(), a, services.TransitionRequest{
		WorkflowType: body.WorkflowType,
		RecordID:     id,
		Action:       body.Action,
		Payload:      workflow.Payload(body.Payload),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ListNotifications returns the caller's feed
// (GET /api/v1/notifications)
func (s *Server) ListNotifications(c echo.Context, params ListNotificationsParams) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	unread := params.Unread != nil && *params.Unread
	limit := 0
	if params.Limit != nil {
		limit = *params.Limit
	}

	ns, err := s.Workflows.Notifications(c.Request().Context(), a, unread, limit)
	if err != nil {
		return err
	}
	if ns == nil {
		ns = []*models.Notification{}
	}
	return c.JSON(http.StatusOK, ns)
}

// MarkNotificationRead marks one of the caller's notifications read
// (POST /api/v1/notifications/{id}/read)
func (s *Server) MarkNotificationRead(c echo.Context, id string) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	if err := s.Workflows.MarkNotificationRead(c.Request().Context(), a, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// StreamNotifications upgrades to a websocket that receives new notifications
// (GET /api/v1/notifications/stream)
func (s *Server) StreamNotifications(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return err
	}
	if s.Hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Notification stream is disabled")
	}
	if err := s.Hub.ServeWS(c.Response(), c.Request(), a); err != nil {
		// The upgrader has already answered the client.
		c.Logger().Debug(err)
	}
	return nil
}
