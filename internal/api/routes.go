package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
)

// ListRecordsParams defines parameters for ListRecords.
type ListRecordsParams struct {
	Type       *string `form:"type,omitempty" json:"type,omitempty"`
	Status     *string `form:"status,omitempty" json:"status,omitempty"`
	MoldId     *string `form:"mold_id,omitempty" json:"mold_id,omitempty"`
	TemplateId *string `form:"template_id,omitempty" json:"template_id,omitempty"`
	Limit      *int    `form:"limit,omitempty" json:"limit,omitempty"`
	Offset     *int    `form:"offset,omitempty" json:"offset,omitempty"`
}

// ListNotificationsParams defines parameters for ListNotifications.
type ListNotificationsParams struct {
	Unread *bool `form:"unread,omitempty" json:"unread,omitempty"`
	Limit  *int  `form:"limit,omitempty" json:"limit,omitempty"`
}

// ServerInterface represents all server handlers.
type ServerInterface interface {
	// (GET /definitions)
	ListDefinitions(ctx echo.Context) error
	// (GET /me)
	GetMe(ctx echo.Context) error
	// (GET /records)
	ListRecords(ctx echo.Context, params ListRecordsParams) error
	// (POST /records)
	CreateRecord(ctx echo.Context) error
	// (GET /records/{id})
	GetRecord(ctx echo.Context, id string) error
	// (PATCH /records/{id})
	UpdateDraft(ctx echo.Context, id string) error
	// (GET /records/{id}/actions)
	ListAllowedActions(ctx echo.Context, id string) error
	// (GET /records/{id}/history)
	GetHistory(ctx echo.Context, id string) error
	// (POST /records/{id}/transitions)
	RequestTransition(ctx echo.Context, id string) error
	// (GET /notifications)
	ListNotifications(ctx echo.Context, params ListNotificationsParams) error
	// (GET /notifications/stream)
	StreamNotifications(ctx echo.Context) error
	// (POST /notifications/{id}/read)
	MarkNotificationRead(ctx echo.Context, id string) error
}

// ServerInterfaceWrapper converts echo contexts to parameters.
type ServerInterfaceWrapper struct {
	Handler ServerInterface
}

func bindID(ctx echo.Context) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", ctx.Param("id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter id: %s", err))
	}
	return id, nil
}

// ListDefinitions converts echo context to params.
func (w *ServerInterfaceWrapper) ListDefinitions(ctx echo.Context) error {
	return w.Handler.ListDefinitions(ctx)
}

// GetMe converts echo context to params.
func (w *ServerInterfaceWrapper) GetMe(ctx echo.Context) error {
	return w.Handler.GetMe(ctx)
}

// ListRecords converts echo context to params.
func (w *ServerInterfaceWrapper) ListRecords(ctx echo.Context) error {
	var err error
	var params ListRecordsParams

	err = runtime.BindQueryParameter("form", true, false, "type", ctx.QueryParams(), &params.Type)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter type: %s", err))
	}
	err = runtime.BindQueryParameter("form", true, false, "status", ctx.QueryParams(), &params.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter status: %s", err))
	}
	err = runtime.BindQueryParameter("form", true, false, "mold_id", ctx.QueryParams(), &params.MoldId)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter mold_id: %s", err))
	}
	err = runtime.BindQueryParameter("form", true, false, "template_id", ctx.QueryParams(), &params.TemplateId)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter template_id: %s", err))
	}
	err = runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}
	err = runtime.BindQueryParameter("form", true, false, "offset", ctx.QueryParams(), &params.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter offset: %s", err))
	}

	return w.Handler.ListRecords(ctx, params)
}

// CreateRecord converts echo context to params.
func (w *ServerInterfaceWrapper) CreateRecord(ctx echo.Context) error {
	return w.Handler.CreateRecord(ctx)
}

// GetRecord converts echo context to params.
func (w *ServerInterfaceWrapper) GetRecord(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.GetRecord(ctx, id)
}

// UpdateDraft converts echo context to params.
func (w *ServerInterfaceWrapper) UpdateDraft(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.UpdateDraft(ctx, id)
}

// ListAllowedActions converts echo context to params.
func (w *ServerInterfaceWrapper) ListAllowedActions(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.ListAllowedActions(ctx, id)
}

// GetHistory converts echo context to params.
func (w *ServerInterfaceWrapper) GetHistory(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.GetHistory(ctx, id)
}

// RequestTransition converts echo context to params.
func (w *ServerInterfaceWrapper) RequestTransition(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.RequestTransition(ctx, id)
}

// ListNotifications converts echo context to params.
func (w *ServerInterfaceWrapper) ListNotifications(ctx echo.Context) error {
	var err error
	var params ListNotificationsParams

	err = runtime.BindQueryParameter("form", true, false, "unread", ctx.QueryParams(), &params.Unread)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter unread: %s", err))
	}
	err = runtime.BindQueryParameter("form", true, false, "limit", ctx.QueryParams(), &params.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter limit: %s", err))
	}

	return w.Handler.ListNotifications(ctx, params)
}

// StreamNotifications converts echo context to params.
func (w *ServerInterfaceWrapper) StreamNotifications(ctx echo.Context) error {
	return w.Handler.StreamNotifications(ctx)
}

// MarkNotificationRead converts echo context to params.
func (w *ServerInterfaceWrapper) MarkNotificationRead(ctx echo.Context) error {
	id, err := bindID(ctx)
	if err != nil {
		return err
	}
	return w.Handler.MarkNotificationRead(ctx, id)
}

// EchoRouter is the subset of echo routing used to register handlers. Both
// *echo.Echo and *echo.Group satisfy it.
type EchoRouter interface {
	GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
	PATCH(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) *echo.Route
}

// RegisterHandlers adds each server route to the router.
func RegisterHandlers(router EchoRouter, si ServerInterface) {
	wrapper := ServerInterfaceWrapper{Handler: si}

	router.GET("/definitions", wrapper.ListDefinitions)
	router.GET("/me", wrapper.GetMe)
	router.GET("/records", wrapper.ListRecords)
	router.POST("/records", wrapper.CreateRecord)
	router.GET("/records/:id", wrapper.GetRecord)
	router.PATCH("/records/:id", wrapper.UpdateDraft)
	router.GET("/records/:id/actions", wrapper.ListAllowedActions)
	router.GET("/records/:id/history", wrapper.GetHistory)
	router.POST("/records/:id/transitions", wrapper.RequestTransition)
	router.GET("/notifications", wrapper.ListNotifications)
	router.GET("/notifications/stream", wrapper.StreamNotifications)
	router.POST("/notifications/:id/read", wrapper.MarkNotificationRead)
}
