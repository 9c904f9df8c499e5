package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/workflow"
)

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	// Code and Field extend the document for validation failures.
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

const problemContentType = "application/problem+json"

// Problem maps an error onto its problem document. Errors of unknown kind
// become a 500 without leaking their text.
func Problem(err error) ProblemDetails {
	var (
		verr  *workflow.ValidationError
		aerr  *workflow.AuthorizationError
		herr  *echo.HTTPError
		title string
	)
	switch {
	case errors.As(err, &verr):
		return ProblemDetails{
			Type:   "about:blank",
			Title:  "Unprocessable Entity",
			Status: http.StatusUnprocessableEntity,
			Detail: verr.Message,
			Code:   verr.Code,
			Field:  verr.Field,
		}
	case errors.As(err, &aerr):
		return ProblemDetails{
			Type:   "about:blank",
			Title:  "Forbidden",
			Status: http.StatusForbidden,
			Detail: aerr.Error(),
			Code:   "forbidden",
		}
	case errors.Is(err, repository.ErrNotFound):
		return ProblemDetails{
			Type:   "about:blank",
			Title:  "Not Found",
			Status: http.StatusNotFound,
			Detail: "the requested resource does not exist",
		}
	case errors.Is(err, repository.ErrConflict):
		return ProblemDetails{
			Type:   "about:blank",
			Title:  "Conflict",
			Status: http.StatusConflict,
			Detail: "the record was changed concurrently; retry the request",
			Code:   "conflict",
		}
	case errors.As(err, &herr):
		title = http.StatusText(herr.Code)
		detail := fmt.Sprint(herr.Message)
		if herr.Internal != nil && herr.Code < http.StatusInternalServerError {
			detail = fmt.Sprintf("%s: %v", detail, herr.Internal)
		}
		return ProblemDetails{Type: "about:blank", Title: title, Status: herr.Code, Detail: detail}
	default:
		return ProblemDetails{
			Type:   "about:blank",
			Title:  "Internal Server Error",
			Status: http.StatusInternalServerError,
			Detail: "an unexpected error occurred",
		}
	}
}

// ErrorHandler writes every error returned by a handler as problem details.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := Problem(err)
		p.Instance = c.Request().URL.Path
		if p.Status >= http.StatusInternalServerError {
			logger.Error("Request failed", "method", c.Request().Method, "path", p.Instance, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(p.Status)
		} else {
			var body []byte
			body, err = json.Marshal(p)
			if err == nil {
				err = c.Blob(p.Status, problemContentType, body)
			}
		}
		if err != nil {
			logger.Error("Failed to write error response", "error", err)
		}
	}
}
