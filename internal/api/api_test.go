package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

// testActor authenticates requests from the X-Test-Actor header ("role:id").
func testActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h := c.Request().Header.Get("X-Test-Actor"); h != "" {
			role, id, _ := strings.Cut(h, ":")
			ctx := auth.WithActor(c.Request().Context(), models.Actor{ID: id, Role: models.Role(role)})
			c.SetRequest(c.Request().WithContext(ctx))
		}
		return next(c)
	}
}

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	store, err := repository.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	svc := services.NewWorkflowService(store, workflow.Default(), auth.DefaultGate())
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logging.Discard())
	g := e.Group("/api/v1", testActor)
	RegisterHandlers(g, NewServer(svc, nil))
	return e
}

func do(e *echo.Echo, method, path, actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if actor != "" {
		req.Header.Set("X-Test-Actor", actor)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const (
	asPlant = "plant:plant@plant.example"
	asMaker = "maker:maker@maker.example"
	asDev   = "developer:dev@hq.example"
)

func createRepair(t *testing.T, e *echo.Echo) services.RecordView {
	t.Helper()
	res := do(e, http.MethodPost, "/api/v1/records", asPlant,
		`{"type":"repair","mold_id":"M-1","fields":{"problem_description":"cracked insert"}}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var rec services.RecordView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &rec))
	return rec
}

func problem(t *testing.T, res *httptest.ResponseRecorder) ProblemDetails {
	t.Helper()
	assert.Equal(t, problemContentType, res.Header().Get(echo.HeaderContentType))
	var p ProblemDetails
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &p))
	return p
}

func TestCreateAndGetRecord(t *testing.T) {
	e := newTestEcho(t)
	rec := createRepair(t, e)
	assert.Equal(t, workflow.RepairRequested, rec.Status)
	assert.Equal(t, "request", rec.Progress.Phase)

	res := do(e, http.MethodGet, "/api/v1/records/"+rec.ID, asMaker, "")
	require.Equal(t, http.StatusOK, res.Code)
	var got services.RecordView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &got))
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "cracked insert", got.Field(models.FieldProblemDescription))
}

func TestErrorMapping(t *testing.T) {
	e := newTestEcho(t)
	rec := createRepair(t, e)

	t.Run("forbidden role", func(t *testing.T) {
		res := do(e, http.MethodPost, "/api/v1/records/"+rec.ID+"/transitions", asMaker, `{"action":"acknowledge"}`)
		require.Equal(t, http.StatusForbidden, res.Code)
		p := problem(t, res)
		assert.Equal(t, "forbidden", p.Code)
		assert.Equal(t, "/api/v1/records/"+rec.ID+"/transitions", p.Instance)
	})

	t.Run("illegal transition", func(t *testing.T) {
		res := do(e, http.MethodPost, "/api/v1/records/"+rec.ID+"/transitions", asDev, `{"action":"start_liability"}`)
		require.Equal(t, http.StatusUnprocessableEntity, res.Code)
		assert.Equal(t, workflow.CodeIllegalTransition, problem(t, res).Code)
	})

	t.Run("missing action", func(t *testing.T) {
		res := do(e, http.MethodPost, "/api/v1/records/"+rec.ID+"/transitions", asDev, `{}`)
		require.Equal(t, http.StatusUnprocessableEntity, res.Code)
		assert.Equal(t, "action", problem(t, res).Field)
	})

	t.Run("missing reason", func(t *testing.T) {
		res := do(e, http.MethodPost, "/api/v1/records/"+rec.ID+"/transitions", asDev,
			`{"action":"select_repair_shop","payload":{"company":"X"}}`)
		require.Equal(t, http.StatusOK, res.Code)
		res = do(e, http.MethodPost, "/api/v1/records/"+rec.ID+"/transitions", asDev, `{"action":"reject_repair_shop"}`)
		require.Equal(t, http.StatusUnprocessableEntity, res.Code)
		p := problem(t, res)
		assert.Equal(t, workflow.CodeMissingField, p.Code)
		assert.Equal(t, workflow.PayloadReason, p.Field)
	})

	t.Run("unknown record", func(t *testing.T) {
		res := do(e, http.MethodGet, "/api/v1/records/does-not-exist", asDev, "")
		require.Equal(t, http.StatusNotFound, res.Code)
		assert.Equal(t, http.StatusNotFound, problem(t, res).Status)
	})

	t.Run("create forbidden", func(t *testing.T) {
		res := do(e, http.MethodPost, "/api/v1/records", asMaker, `{"type":"checklist_master","mold_id":"M-2"}`)
		require.Equal(t, http.StatusForbidden, res.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		res := do(e, http.MethodPost, "/api/v1/records", asPlant, `{"type":`)
		require.Equal(t, http.StatusBadRequest, res.Code)
		problem(t, res)
	})

	t.Run("bad query parameter", func(t *testing.T) {
		res := do(e, http.MethodGet, "/api/v1/records?limit=many", asDev, "")
		require.Equal(t, http.StatusBadRequest, res.Code)
		assert.Contains(t, problem(t, res).Detail, "limit")
	})

	t.Run("no actor", func(t *testing.T) {
		res := do(e, http.MethodGet, "/api/v1/me", "", "")
		require.Equal(t, http.StatusUnauthorized, res.Code)
	})
}

func TestProblem_Conflict(t *testing.T) {
	p := Problem(fmt.Errorf("failed to apply transition: %w", repository.ErrConflict))
	assert.Equal(t, http.StatusConflict, p.Status)
	assert.Equal(t, "conflict", p.Code)
}

func TestTransitionReplay(t *testing.T) {
	e := newTestEcho(t)
	rec := createRepair(t, e)
	path := "/api/v1/records/" + rec.ID + "/transitions"

	res := do(e, http.MethodPost, path, asDev, `{"action":"acknowledge","workflow_type":"repair"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var first services.TransitionResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &first))
	assert.False(t, first.Replayed)
	assert.Equal(t, workflow.RepairShopSelection, first.Record.Status)

	res = do(e, http.MethodPost, path, asDev, `{"action":"acknowledge"}`)
	require.Equal(t, http.StatusOK, res.Code)
	var again services.TransitionResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &again))
	assert.True(t, again.Replayed)

	res = do(e, http.MethodGet, "/api/v1/records/"+rec.ID+"/history", asDev, "")
	require.Equal(t, http.StatusOK, res.Code)
	var events []models.TransitionEvent
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &events))
	assert.Len(t, events, 2)
}

func TestListAndActions(t *testing.T) {
	e := newTestEcho(t)
	rec := createRepair(t, e)

	res := do(e, http.MethodGet, "/api/v1/records?type=repair&mold_id=M-1&limit=10", asDev, "")
	require.Equal(t, http.StatusOK, res.Code)
	var list []services.RecordView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	require.Len(t, list, 1)

	res = do(e, http.MethodGet, "/api/v1/records?type=transfer", asDev, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `[]`, res.Body.String())

	res = do(e, http.MethodGet, "/api/v1/records/"+rec.ID+"/actions", asDev, "")
	require.Equal(t, http.StatusOK, res.Code)
	var set services.ActionSet
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &set))
	actions := make([]models.Action, 0, len(set.Actions))
	for _, a := range set.Actions {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, workflow.ActionAcknowledge)
	assert.Contains(t, actions, workflow.ActionSelectRepairShop)

	res = do(e, http.MethodGet, "/api/v1/definitions", asMaker, "")
	require.Equal(t, http.StatusOK, res.Code)
	var defs []services.DefinitionView
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &defs))
	assert.Len(t, defs, 5)
}

func TestUpdateDraftAndNotifications(t *testing.T) {
	e := newTestEcho(t)
	rec := createRepair(t, e)

	res := do(e, http.MethodPatch, "/api/v1/records/"+rec.ID, asPlant, `{"fields":{"problem_description":"cracked and worn"}}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = do(e, http.MethodGet, "/api/v1/notifications?unread=true", asPlant, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `[]`, res.Body.String())

	res = do(e, http.MethodPost, "/api/v1/notifications/missing/read", asPlant, "")
	assert.Equal(t, http.StatusNotFound, res.Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(stubPinger{}).HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(stubPinger{err: errors.New("connection refused")}).HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
}

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(OpenAPISpec()), &doc))

	e := newTestEcho(t)
	param := regexp.MustCompile(`:(\w+)`)
	for _, r := range e.Routes() {
		if !strings.HasPrefix(r.Path, "/api/v1/") || strings.Contains(r.Path, "*") {
			continue
		}
		path := param.ReplaceAllString(strings.TrimPrefix(r.Path, "/api/v1"), "{$1}")
		ops, ok := doc.Paths[path]
		if !assert.True(t, ok, "undocumented path %s", path) {
			continue
		}
		assert.Contains(t, ops, strings.ToLower(r.Method), "undocumented %s %s", r.Method, path)
	}
}

func TestSpecHandlerSubstitutesIssuer(t *testing.T) {
	rec := httptest.NewRecorder()
	SpecHandler("https://example.okta.com/oauth2/default").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Contains(t, rec.Body.String(), "https://example.okta.com/oauth2/default/v1/authorize")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")
}

func TestSwaggerHandlerFillsPlaceholders(t *testing.T) {
	rec := httptest.NewRecorder()
	SwaggerHandler("https://example.okta.com/oauth2/default", "swagger-client").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `clientId: "swagger-client"`)
	assert.Contains(t, body, "http://example.com/docs/oauth2-redirect.html")
	assert.Contains(t, body, "workflow:write")
	assert.NotContains(t, body, "${")
}
