package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"moldflow/backend/internal/api"
	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/config"
	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/notify"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPolicyShow(t *testing.T) {
	out, err := execute(t, "policy", "show")
	require.NoError(t, err)

	var p auth.Policy
	require.NoError(t, yaml.Unmarshal([]byte(out), &p))
	assert.Contains(t, p.Workflows, models.TypeRepair)
	assert.Contains(t, p.Workflows[models.TypeScrap], models.Action("approve"))
}

func TestPolicyCheck(t *testing.T) {
	out, err := execute(t, "policy", "check")
	require.NoError(t, err)
	assert.Equal(t, "Policy OK\n", out)
}

func TestIssueToken(t *testing.T) {
	t.Setenv("MOLDFLOW_AUTH_TOKEN_SECRET", "s3cret")

	out, err := execute(t, "issue-token", "--email", "mes@plant.example", "--role", "plant")
	require.NoError(t, err)

	claims, err := auth.NewTokenIssuer("s3cret", time.Hour).Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "mes@plant.example", claims.Email)
	assert.Equal(t, models.RolePlant, claims.Role)
}

func TestIssueToken_Errors(t *testing.T) {
	t.Setenv("MOLDFLOW_AUTH_TOKEN_SECRET", "")
	_, err := execute(t, "issue-token", "--email", "mes@plant.example", "--role", "plant")
	assert.ErrorContains(t, err, "token_secret")

	t.Setenv("MOLDFLOW_AUTH_TOKEN_SECRET", "s3cret")
	_, err = execute(t, "issue-token", "--email", "mes@plant.example", "--role", "janitor")
	assert.ErrorContains(t, err, "unknown role")
}

func TestNewEcho_DevBypass(t *testing.T) {
	ctx := context.Background()
	store, err := repository.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cfg := &config.Config{Environment: "DEV", DevModeBypass: true}
	logger := logging.Discard()
	authz, err := auth.New(ctx, cfg, store, logger)
	require.NoError(t, err)

	svc := services.NewWorkflowService(store, workflow.Default(), auth.DefaultGate())
	e := newEcho(cfg, logger, authz, svc, notify.NewHub(logger), api.NewHandler(store))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("X-Dev-User", "line1@plant.example")
	req.Header.Set("X-Actor-Role", "plant")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var me models.Actor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "line1@plant.example", me.ID)
	assert.Equal(t, models.RolePlant, me.Role)
	assert.NotEmpty(t, me.CompanyID)

	req = httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
