package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/evaloor/pkg/cache"
	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/metastore"
	"github.com/ethpandaops/evaloor/pkg/objstore"
	"github.com/ethpandaops/evaloor/pkg/runs"
)

// setupTestServer wires the full stack against in-memory sqlite, a
// temp-dir object store and the in-process cache, and returns the
// router behind an httptest server.
func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	meta := metastore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, meta.Start(context.Background()))

	t.Cleanup(func() { _ = meta.Stop() })

	objects := objstore.NewLocal(log, &config.LocalStorageConfig{
		Enabled: true,
		Path:    t.TempDir(),
	})

	c := cache.NewMemory()

	t.Cleanup(func() { _ = c.Close() })

	s := &server{
		log:     log,
		cfg:     &config.Config{},
		cache:   c,
		meta:    meta,
		objects: objects,
		runs:    runs.NewService(log, c, meta, objects, 5*time.Minute),
	}

	ts := httptest.NewServer(s.buildRouter())
	t.Cleanup(ts.Close)

	return ts
}

// doRequest issues a request with the tenant identity header set.
func doRequest(
	t *testing.T, ts *httptest.Server,
	method, path, tenantID string, body []byte,
) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		context.Background(), method, ts.URL+path, bytes.NewReader(body),
	)
	require.NoError(t, err)

	if tenantID != "" {
		req.Header.Set(headerAgentID, tenantID)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

// registerTestDeps registers a dataset and configuration for a tenant.
func registerTestDeps(t *testing.T, ts *httptest.Server, tenantID string) {
	t.Helper()

	resp := doRequest(t, ts, http.MethodPut,
		"/api/v1/eval/artifacts/datasets/d1", tenantID,
		[]byte(`[{"query":"q"}]`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodPut,
		"/api/v1/eval/artifacts/metricsconfiguration/c1", tenantID,
		[]byte(`[{"metricName":"F1 Score"}]`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func createTestRun(t *testing.T, ts *httptest.Server, tenantID string) runResponse {
	t.Helper()

	resp := doRequest(t, ts, http.MethodPost,
		"/api/v1/eval/runs", tenantID,
		[]byte(`{
			"datasetId": "d1",
			"metricsConfigurationId": "c1",
			"evaluationType": "rag",
			"environment": "staging",
			"agentSchemaName": "assistant-v2",
			"name": "nightly"
		}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	return decodeBody[runResponse](t, resp)
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	resp := doRequest(t, ts, http.MethodGet, "/api/v1/eval/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestRequireTenant(t *testing.T) {
	ts := setupTestServer(t)

	resp := doRequest(t, ts, http.MethodGet, "/api/v1/eval/runs", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, codeUnauthorized, body.Code)
}

func TestHandleCreateRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts := setupTestServer(t)
		registerTestDeps(t, ts, "agent-1")

		run := createTestRun(t, ts, "agent-1")

		assert.NotEmpty(t, run.EvalRunID)
		assert.Equal(t, "agent-1", run.AgentID)
		assert.Equal(t, "Queued", run.Status)
		assert.Nil(t, run.StartedAt)
		assert.Nil(t, run.EndedAt)
	})

	t.Run("missing dependency maps to 404", func(t *testing.T) {
		ts := setupTestServer(t)

		resp := doRequest(t, ts, http.MethodPost,
			"/api/v1/eval/runs", "agent-1",
			[]byte(`{"datasetId":"d1","metricsConfigurationId":"c1"}`))
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		body := decodeBody[errorResponse](t, resp)
		assert.Equal(t, codeDependencyNotFound, body.Code)
	})

	t.Run("validation failure maps to 400 with fields", func(t *testing.T) {
		ts := setupTestServer(t)

		resp := doRequest(t, ts, http.MethodPost,
			"/api/v1/eval/runs", "agent-1",
			[]byte(`{"datasetId":"","metricsConfigurationId":""}`))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decodeBody[errorResponse](t, resp)
		assert.Equal(t, codeValidation, body.Code)
		assert.NotEmpty(t, body.Fields)
	})

	t.Run("malformed body maps to 400", func(t *testing.T) {
		ts := setupTestServer(t)

		resp := doRequest(t, ts, http.MethodPost,
			"/api/v1/eval/runs", "agent-1", []byte(`{not json`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleGetRun(t *testing.T) {
	ts := setupTestServer(t)
	registerTestDeps(t, ts, "agent-1")

	created := createTestRun(t, ts, "agent-1")

	resp := doRequest(t, ts, http.MethodGet,
		"/api/v1/eval/runs/"+created.EvalRunID, "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[runResponse](t, resp)
	assert.Equal(t, created.EvalRunID, got.EvalRunID)

	// Another tenant gets 404, not 403: run existence is not leaked.
	resp = doRequest(t, ts, http.MethodGet,
		"/api/v1/eval/runs/"+created.EvalRunID, "agent-2", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, codeNotFound, body.Code)
}

func TestHandleListRuns(t *testing.T) {
	ts := setupTestServer(t)
	registerTestDeps(t, ts, "agent-1")

	createTestRun(t, ts, "agent-1")
	createTestRun(t, ts, "agent-1")

	resp := doRequest(t, ts, http.MethodGet,
		"/api/v1/eval/runs", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decodeBody[[]runResponse](t, resp)
	assert.Len(t, list, 2)

	t.Run("window excludes everything", func(t *testing.T) {
		start := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)

		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/runs?start="+start, "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		list := decodeBody[[]runResponse](t, resp)
		assert.Empty(t, list)
	})

	t.Run("invalid window timestamp", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/runs?start=yesterday", "agent-1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("empty tenant gets empty list", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/runs", "agent-2", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		list := decodeBody[[]runResponse](t, resp)
		assert.Empty(t, list)
	})
}

func TestHandleTransitionStatus(t *testing.T) {
	ts := setupTestServer(t)
	registerTestDeps(t, ts, "agent-1")

	created := createTestRun(t, ts, "agent-1")
	statusPath := "/api/v1/eval/runs/" + created.EvalRunID + "/status"

	resp := doRequest(t, ts, http.MethodPut, statusPath,
		"agent-1", []byte(`{"status":"Running"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	running := decodeBody[runResponse](t, resp)
	assert.Equal(t, "Running", running.Status)
	assert.NotNil(t, running.StartedAt)

	resp = doRequest(t, ts, http.MethodPut, statusPath,
		"agent-1", []byte(`{"status":"Completed"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	completed := decodeBody[runResponse](t, resp)
	assert.Equal(t, "Completed", completed.Status)
	assert.NotNil(t, completed.EndedAt)

	t.Run("terminal run rejects further transitions", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodPut, statusPath,
			"agent-1", []byte(`{"status":"Running"}`))
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		body := decodeBody[errorResponse](t, resp)
		assert.Equal(t, codeIllegalTransition, body.Code)
	})

	t.Run("unknown status maps to 400", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodPut, statusPath,
			"agent-1", []byte(`{"status":"Paused"}`))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		body := decodeBody[errorResponse](t, resp)
		assert.Equal(t, codeValidation, body.Code)
	})
}

func TestArtifactEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	registerTestDeps(t, ts, "agent-1")

	created := createTestRun(t, ts, "agent-1")

	t.Run("enriched dataset round-trip", func(t *testing.T) {
		payload := []byte(`[{"query":"q","actualResponse":"a"}]`)
		path := "/api/v1/eval/artifacts/enriched-dataset/" + created.EvalRunID

		resp := doRequest(t, ts, http.MethodPut, path, "agent-1", payload)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doRequest(t, ts, http.MethodGet, path, "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, buf.Bytes())
	})

	t.Run("result round-trip and listing", func(t *testing.T) {
		payload := []byte(`{"metricSummaries":[]}`)
		base := "/api/v1/eval/artifacts/results/" + created.EvalRunID

		resp := doRequest(t, ts, http.MethodPut,
			base+"/summary.json", "agent-1", payload)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = doRequest(t, ts, http.MethodGet,
			base+"/summary.json", "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, buf.Bytes())

		resp = doRequest(t, ts, http.MethodGet, base, "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		names := decodeBody[[]string](t, resp)
		assert.Equal(t, []string{"summary.json"}, names)
	})

	t.Run("listing a run with no results is empty, not null", func(t *testing.T) {
		fresh := createTestRun(t, ts, "agent-1")

		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/artifacts/results/"+fresh.EvalRunID, "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, buf.String())
	})

	t.Run("missing result maps to 404", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/artifacts/results/"+created.EvalRunID+"/missing.json",
			"agent-1", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		body := decodeBody[errorResponse](t, resp)
		assert.Equal(t, codeNotFound, body.Code)
	})

	t.Run("saving against another tenant's run maps to 404", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodPut,
			"/api/v1/eval/artifacts/enriched-dataset/"+created.EvalRunID,
			"agent-2", []byte(`[]`))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("registered dataset content round-trip", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/artifacts/datasets/d1", "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, `[{"query":"q"}]`, buf.String())
	})

	t.Run("registered configuration content round-trip", func(t *testing.T) {
		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/artifacts/metricsconfiguration/c1", "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var buf bytes.Buffer
		_, err := buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, `[{"metricName":"F1 Score"}]`, buf.String())
	})
}

func TestRateLimit(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	meta := metastore.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, meta.Start(context.Background()))

	t.Cleanup(func() { _ = meta.Stop() })

	objects := objstore.NewLocal(log, &config.LocalStorageConfig{
		Enabled: true,
		Path:    t.TempDir(),
	})

	c := cache.NewMemory()

	t.Cleanup(func() { _ = c.Close() })

	s := &server{
		log: log,
		cfg: &config.Config{
			Server: config.ServerConfig{
				RateLimit: config.RateLimitConfig{
					Enabled:           true,
					RequestsPerMinute: 3,
				},
			},
		},
		cache:   c,
		meta:    meta,
		objects: objects,
		runs:    runs.NewService(log, c, meta, objects, 5*time.Minute),
	}

	ts := httptest.NewServer(s.buildRouter())
	t.Cleanup(ts.Close)

	// The burst covers the full per-minute budget; the next request
	// within the same window is rejected.
	for range 3 {
		resp := doRequest(t, ts, http.MethodGet,
			"/api/v1/eval/runs", "agent-1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := doRequest(t, ts, http.MethodGet,
		"/api/v1/eval/runs", "agent-1", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, codeRateLimited, body.Code)

	// Public endpoints are not budgeted.
	resp = doRequest(t, ts, http.MethodGet, "/api/v1/eval/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleCacheStats(t *testing.T) {
	ts := setupTestServer(t)
	registerTestDeps(t, ts, "agent-1")

	created := createTestRun(t, ts, "agent-1")

	// The create populated the cache; this read hits.
	resp := doRequest(t, ts, http.MethodGet,
		"/api/v1/eval/runs/"+created.EvalRunID, "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, ts, http.MethodGet,
		"/api/v1/eval/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeBody[cache.Stats](t, resp)
	assert.Positive(t, stats.Hits)
}
