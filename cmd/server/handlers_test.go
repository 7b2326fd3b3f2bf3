package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/lychee-technology/keel"
	"github.com/lychee-technology/keel/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type testServer struct {
	server  *Server
	backend *internal.MemoryBackend
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry, err := internal.LoadSchemaDirectory("../../internal/testdata/schemas")
	require.NoError(t, err)

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	store := internal.NewSQLCounterStore(db, "next_id", internal.PlaceholderStyleForDriver("sqlite"))
	require.NoError(t, store.EnsureTable(ctx))
	require.NoError(t, store.EnsureCounter(ctx, "GLOBAL", 500))

	backend := internal.NewMemoryBackend(registry)
	keyGen := internal.NewStrategyKeyGenerator(registry, internal.NewCounterKeyGenerator(store, keel.KeyGenerationConfig{GroupSize: 10}))
	manager := internal.NewSaveOrchestrator(registry, backend, keyGen)

	s := NewServer(manager, registry, keel.DefaultConfig().SaveOptions())
	s.RegisterRoutes()
	return &testServer{server: s, backend: backend}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.server.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleSaveInsertsGraph(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{
		"entities": []map[string]any{
			{"type": "Order", "state": "added", "values": map[string]any{
				"id": -2, "customerId": -1, "status": "open", "quantity": 3,
				"shipping": map[string]any{"city": "Porto"},
			}},
			{"type": "Customer", "values": map[string]any{"id": -1, "name": "Ada"}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.JSONEq(t, `[]`, string(raw["entityErrors"]))

	var resp saveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.EntityErrors)
	require.Len(t, resp.KeyMappings, 2)
	require.Len(t, resp.Entities, 2)

	byType := map[string]*keel.Entity{}
	for _, e := range resp.Entities {
		byType[e.Type] = e
	}
	assert.Equal(t, float64(500), byType["Customer"].Values["id"])
	assert.Equal(t, float64(501), byType["Order"].Values["id"])
	assert.Equal(t, float64(500), byType["Order"].Values["customerId"])
	assert.NotContains(t, byType["Order"].Values, "customer")
	assert.Equal(t, 1, ts.backend.Count("Order"))
}

func TestHandleSaveReportsValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{
		"entities": []map[string]any{
			{"type": "Customer", "values": map[string]any{"id": -1, "tier": "platinum"}},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp saveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	names := map[string]string{}
	for _, e := range resp.EntityErrors {
		names[e.PropertyName] = e.ErrorName
	}
	assert.Equal(t, map[string]string{"name": "required", "tier": "enum"}, names)
	assert.Equal(t, 0, ts.backend.Count("Customer"))
}

func TestHandleSaveThrowingValidationReturnsEntityErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{
		"throwIfInvalid": true,
		"entities": []map[string]any{
			{"type": "Customer", "values": map[string]any{"id": -1, "name": "Ada"}},
			{"type": "Customer", "values": map[string]any{"id": -2}},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp saveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.EntityErrors, 1)
	assert.Equal(t, "required", resp.EntityErrors[0].ErrorName)
	assert.Empty(t, resp.Entities)
	assert.Empty(t, resp.KeyMappings)
	assert.Equal(t, 0, ts.backend.Count("Customer"))
}

func TestHandleSaveReportsConstraintViolations(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{
		"entities": []map[string]any{
			{"type": "Order", "values": map[string]any{
				"id": -1, "customerId": 42, "status": "open", "shipping": map[string]any{"city": "Porto"},
			}},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp saveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.EntityErrors, 1)
	assert.Equal(t, "foreign_key_violation", resp.EntityErrors[0].ErrorName)
	assert.Empty(t, resp.KeyMappings)
}

func TestHandleSaveRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/save", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/save", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	ts.server.mux.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{"entities": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{
		"entities": []map[string]any{{"type": "Invoice", "values": map[string]any{}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown entity type")

	rec = ts.do(t, http.MethodPost, "/api/v1/save", map[string]any{
		"entities": []map[string]any{{"type": "Customer", "state": "archived", "values": map[string]any{}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSchemas(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/schemas", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []schemaSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Equal(t, "Customer", out[0].Name)
	assert.Equal(t, "customers", out[0].Table)
	assert.Equal(t, []string{"customer -> Customer", "shipping.warehouse -> Warehouse"}, out[1].Navigations)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts.server.AddHealthCheck("journal", func(context.Context) error { return errors.New("head bucket saves: NotFound") })
	rec = ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report internal.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Healthy)
	assert.Equal(t, "head bucket saves: NotFound", report.Checks["journal"])
}
