package corekit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiagnosticsFixture(t *testing.T) (*ServiceRegistry, *stubService, *FlagEvaluator, http.Handler) {
	t.Helper()
	r := NewServiceRegistry(NopLogger{}, WithCriticalServices("auth"))
	auth := newStub("auth-impl", nil)
	require.NoError(t, r.Register("auth", func() Service { return auth }))
	require.NoError(t, r.InitializeAll(context.Background()))

	e := NewFlagEvaluator(NopLogger{}, WithFlags(map[string]*FlagConfig{
		"new-dashboard": {Enabled: true},
	}))

	d := NewDiagnosticsHandler(r, e)
	return r, auth, e, d.Routes()
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDiagnosticsHealth(t *testing.T) {
	t.Parallel()
	_, auth, _, handler := newDiagnosticsFixture(t)

	rec := get(t, handler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var agg AggregatedHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.True(t, agg.IsHealthy)
	assert.Contains(t, agg.Services, "auth")

	auth.healthy = false
	rec = get(t, handler, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDiagnosticsServices(t *testing.T) {
	t.Parallel()
	_, _, _, handler := newDiagnosticsFixture(t)

	rec := get(t, handler, "/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Services []string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"auth"}, body.Services)
}

func TestDiagnosticsServiceInfo(t *testing.T) {
	t.Parallel()
	_, _, _, handler := newDiagnosticsFixture(t)

	rec := get(t, handler, "/services/auth")
	require.Equal(t, http.StatusOK, rec.Code)

	var info ServiceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "auth", info.Token)
	assert.True(t, info.Critical)
	assert.Equal(t, "auth-impl", info.Implementation)

	rec = get(t, handler, "/services/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiagnosticsFlags(t *testing.T) {
	t.Parallel()
	_, _, _, handler := newDiagnosticsFixture(t)

	rec := get(t, handler, "/flags")
	require.Equal(t, http.StatusOK, rec.Code)

	var flags map[string]FlagState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flags))
	assert.True(t, flags["new-dashboard"].Resolved)
	assert.True(t, flags[FlagAuthentication].Resolved, "core flags appear in the export")
}

func TestDiagnosticsWithoutBackends(t *testing.T) {
	t.Parallel()
	handler := NewDiagnosticsHandler(nil, nil).Routes()

	for _, path := range []string{"/health", "/services", "/services/auth", "/flags"} {
		rec := get(t, handler, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, "path %s", path)
	}
}
