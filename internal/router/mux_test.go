package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", name)
		w.Header().Set("X-Id", util.PathParamsFromContext(r.Context())["id"])
		w.WriteHeader(http.StatusOK)
	})
}

func TestMux_FirstRegistrationWins(t *testing.T) {
	t.Parallel()

	m := NewMux()
	require.NoError(t, m.Handle("delete", "/api/items/:id", named("blocked")))
	require.NoError(t, m.Any("/api/items/:id", named("items")))
	require.NoError(t, m.Handle(http.MethodGet, "/api/items/special", named("special")))
	assert.Equal(t, 3, m.Len())

	tests := []struct {
		method  string
		path    string
		handler string
		id      string
	}{
		{method: http.MethodDelete, path: "/api/items/1", handler: "blocked", id: "1"},
		{method: http.MethodGet, path: "/api/items/2", handler: "items", id: "2"},
		{method: http.MethodGet, path: "/api/items/special", handler: "items", id: "special"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		m.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.handler, rec.Header().Get("X-Handler"), tt.method+" "+tt.path)
		assert.Equal(t, tt.id, rec.Header().Get("X-Id"))
	}
}

func TestMux_NotFound(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m := NewMux(WithMuxMetrics(metrics))
	require.NoError(t, m.Handle(http.MethodPost, "/api/x", named("x")))

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"code":"NOT FOUND","message":"Cannot GET /api/x"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("unmatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("matched")))

	custom := NewMux(WithNotFoundHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	rec = httptest.NewRecorder()
	custom.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMux_HandleErrors(t *testing.T) {
	t.Parallel()

	m := NewMux()
	assert.Error(t, m.Handle("FETCH", "/x", named("x")))
	assert.ErrorIs(t, m.Handle(http.MethodGet, "x", named("x")), ErrInvalidPattern)
	require.NoError(t, m.Handle(MethodAll, "/all", named("all")))

	_, _, ok := m.Lookup(http.MethodOptions, "/all")
	assert.True(t, ok)
}

func TestMetrics_SetTable(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	metrics.SetTable(newRouteTable([]*CompiledRoute{
		{Kind: KindPlainHTTP},
		{Kind: KindPlainHTTP},
		{Kind: KindWebSocket},
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.routes.WithLabelValues("plainHttp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.routes.WithLabelValues("websocket")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.SetTable(newRouteTable(nil))
		nilMetrics.recordDispatch(true)
	})
}
