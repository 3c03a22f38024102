package main

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const hostDoc = `
listen:
  address: 127.0.0.1
  port: 18080
log:
  level: debug
  format: console
metrics:
  enabled: false
gateway:
  service:
    users:
      endpoint: %s
      headerExtension: [clientInfo]
      api:
        - path: /users/:id
          method: get
          beforeRequest: stripCookies
`

// echoBackend answers with the request URI and the headers the gateway set.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uri":     r.RequestURI,
			"client":  r.Header.Get("X-Client-IP"),
			"service": r.Header.Get("X-Gateway-Service"),
			"cookie":  r.Header.Get("Cookie"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func loadHostConfig(t *testing.T, doc string) *config.HostConfig {
	t.Helper()
	cfg, err := config.LoadConfigFromReader(strings.NewReader(doc))
	require.NoError(t, err)
	cfg.Listen.Port = 0
	return cfg
}

func startApp(t *testing.T, cfg *config.HostConfig) (*application, string) {
	t.Helper()
	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	require.NoError(t, app.listener.Start(context.Background()))
	t.Cleanup(func() { shutdown(app, nil) })
	return app, "http://" + app.listener.Addr().String()
}

func get(t *testing.T, url string, header http.Header) (int, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]string{}
	_ = json.Unmarshal(body, &out)
	return resp.StatusCode, out
}

func TestApplication_Serve(t *testing.T) {
	t.Parallel()

	backend := echoBackend(t)
	_, base := startApp(t, loadHostConfig(t, fmt.Sprintf(hostDoc, backend.URL)))

	status, body := get(t, base+"/api/proxy/users/users/5?x=1", http.Header{
		"Cookie": {"session=secret"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/users/5?x=1", body["uri"])
	assert.Equal(t, "127.0.0.1", body["client"])
	assert.Equal(t, "users", body["service"])
	assert.Empty(t, body["cookie"])

	resp, err := http.Get(base + "/api/proxy/users/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestApplication_Reload(t *testing.T) {
	t.Parallel()

	first := echoBackend(t)
	second := echoBackend(t)
	app, base := startApp(t, loadHostConfig(t, fmt.Sprintf(hostDoc, first.URL)))
	initial := app.current.Load()

	require.NoError(t, app.reload(config.Change{Current: loadHostConfig(t, fmt.Sprintf(hostDoc+`
    orders:
      endpoint: %s
      allowWildcard: true
      api: [/orders/*]
`, first.URL, second.URL))}))
	require.NotSame(t, initial, app.current.Load())

	status, body := get(t, base+"/api/proxy/orders/orders/a/b", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/orders/a/b", body["uri"])

	reloaded := app.current.Load()
	assert.Error(t, app.reload(config.Change{Current: loadHostConfig(t, `
gateway:
  service:
    broken:
      api: [/x]
`)}))
	assert.Same(t, reloaded, app.current.Load())

	status, _ = get(t, base+"/api/proxy/orders/orders/a", nil)
	assert.Equal(t, http.StatusOK, status)

	assert.InDelta(t, 1, testutil.ToFloat64(app.reloads.reloadTotal.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(app.reloads.reloadTotal.WithLabelValues("error")), 0)
}

func TestApplication_WatchedReload(t *testing.T) {
	t.Parallel()

	backend := echoBackend(t)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	doc := fmt.Sprintf(hostDoc, backend.URL)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	app, base := startApp(t, loadHostConfig(t, doc))
	watcher := startConfigWatcher(t.Context(), app, path)
	require.NotNil(t, watcher)
	t.Cleanup(func() { _ = watcher.Stop() })
	assert.InDelta(t, 1, testutil.ToFloat64(app.reloads.watcherStatus), 0)

	updated := doc + `
    orders:
      endpoint: ` + backend.URL + `
      api: [/orders/:id]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(app.reloads.reloadTotal.WithLabelValues("success")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	status, body := get(t, base+"/api/proxy/orders/orders/9", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/orders/9", body["uri"])

	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 0\n"), 0o600))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(app.reloads.reloadTotal.WithLabelValues("invalid")) >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApplication_Routes(t *testing.T) {
	t.Parallel()

	backend := echoBackend(t)
	_, base := startApp(t, loadHostConfig(t, fmt.Sprintf(hostDoc, backend.URL)))

	resp, err := http.Get(base + "/_gateway/routes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Routes []routeInfo `json:"routes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.NotEmpty(t, listing.Routes)
	assert.Equal(t, "users", listing.Routes[0].Service)
	assert.Equal(t, "/api/proxy/users/users/:id", listing.Routes[0].Route)
	assert.Equal(t, []string{"GET"}, listing.Routes[0].Methods)
	assert.Equal(t, "plainHttp", listing.Routes[0].Kind)
}

func TestApplication_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	backend := echoBackend(t)
	app, base := startApp(t, loadHostConfig(t, fmt.Sprintf(hostDoc, backend.URL)))

	status, _ := get(t, base+"/api/proxy/users/users/1", nil)
	require.Equal(t, http.StatusOK, status)

	for _, name := range []string{
		"svcproxy_router_routes",
		"svcproxy_http_requests_total",
		"svcproxy_build_info",
	} {
		count, err := testutil.GatherAndCount(app.gatherer(), name)
		require.NoError(t, err)
		assert.Positive(t, count, name)
	}

	srv := httptest.NewServer(app.metricsHandler(""))
	t.Cleanup(srv.Close)

	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestApplication_BackendTLS(t *testing.T) {
	t.Parallel()

	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"uri": r.RequestURI})
	}))
	t.Cleanup(backend.Close)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: backend.Certificate().Raw}
	require.NoError(t, os.WriteFile(caFile, pem.EncodeToMemory(block), 0o600))

	cfg := loadHostConfig(t, fmt.Sprintf(hostDoc, backend.URL))
	cfg.BackendTLS = &config.BackendTLSConfig{CAFile: caFile}
	_, base := startApp(t, cfg)

	status, body := get(t, base+"/api/proxy/users/users/3", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/users/3", body["uri"])

	cfg.BackendTLS = &config.BackendTLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}
	_, err := newApplication(context.Background(), cfg, observability.NopLogger())
	assert.ErrorContains(t, err, "backend TLS")
}

func TestApplication_RateLimit(t *testing.T) {
	t.Parallel()

	cfg := loadHostConfig(t, fmt.Sprintf(hostDoc, echoBackend(t).URL))
	cfg.Listen.RateLimit = &config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	_, base := startApp(t, cfg)

	status, _ := get(t, base+"/api/proxy/users/users/1", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := get(t, base+"/api/proxy/users/users/1", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestNewApplication_InvalidGateway(t *testing.T) {
	t.Parallel()

	cfg := loadHostConfig(t, `
gateway:
  service:
    users:
      api:
        - path: /x
          beforeRequest: unknownHook
`)
	_, err := newApplication(context.Background(), cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestLoadAndValidateConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(fmt.Sprintf(hostDoc, "http://users")), 0o600))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("log:\n  level: loud\n"), 0o600))

	cfg, err := loadAndValidateConfig(valid)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.Listen.Port)

	_, err = loadAndValidateConfig(invalid)
	assert.ErrorContains(t, err, "invalid configuration")

	_, err = loadAndValidateConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load configuration")
}

func TestLogConfig(t *testing.T) {
	t.Parallel()

	fileCfg := &config.HostConfig{Log: config.LogConfig{Level: "debug", Format: "console"}}

	tests := []struct {
		name   string
		flags  cliFlags
		cfg    *config.HostConfig
		level  string
		format string
	}{
		{name: "defaults", level: "info", format: "json"},
		{name: "file", cfg: fileCfg, level: "debug", format: "console"},
		{name: "flags win", flags: cliFlags{logLevel: "error"}, cfg: fileCfg, level: "error", format: "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := logConfig(tt.flags, tt.cfg)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.format, got.Format)
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Setenv("SVCPROXY_LOG_LEVEL", "warn")
	t.Setenv("SVCPROXY_CONFIG_PATH", "")

	flags := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-log-format", "console", "-version"})
	assert.Equal(t, "configs/gateway.yaml", flags.configPath)
	assert.Equal(t, "warn", flags.logLevel)
	assert.Equal(t, "console", flags.logFormat)
	assert.True(t, flags.showVersion)
}
