package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
	"github.com/vyrodovalexey/svcproxy/internal/router"
	"github.com/vyrodovalexey/svcproxy/internal/signing"
	"github.com/vyrodovalexey/svcproxy/internal/upload"
	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// echoed is what the echo backend reports about a received request.
type echoed struct {
	Method      string              `json:"method"`
	URI         string              `json:"uri"`
	Body        string              `json:"body"`
	ContentType string              `json:"contentType"`
	Header      map[string][]string `json:"header"`
}

func newEchoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "echo")
		_ = json.NewEncoder(w).Encode(echoed{
			Method:      r.Method,
			URI:         r.RequestURI,
			Body:        string(body),
			ContentType: r.Header.Get("Content-Type"),
			Header:      r.Header,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRoute(route, path, endpoint string) *router.CompiledRoute {
	return &router.CompiledRoute{
		Service:                "users",
		Route:                  route,
		Pattern:                router.MustCompilePattern(route),
		Path:                   path,
		Kind:                   router.KindPlainHTTP,
		Endpoint:               endpoint,
		Timeout:                5 * time.Second,
		UseQuerystringInDelete: true,
	}
}

func serve(t *testing.T, tr *Transformer, route *router.CompiledRoute, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	tr.Handler(route).ServeHTTP(rec, r)
	return rec
}

func decodeEcho(t *testing.T, rec *httptest.ResponseRecorder) echoed {
	t.Helper()
	var got echoed
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

func TestTransformer_PathAndQuery(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New()

	tests := []struct {
		name    string
		method  string
		target  string
		body    string
		wantURI string
	}{
		{
			name:    "GET shadows defaults",
			method:  http.MethodGet,
			target:  "/users/42?lang=fr&x=1",
			wantURI: "/v1/users/42?page=1&lang=fr&x=1",
		},
		{
			name:    "POST overrides defaults in place",
			method:  http.MethodPost,
			target:  "/users/42?lang=fr&x=1",
			body:    `{"a":1}`,
			wantURI: "/v1/users/42?lang=fr&page=1&x=1",
		},
		{
			name:    "escaped capture stays escaped",
			method:  http.MethodGet,
			target:  "/users/a%2Fb",
			wantURI: "/v1/users/a%2Fb?lang=en&page=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			route := newRoute("/users/:id", "/v1/users/:id", srv.URL)
			route.DefaultQuery = util.ParseQuery("lang=en&page=1")

			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.target, body)
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}

			rec := serve(t, tr, route, req)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantURI, decodeEcho(t, rec).URI)
			assert.Equal(t, "echo", rec.Header().Get("X-Backend"))
		})
	}
}

func TestTransformer_DataPlacement(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New()
	yes, no := true, false

	tests := []struct {
		name        string
		method      string
		inDelete    bool
		dataAsQuery *bool
		wantURI     string
		wantBody    string
	}{
		{name: "GET data in query", method: http.MethodGet, wantURI: "/items?id=7&name=x"},
		{name: "DELETE query by default", method: http.MethodDelete, inDelete: true, wantURI: "/items?id=7&name=x"},
		{name: "DELETE body when disabled", method: http.MethodDelete, wantURI: "/items", wantBody: `{"id":7,"name":"x"}`},
		{name: "POST body", method: http.MethodPost, wantURI: "/items", wantBody: `{"id":7,"name":"x"}`},
		{name: "POST forced query", method: http.MethodPost, dataAsQuery: &yes, wantURI: "/items?id=7&name=x"},
		{name: "DELETE forced body", method: http.MethodDelete, inDelete: true, dataAsQuery: &no, wantURI: "/items", wantBody: `{"id":7,"name":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			route := newRoute("/items", "/items", srv.URL)
			route.UseQuerystringInDelete = tt.inDelete
			route.DataAsQueryString = tt.dataAsQuery

			req := httptest.NewRequest(tt.method, "/items", strings.NewReader(`{"name":"x","id":7}`))
			req.Header.Set("Content-Type", "application/json")

			rec := serve(t, tr, route, req)
			require.Equal(t, http.StatusOK, rec.Code)

			got := decodeEcho(t, rec)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.wantURI, got.URI)
			if tt.wantBody == "" {
				assert.Empty(t, got.Body)
			} else {
				assert.JSONEq(t, tt.wantBody, got.Body)
			}
		})
	}
}

func TestTransformer_BodyConversion(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New()

	route := newRoute("/items", "/items", srv.URL)
	route.ContentType = "application/x-www-form-urlencoded"

	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"b":"2","a":"1"}`))
	req.Header.Set("Content-Type", "application/json")

	got := decodeEcho(t, serve(t, tr, route, req))
	assert.Equal(t, "a=1&b=2", got.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", got.ContentType)
}

func TestTransformer_OpaqueBody(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New()
	route := newRoute("/blob", "/blob", srv.URL)

	req := httptest.NewRequest(http.MethodPut, "/blob", bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	req.Header.Set("Content-Type", "application/octet-stream")

	got := decodeEcho(t, serve(t, tr, route, req))
	assert.Equal(t, "\x00\x01\x02", got.Body)
	assert.Equal(t, "application/octet-stream", got.ContentType)
}

func TestTransformer_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New()
	route := newRoute("/items", "/items", srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"a":`))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(t, tr, route, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "proxy error")
	assert.NotContains(t, rec.Body.String(), "users")
}

func TestTransformer_BodyTooLarge(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New(WithMaxBodySize(8))
	route := newRoute("/items", "/items", srv.URL)

	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"name":"far too long"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(t, tr, route, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var body util.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "REQUEST ENTITY TOO LARGE", body.Code)
	assert.Equal(t, ErrBodyTooLarge.Error(), body.Message)
}

func TestTransformer_Headers(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New(WithAllowList("X-Tenant", "Authorization"))

	route := newRoute("/users/:id", "/users/:id", srv.URL)
	route.Headers = map[string]string{"X-Static": "static", "X-Tenant": "forced"}
	route.Extensions = []headers.Extension{
		&headers.FuncSource{FuncName: "user", Fn: func(_ context.Context, in *headers.Input) (map[string]string, error) {
			return map[string]string{"X-User": in.Params["id"], "X-Static": "lost"}, nil
		}},
		&headers.FuncSource{FuncName: "broken", Fn: func(context.Context, *headers.Input) (map[string]string, error) {
			return nil, errors.New("lookup failed")
		}},
	}

	req := httptest.NewRequest(http.MethodGet, "/users/9", nil)
	req.Header.Set("X-Tenant", "acme")
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("Accept-Language", "de")

	rec := serve(t, tr, route, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got := http.Header(decodeEcho(t, rec).Header)
	assert.Equal(t, "forced", got.Get("X-Tenant"))
	assert.Equal(t, "static", got.Get("X-Static"))
	assert.Equal(t, "9", got.Get("X-User"))
	assert.Equal(t, "Bearer abc", got.Get("Authorization"))
	assert.Equal(t, "de", got.Get("Accept-Language"))
	assert.Empty(t, got.Get("Cookie"))
	assert.Equal(t, "http", got.Get("X-Forwarded-Proto"))
	assert.Equal(t, "example.com", got.Get("X-Forwarded-Host"))
	assert.Equal(t, "192.0.2.1", got.Get("X-Forwarded-For"))
}

func TestTransformer_DefaultErrorCode(t *testing.T) {
	t.Parallel()

	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("down"))
	}))
	t.Cleanup(srv.Close)

	tr := New()

	route := newRoute("/*", "/*", srv.URL)
	route.DefaultErrorCode = 599

	rec := serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, 599, rec.Code)
	assert.Equal(t, "down", rec.Body.String())

	rec = serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	route.DefaultErrorCode = 0
	rec = serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTransformer_SignedRoute(t *testing.T) {
	t.Parallel()

	verified := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := signing.VerifyHMAC(r.Method, r.RequestURI, r.Header, func(id string) (string, bool) {
			return "s3cret", id == "AK1"
		})
		if err == nil && r.Header.Get(signing.HeaderRequestFrom) == "" {
			err = errors.New("missing browser marker")
		}
		verified <- err
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	route := newRoute("/orders/:id", "/orders/:id", srv.URL)
	route.Kind = router.KindSignedService
	route.Signer = signing.HMACSigner{}
	route.Credentials = signing.Credentials{AccessKeyID: "AK1", AccessKeySecret: "s3cret"}
	route.DefaultQuery = util.ParseQuery("v=2")

	rec := serve(t, New(), route, httptest.NewRequest(http.MethodGet, "/orders/5?x=1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoError(t, <-verified)
}

func TestTransformer_Pipe(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	route := newRoute("/stream", "/stream", srv.URL)
	route.Pipe = true

	req := httptest.NewRequest(http.MethodPost, "/stream?a=1", strings.NewReader(`{"not":"parsed"`))
	req.Header.Set("Content-Type", "application/json")

	got := decodeEcho(t, serve(t, New(), route, req))
	assert.Equal(t, `{"not":"parsed"`, got.Body)
	assert.Equal(t, "/stream?a=1", got.URI)
}

func TestTransformer_FixedStatusAndNotFound(t *testing.T) {
	t.Parallel()

	tr := New()

	fixed := newRoute("/health", "/health", "")
	fixed.Kind = router.KindFixedStatus
	fixed.Status = http.StatusTeapot
	rec := serve(t, tr, fixed, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Body.String())

	missing := newRoute("/admin/*", "/admin/*", "")
	missing.Kind = router.KindNotFound
	rec = serve(t, tr, missing, httptest.NewRequest(http.MethodDelete, "/admin/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Cannot DELETE /admin/x")
}

func TestTransformer_BackendFailures(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	tr := New()

	route := newRoute("/x", "/x", slow.URL)
	route.Timeout = 50 * time.Millisecond
	rec := serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend timed out")

	route = newRoute("/x", "/x", closedURL)
	rec = serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), closedURL)
}

func TestTransformer_Hooks(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	tr := New()

	t.Run("before request edits the call", func(t *testing.T) {
		t.Parallel()

		route := newRoute("/x", "/x", srv.URL)
		route.BeforeRequest = func(_ context.Context, _ *http.Request, call *backend.Call) error {
			call.Header.Set("X-Hooked", "1")
			return nil
		}
		got := decodeEcho(t, serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil)))
		assert.Equal(t, "1", http.Header(got.Header).Get("X-Hooked"))
	})

	t.Run("before request failure", func(t *testing.T) {
		t.Parallel()

		route := newRoute("/x", "/x", srv.URL)
		route.BeforeRequest = func(context.Context, *http.Request, *backend.Call) error {
			return errors.New("denied")
		}
		rec := serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "internal gateway error")
	})

	t.Run("after response owns the reply", func(t *testing.T) {
		t.Parallel()

		route := newRoute("/x", "/x", srv.URL)
		route.AfterResponse = func(w http.ResponseWriter, _ *http.Request, res *backend.Result) error {
			w.Header().Set("X-Backend-Status", http.StatusText(res.Status))
			w.WriteHeader(http.StatusAccepted)
			_, err := w.Write([]byte("rewritten"))
			return err
		}
		rec := serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "rewritten", rec.Body.String())
		assert.Equal(t, "OK", rec.Header().Get("X-Backend-Status"))
	})

	t.Run("after response failure before writing", func(t *testing.T) {
		t.Parallel()

		route := newRoute("/x", "/x", srv.URL)
		route.AfterResponse = func(http.ResponseWriter, *http.Request, *backend.Result) error {
			return errors.New("boom")
		}
		rec := serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func multipartRequest(t *testing.T, target string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "report"))
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestTransformer_Upload(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := map[string]string{}
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			got["title"] = r.FormValue("title")
			if f, hdr, err := r.FormFile("file"); err == nil {
				data, _ := io.ReadAll(f)
				got[hdr.Filename] = string(data)
				_ = f.Close()
			}
		}
		received <- got
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	tr := New()

	t.Run("forwarded and cleaned up", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		route := newRoute("/files", "/files", srv.URL)
		route.Upload = &upload.Policy{Storage: config.StorageDisk, TempDir: dir, MaxFiles: 1}

		rec := serve(t, tr, route, multipartRequest(t, "/files", map[string]string{"a.txt": "hello"}))
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, map[string]string{"title": "report", "a.txt": "hello"}, <-received)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("rejected and cleaned up", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		route := newRoute("/files", "/files", srv.URL)
		route.Upload = &upload.Policy{Storage: config.StorageDisk, TempDir: dir, MaxFileSize: 4}

		rec := serve(t, tr, route, multipartRequest(t, "/files", map[string]string{"a.txt": "too large"}))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// encoderGoroutines counts running multipart encoders.
func encoderGoroutines() int {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return strings.Count(string(buf[:n]), "upload.Encode.func")
		}
		buf = make([]byte, 2*len(buf))
	}
}

// TestTransformer_UploadAbortedBeforeDispatch is not parallel: it counts
// encoder goroutines across the whole process.
func TestTransformer_UploadAbortedBeforeDispatch(t *testing.T) {
	srv := newEchoBackend(t)
	tr := New()

	tests := []struct {
		name   string
		hook   backend.BeforeRequestFunc
		status int
	}{
		{
			name: "hook failure",
			hook: func(context.Context, *http.Request, *backend.Call) error {
				return errors.New("denied")
			},
			status: http.StatusInternalServerError,
		},
		{
			name: "unbuildable backend request",
			hook: func(_ context.Context, _ *http.Request, call *backend.Call) error {
				call.URL = "http://[::1"
				return nil
			},
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := encoderGoroutines()
			dir := t.TempDir()
			route := newRoute("/files", "/files", srv.URL)
			route.Upload = &upload.Policy{Storage: config.StorageDisk, TempDir: dir}
			route.BeforeRequest = tt.hook

			for range 10 {
				rec := serve(t, tr, route, multipartRequest(t, "/files", map[string]string{"a.txt": "hello"}))
				require.Equal(t, tt.status, rec.Code)
			}

			assert.Eventually(t, func() bool {
				return encoderGoroutines() <= before
			}, 2*time.Second, 10*time.Millisecond)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestTransformer_UploadBackendFailure(t *testing.T) {
	t.Parallel()

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	dir := t.TempDir()
	route := newRoute("/files", "/files", closedURL)
	route.Upload = &upload.Policy{Storage: config.StorageDisk, TempDir: dir}

	rec := serve(t, New(), route, multipartRequest(t, "/files", map[string]string{"a.txt": "hello"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransformer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newEchoBackend(t)
	reg := prometheus.NewRegistry()
	tr := New(WithMetrics(NewMetrics(reg)))

	route := newRoute("/x", "/x", srv.URL)
	serve(t, tr, route, httptest.NewRequest(http.MethodGet, "/x", nil))

	bad := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{"))
	bad.Header.Set("Content-Type", "application/json")
	serve(t, tr, route, bad)

	assert.InDelta(t, 1, testutil.ToFloat64(
		tr.metrics.requestsTotal.WithLabelValues("users", "plainHttp", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		tr.metrics.requestsTotal.WithLabelValues("users", "plainHttp", "400")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		tr.metrics.errorsTotal.WithLabelValues("users", "invalid_input")), 0)
}

func TestErrorType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: ErrBodyTooLarge, want: "payload_too_large"},
		{err: NewProxyError("x", "s", "/r", "m", util.ErrInvalidInput), want: "invalid_input"},
		{err: &backend.RequestError{Op: "do", Timeout: true, Cause: context.DeadlineExceeded}, want: "timeout"},
		{err: &backend.RequestError{Op: "do", Cause: errors.New("refused")}, want: "backend_unavailable"},
		{err: ErrHookFailed, want: "hook"},
		{err: errors.New("other"), want: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, errorType(tt.err))
		})
	}
}
