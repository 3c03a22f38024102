package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const servicesYAML = `
prefix: /api/proxy
headers: [X-Tenant]
service:
  user:
    endpoint: http://127.0.0.1:9001
    client: http
    timeout: 1500
    team: core
    api:
      - /profile/
      - path: /items/:id
        method: [GET, put]
      - path: /upload
        file:
          maxFileSize: 1024
          storage: disk
      - path: /avatar
        file: true
      - path: /ping
        status: 204
  ws:
    endPoint: ws://127.0.0.1:9002
    client: websocket
    exclude:
      - /admin
      - method: DELETE
        path: /items
    defaultQuery: "a=1&b=2"
    api:
      - path: /stream
        method: GET
        defaultQuery:
          z: 1
          a: [x, y]
`

func TestGatewayConfig_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	var cfg GatewayConfig
	require.NoError(t, yaml.Unmarshal([]byte(servicesYAML), &cfg))

	require.Len(t, cfg.Service, 2)
	assert.Equal(t, "user", cfg.Service[0].Name)
	assert.Equal(t, "ws", cfg.Service[1].Name)

	user := cfg.Service.Get("user")
	require.NotNil(t, user)
	assert.Equal(t, 1500*time.Millisecond, user.Timeout.Duration())
	assert.Equal(t, "core", user.Values["team"])
	require.Len(t, user.API, 5)

	assert.Equal(t, Rule{Path: "/profile/"}, user.API[0])
	assert.Equal(t, StringList{"GET", "put"}, user.API[1].Method)

	upload := user.API[2].File
	require.NotNil(t, upload)
	assert.True(t, upload.IsEnabled())
	assert.Equal(t, int64(1024), upload.MaxFileSize)
	assert.Equal(t, StorageDisk, upload.Storage)

	assert.True(t, user.API[3].File.IsEnabled())
	assert.Equal(t, 204, user.API[4].Status)

	ws := cfg.Service.Get("ws")
	require.NotNil(t, ws)
	assert.Equal(t, "ws://127.0.0.1:9002", ws.ResolvedEndpoint())
	assert.Equal(t, []ExcludeEntry{{Path: "/admin"}, {Method: "DELETE", Path: "/items"}}, ws.Exclude)
	assert.Equal(t, "a=1&b=2", ws.DefaultQuery.Encode())
	assert.Equal(t, StringList{"GET"}, ws.API[0].Method)
	assert.Equal(t, "z=1&a=x&a=y", ws.API[0].DefaultQuery.Encode())

	assert.Nil(t, cfg.Service.Get("missing"))
}

func TestServices_LegacyList(t *testing.T) {
	t.Parallel()

	var cfg GatewayConfig
	src := "service:\n  - path: /a\n    endpoint: http://127.0.0.1:1\n  - /b\n"
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))

	require.Len(t, cfg.Service, 1)
	svc := cfg.Service[0]
	assert.Equal(t, LegacyServiceName, svc.Name)
	assert.Equal(t, ClientAppClient, svc.Client)
	assert.Empty(t, svc.ResolvedEndpoint())
	require.Len(t, svc.API, 2)
	assert.Equal(t, "http://127.0.0.1:1", svc.API[0].ResolvedEndpoint())
	assert.Equal(t, "/b", svc.API[1].Path)
}

func TestServices_InvalidShape(t *testing.T) {
	t.Parallel()

	var cfg GatewayConfig
	err := yaml.Unmarshal([]byte("service: nope\n"), &cfg)
	assert.Error(t, err)
}

func TestUploadPolicy_Disabled(t *testing.T) {
	t.Parallel()

	var rule Rule
	require.NoError(t, yaml.Unmarshal([]byte("path: /x\nfile: false\n"), &rule))
	assert.False(t, rule.File.IsEnabled())

	var nilPolicy *UploadPolicy
	assert.False(t, nilPolicy.IsEnabled())
}

func TestHeaderExtension_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	src := `
- tenantHeaders
- static: {X-A: "1"}
- cel:
    X-User: request.headers["x-user"]
- redis:
    key: "session:{header.X-Session}"
    prefix: X-Session-
- requestId: X-Request-Id
`
	var exts []HeaderExtension
	require.NoError(t, yaml.Unmarshal([]byte(src), &exts))
	require.Len(t, exts, 5)

	assert.Equal(t, "tenantHeaders", exts[0].Func)
	assert.Equal(t, "func", exts[0].Kind())
	assert.Equal(t, map[string]string{"X-A": "1"}, exts[1].Static)
	assert.Equal(t, `request.headers["x-user"]`, exts[2].CEL["X-User"])
	require.NotNil(t, exts[3].Redis)
	assert.Equal(t, "X-Session-", exts[3].Redis.Prefix)
	assert.Equal(t, "redis", exts[3].Kind())
	assert.Equal(t, "X-Request-Id", exts[4].RequestID)
}

func TestDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"go duration", "timeout: 2s", 2 * time.Second, false},
		{"milliseconds", "timeout: 60000", time.Minute, false},
		{"empty", "timeout: ''", 0, false},
		{"negative", "timeout: -5", 0, true},
		{"garbage", "timeout: soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var holder struct {
				Timeout Duration `yaml:"timeout"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &holder)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, holder.Timeout.Duration())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`250`)))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d.Duration())

	b, err := Duration(time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1s"`, string(b))
}
