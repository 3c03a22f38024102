package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcproxy/internal/config"
)

func fakeEnv(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestEnvProvider_GetSecret(t *testing.T) {
	t.Parallel()

	p := NewEnvProvider(&EnvProviderConfig{
		Prefix: "TEST_",
		LookupEnv: fakeEnv(map[string]string{
			"TEST_SIMPLE":       "plain-value",
			"TEST_USER_SERVICE": `{"accessKeyId":"id-1","accessKeySecret":"s3cret","port":8080}`,
		}),
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		key     string
		want    string
		wantErr error
	}{
		{name: "plain value", path: "simple", key: "value", want: "plain-value"},
		{name: "json value", path: "user-service", key: "accessKeySecret", want: "s3cret"},
		{name: "json non-string value", path: "user.service", key: "port", want: "8080"},
		{name: "missing", path: "nope", wantErr: ErrSecretNotFound},
		{name: "empty path", path: "", wantErr: ErrInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			secret, err := p.GetSecret(ctx, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got, ok := secret.GetString(tt.key)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEnvProvider_Defaults(t *testing.T) {
	t.Parallel()

	p := NewEnvProvider(nil)
	assert.Equal(t, DefaultEnvPrefix, p.prefix)
	assert.Equal(t, "SVCPROXY_SECRET_A_B_C_D", p.envName("a-b.c/d"))
	assert.Equal(t, ProviderTypeEnv, p.Type())
	assert.NoError(t, p.HealthCheck(context.Background()))
	assert.NoError(t, p.Close())
}

func TestLocalProvider_GetSecret(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "svc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc", "token"), []byte("tok\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc", ".hidden"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "creds.yaml"), []byte("id: app\nretries: 3\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"secret":"j"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{`), 0o600))

	p, err := NewLocalProvider(&LocalProviderConfig{BasePath: dir})
	require.NoError(t, err)
	ctx := context.Background()

	secret, err := p.GetSecret(ctx, "svc")
	require.NoError(t, err)
	v, _ := secret.GetString("token")
	assert.Equal(t, "tok", v)
	_, hidden := secret.GetString(".hidden")
	assert.False(t, hidden)

	secret, err = p.GetSecret(ctx, "creds")
	require.NoError(t, err)
	v, _ = secret.GetString("id")
	assert.Equal(t, "app", v)
	v, _ = secret.GetString("retries")
	assert.Equal(t, "3", v)

	secret, err = p.GetSecret(ctx, "other")
	require.NoError(t, err)
	v, _ = secret.GetString("secret")
	assert.Equal(t, "j", v)

	_, err = p.GetSecret(ctx, "broken")
	assert.Error(t, err)

	_, err = p.GetSecret(ctx, "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestNewLocalProvider_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewLocalProvider(nil)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = NewLocalProvider(&LocalProviderConfig{BasePath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewLocalProvider(&LocalProviderConfig{BasePath: file})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestVaultProvider_GetSecret(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/kv/data/gateway/user":
			_, _ = w.Write([]byte(`{"data":{"data":{"accessKeySecret":"from-vault"},"metadata":{"version":4}}}`))
		case "/v1/kv/data/gateway/deleted":
			_, _ = w.Write([]byte(`{"data":{"data":null,"metadata":{"version":2}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(server.Close)

	p, err := NewVaultProvider(&VaultProviderConfig{
		Address:   server.URL,
		Token:     "test-token",
		MountPath: "/kv/",
	})
	require.NoError(t, err)
	ctx := context.Background()

	secret, err := p.GetSecret(ctx, "gateway/user")
	require.NoError(t, err)
	v, ok := secret.GetString("accessKeySecret")
	assert.True(t, ok)
	assert.Equal(t, "from-vault", v)
	assert.Equal(t, "4", secret.Version)

	_, err = p.GetSecret(ctx, "gateway/deleted")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(ctx, "gateway/missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(ctx, "/")
	assert.ErrorIs(t, err, ErrInvalidPath)

	assert.NoError(t, p.Close())
}

func TestParseReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		want    Reference
		wantErr bool
	}{
		{
			name:  "with key",
			value: "secret://vault/gateway/user#accessKeySecret",
			want:  Reference{Provider: ProviderTypeVault, Path: "gateway/user", Key: "accessKeySecret"},
		},
		{
			name:  "default key",
			value: "secret://env/user_token",
			want:  Reference{Provider: ProviderTypeEnv, Path: "user_token", Key: DefaultKey},
		},
		{name: "no scheme", value: "plain", wantErr: true},
		{name: "no path", value: "secret://env", wantErr: true},
		{name: "empty key", value: "secret://env/x#", wantErr: true},
		{name: "unknown provider", value: "secret://kubernetes/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseReference(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil, NewEnvProvider(&EnvProviderConfig{
		Prefix:    "T_",
		LookupEnv: fakeEnv(map[string]string{"T_APP": `{"secret":"abc"}`}),
	}))
	ctx := context.Background()

	got, err := r.Resolve(ctx, "literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", got)

	got, err = r.Resolve(ctx, "secret://env/app#secret")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, err = r.Resolve(ctx, "secret://env/app#other")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = r.Resolve(ctx, "secret://vault/app")
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	assert.NoError(t, r.HealthCheck(ctx))
	assert.NoError(t, r.Close())
}

func TestNewResolverFromConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc.json"), []byte(`{"value":"from-file"}`), 0o600))

	reg := prometheus.NewRegistry()
	r, err := NewResolverFromConfig(config.SecretsConfig{LocalPath: dir}, nil, reg)
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), "secret://file/svc")
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	count, err := testutil.GatherAndCount(reg, "svcproxy_secrets_operation_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = NewResolverFromConfig(config.SecretsConfig{LocalPath: filepath.Join(dir, "nope")}, nil, nil)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}
