package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// DefaultEnvPrefix is the default prefix for environment variable secrets.
const DefaultEnvPrefix = "SVCPROXY_SECRET_"

// EnvProviderConfig holds configuration for the environment variable provider.
type EnvProviderConfig struct {
	// Prefix is prepended to every normalized name. Default: "SVCPROXY_SECRET_".
	Prefix string
	// LookupEnv replaces os.LookupEnv, mainly for tests.
	LookupEnv func(string) (string, bool)
	Logger    observability.Logger
	Metrics   *Metrics
}

// EnvProvider implements Provider using environment variables.
// A path "svc-user" maps to "{PREFIX}SVC_USER". JSON object values are
// exposed key by key; any other value is stored under the key "value".
type EnvProvider struct {
	prefix    string
	lookupEnv func(string) (string, bool)
	logger    observability.Logger
	metrics   *Metrics
}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider(cfg *EnvProviderConfig) *EnvProvider {
	if cfg == nil {
		cfg = &EnvProviderConfig{}
	}

	p := &EnvProvider{
		prefix:    cfg.Prefix,
		lookupEnv: cfg.LookupEnv,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if p.prefix == "" {
		p.prefix = DefaultEnvPrefix
	}
	if p.lookupEnv == nil {
		p.lookupEnv = os.LookupEnv
	}
	if p.logger == nil {
		p.logger = observability.NopLogger()
	}

	return p
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// envName converts a secret path to an environment variable name.
func (p *EnvProvider) envName(path string) string {
	name := strings.ToUpper(path)
	name = strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
	return p.prefix + name
}

// GetSecret retrieves a secret from the environment.
func (p *EnvProvider) GetSecret(_ context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordOperation(p.Type(), "get", time.Since(start), err)
	}()

	if path == "" {
		return nil, ErrInvalidPath
	}

	envName := p.envName(path)
	value, ok := p.lookupEnv(envName)
	if !ok {
		p.logger.Debug("environment variable not set", observability.String("env", envName))
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envName)
	}

	data := map[string][]byte{"value": []byte(value)}

	var structured map[string]interface{}
	if json.Unmarshal([]byte(value), &structured) == nil {
		flat, ferr := flattenValues(structured)
		if ferr != nil {
			return nil, ferr
		}
		data = flat
	}

	return &Secret{
		Name:     path,
		Data:     data,
		Metadata: map[string]string{"env": envName},
	}, nil
}

// HealthCheck always succeeds; the environment is always readable.
func (p *EnvProvider) HealthCheck(context.Context) error {
	p.metrics.RecordHealthStatus(p.Type(), true)
	return nil
}

// Close is a no-op.
func (p *EnvProvider) Close() error {
	return nil
}
