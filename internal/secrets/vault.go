package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

const (
	defaultVaultMount   = "secret"
	defaultVaultTimeout = 30 * time.Second
)

// VaultProviderConfig holds configuration for the Vault secrets provider.
type VaultProviderConfig struct {
	Address string
	// Token authenticates requests. When empty the client falls back to
	// VAULT_TOKEN.
	Token     string
	Namespace string
	// MountPath is the KV v2 mount. Default: "secret".
	MountPath string
	Timeout   time.Duration
	Logger    observability.Logger
	Metrics   *Metrics
}

// VaultProvider implements Provider using a Vault KV v2 secrets engine.
type VaultProvider struct {
	client  *vaultapi.Client
	mount   string
	logger  observability.Logger
	metrics *Metrics
}

// NewVaultProvider creates a new Vault secrets provider. No request is made
// until the first secret is read.
func NewVaultProvider(cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.Timeout
	if apiConfig.Timeout <= 0 {
		apiConfig.Timeout = defaultVaultTimeout
	}
	apiConfig.MaxRetries = 2

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := strings.Trim(cfg.MountPath, "/")
	if mount == "" {
		mount = defaultVaultMount
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &VaultProvider{
		client:  client,
		mount:   mount,
		logger:  logger.With(observability.String("component", "vault")),
		metrics: cfg.Metrics,
	}, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret reads the latest version of a KV v2 secret.
func (p *VaultProvider) GetSecret(ctx context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordOperation(p.Type(), "get", time.Since(start), err)
	}()

	path = strings.Trim(path, "/")
	if path == "" {
		return nil, ErrInvalidPath
	}

	fullPath := fmt.Sprintf("%s/data/%s", p.mount, path)
	vaultSecret, err := p.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		p.logger.Error("failed to read secret from vault",
			observability.String("path", fullPath),
			observability.Error(err),
		)
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if vaultSecret == nil || vaultSecret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	// Soft-deleted KV v2 secrets come back with "data": null.
	dataValue, hasData := vaultSecret.Data["data"]
	if hasData && dataValue == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}
	raw, ok := dataValue.(map[string]interface{})
	if !ok {
		raw = vaultSecret.Data
	}

	data, err := flattenValues(raw)
	if err != nil {
		return nil, err
	}

	result := &Secret{
		Name:     path,
		Data:     data,
		Metadata: map[string]string{"mount": p.mount},
	}
	if md, ok := vaultSecret.Data["metadata"].(map[string]interface{}); ok {
		switch v := md["version"].(type) {
		case json.Number:
			result.Version = v.String()
		case float64:
			result.Version = fmt.Sprintf("%.0f", v)
		}
	}

	p.logger.Debug("secret read",
		observability.String("path", fullPath),
		observability.Int("keys", len(data)),
	)

	return result, nil
}

// HealthCheck queries the Vault health endpoint.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	health, err := p.client.Sys().HealthWithContext(ctx)
	healthy := err == nil && health != nil && health.Initialized && !health.Sealed
	p.metrics.RecordHealthStatus(p.Type(), healthy)

	switch {
	case err != nil:
		return fmt.Errorf("vault health check: %w", err)
	case !healthy:
		return fmt.Errorf("vault is sealed or not initialized")
	}
	return nil
}

// Close clears the client token.
func (p *VaultProvider) Close() error {
	p.client.ClearToken()
	return nil
}
