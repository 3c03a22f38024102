package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// ReferenceScheme prefixes values that must be resolved through a provider.
const ReferenceScheme = "secret://"

// DefaultKey is used when a reference has no #key fragment.
const DefaultKey = "value"

// Reference is a parsed secret://<provider>/<path>#<key> value.
type Reference struct {
	Provider ProviderType
	Path     string
	Key      string
}

// String returns the reference in its textual form.
func (r Reference) String() string {
	return fmt.Sprintf("%s%s/%s#%s", ReferenceScheme, r.Provider, r.Path, r.Key)
}

// IsReference reports whether value is a secret:// reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, ReferenceScheme)
}

// ParseReference parses a secret:// reference.
func ParseReference(value string) (Reference, error) {
	if !IsReference(value) {
		return Reference{}, fmt.Errorf("%w: %q lacks the %s scheme", ErrInvalidReference, value, ReferenceScheme)
	}

	rest := strings.TrimPrefix(value, ReferenceScheme)
	key := DefaultKey
	if idx := strings.LastIndex(rest, "#"); idx >= 0 {
		key = rest[idx+1:]
		rest = rest[:idx]
	}

	providerName, path, ok := strings.Cut(rest, "/")
	if !ok || path == "" || key == "" {
		return Reference{}, fmt.Errorf("%w: %q, expected secret://<provider>/<path>#<key>", ErrInvalidReference, value)
	}

	provider, err := ValidateProviderType(providerName)
	if err != nil {
		return Reference{}, err
	}

	return Reference{Provider: provider, Path: path, Key: key}, nil
}

// Resolver turns secret:// references into their values. Plain values pass
// through unchanged.
type Resolver struct {
	providers map[ProviderType]Provider
	logger    observability.Logger
}

// NewResolver creates a resolver over the given providers. A later provider
// replaces an earlier one of the same type.
func NewResolver(logger observability.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Resolver{
		providers: make(map[ProviderType]Provider, len(providers)),
		logger:    logger,
	}
	for _, p := range providers {
		r.providers[p.Type()] = p
	}
	return r
}

// NewResolverFromConfig builds the env provider and, when configured, the
// file and vault providers. Metrics are registered with reg when non-nil.
func NewResolverFromConfig(
	cfg config.SecretsConfig,
	logger observability.Logger,
	reg prometheus.Registerer,
) (*Resolver, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	metrics := NewMetrics(reg)

	providers := []Provider{
		NewEnvProvider(&EnvProviderConfig{Prefix: cfg.EnvPrefix, Logger: logger, Metrics: metrics}),
	}

	if cfg.LocalPath != "" {
		local, err := NewLocalProvider(&LocalProviderConfig{
			BasePath: cfg.LocalPath,
			Logger:   logger,
			Metrics:  metrics,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, local)
	}

	if cfg.Vault != nil && cfg.Vault.Address != "" {
		vault, err := NewVaultProvider(&VaultProviderConfig{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			MountPath: cfg.Vault.MountPath,
			Timeout:   cfg.Vault.Timeout.Duration(),
			Logger:    logger,
			Metrics:   metrics,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, vault)
	}

	return NewResolver(logger, providers...), nil
}

// Resolve returns value unchanged unless it is a secret:// reference, in
// which case the referenced key is fetched from its provider.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}

	ref, err := ParseReference(value)
	if err != nil {
		return "", err
	}

	provider, ok := r.providers[ref.Provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, ref.Provider)
	}

	secret, err := provider.GetSecret(ctx, ref.Path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}

	v, ok := secret.GetString(ref.Key)
	if !ok {
		return "", fmt.Errorf("resolving %s: %w: key %q", ref, ErrSecretNotFound, ref.Key)
	}

	r.logger.Debug("secret reference resolved",
		observability.String("provider", string(ref.Provider)),
		observability.String("path", ref.Path),
	)

	return v, nil
}

// HealthCheck checks every configured provider.
func (r *Resolver) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range r.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Type(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every configured provider.
func (r *Resolver) Close() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
