package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeEnv reads secrets from environment variables.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeLocal reads secrets from files under a base directory.
	ProviderTypeLocal ProviderType = "file"
	// ProviderTypeVault reads secrets from a HashiCorp Vault KV v2 engine.
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret or one of its keys is missing.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrProviderNotConfigured is returned when a reference names a provider
	// that has not been configured.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidPath is returned when the secret path is invalid.
	ErrInvalidPath = errors.New("invalid secret path")
	// ErrInvalidReference is returned for malformed secret:// references.
	ErrInvalidReference = errors.New("invalid secret reference")
)

// Secret represents a secret with key-value data.
type Secret struct {
	Name     string
	Data     map[string][]byte
	Metadata map[string]string
	Version  string
}

// GetString returns a string value from the secret data.
func (s *Secret) GetString(key string) (string, bool) {
	if s == nil || s.Data == nil {
		return "", false
	}
	v, ok := s.Data[key]
	if !ok {
		return "", false
	}
	return string(v), true
}

// Provider is a read-only source of secrets.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a secret by path. The path format depends on the
	// provider:
	//   - env: "name" maps to {PREFIX}NAME
	//   - file: "name" maps to base-path/name/, name.yaml or name.json
	//   - vault: "path/to/secret" under the configured KV v2 mount
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// HealthCheck returns nil when the provider is usable.
	HealthCheck(ctx context.Context) error

	// Close releases provider resources.
	Close() error
}

// Metrics records secrets provider operations.
type Metrics struct {
	operationDuration *prometheus.HistogramVec
	operationTotal    *prometheus.CounterVec
	providerHealth    *prometheus.GaugeVec
}

// NewMetrics creates secrets metrics and registers them with reg.
// A nil registerer creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "svcproxy",
				Subsystem: "secrets",
				Name:      "operation_duration_seconds",
				Help:      "Duration of secrets provider operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation", "result"},
		),
		operationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "svcproxy",
				Subsystem: "secrets",
				Name:      "operation_total",
				Help:      "Total number of secrets provider operations",
			},
			[]string{"provider", "operation", "result"},
		),
		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "svcproxy",
				Subsystem: "secrets",
				Name:      "provider_healthy",
				Help:      "Whether the secrets provider is healthy (1) or not (0)",
			},
			[]string{"provider"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.operationDuration, m.operationTotal, m.providerHealth)
	}

	return m
}

// RecordOperation records metrics for a secrets provider operation.
func (m *Metrics) RecordOperation(provider ProviderType, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operationDuration.WithLabelValues(string(provider), operation, result).Observe(duration.Seconds())
	m.operationTotal.WithLabelValues(string(provider), operation, result).Inc()
}

// RecordHealthStatus records the health status of a provider.
func (m *Metrics) RecordHealthStatus(provider ProviderType, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.providerHealth.WithLabelValues(string(provider)).Set(value)
}

// ValidateProviderType validates that the given string is a known provider type.
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeEnv, ProviderTypeLocal, ProviderTypeVault:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: unknown provider %q, must be one of: env, file, vault",
			ErrInvalidReference, providerType)
	}
}

// flattenValues converts decoded structured data into secret bytes. String
// values are kept verbatim, everything else is JSON encoded.
func flattenValues(raw map[string]interface{}) (map[string][]byte, error) {
	data := make(map[string][]byte, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			data[k] = []byte(s)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding key %s: %w", k, err)
		}
		data[k] = b
	}
	return data, nil
}
