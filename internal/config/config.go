package config

import "time"

// Default values.
const (
	DefaultPrefix            = "/api/proxy"
	DefaultListenAddress     = "0.0.0.0"
	DefaultListenPort        = 8080
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultServiceName       = "svcproxy"
)

// HostConfig is the root of the configuration file read by cmd/gateway.
type HostConfig struct {
	Listen     ListenConfig      `yaml:"listen" json:"listen"`
	Log        LogConfig         `yaml:"log" json:"log"`
	Metrics    MetricsConfig     `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig     `yaml:"tracing" json:"tracing"`
	Secrets    SecretsConfig     `yaml:"secrets" json:"secrets"`
	Redis      *RedisConfig      `yaml:"redis,omitempty" json:"redis,omitempty"`
	BackendTLS *BackendTLSConfig `yaml:"backendTLS,omitempty" json:"backendTLS,omitempty"`
	Gateway    GatewayConfig     `yaml:"gateway" json:"gateway"`
}

// ListenConfig configures the host HTTP listener.
type ListenConfig struct {
	Address           string           `yaml:"address" json:"address"`
	Port              int              `yaml:"port" json:"port"`
	ReadHeaderTimeout Duration         `yaml:"readHeaderTimeout,omitempty" json:"readHeaderTimeout,omitempty"`
	IdleTimeout       Duration         `yaml:"idleTimeout,omitempty" json:"idleTimeout,omitempty"`
	ShutdownTimeout   Duration         `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
	RateLimit         *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// RateLimitConfig configures the host token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
	PerClient         bool    `yaml:"perClient,omitempty" json:"perClient,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// SecretsConfig configures the providers used to resolve secret://
// credential references.
type SecretsConfig struct {
	EnvPrefix string       `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`
	LocalPath string       `yaml:"localPath,omitempty" json:"localPath,omitempty"`
	Vault     *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig configures the Vault secrets provider.
type VaultConfig struct {
	Address   string   `yaml:"address" json:"address"`
	Token     string   `yaml:"token,omitempty" json:"token,omitempty"`
	Namespace string   `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	MountPath string   `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RedisConfig configures the client used by redis header extensions.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// BackendTLSConfig configures the client side of backend TLS.
type BackendTLSConfig struct {
	CAFile             string   `yaml:"caFile,omitempty" json:"caFile,omitempty"`
	CertFile           string   `yaml:"certFile,omitempty" json:"certFile,omitempty"`
	KeyFile            string   `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
	ServerName         string   `yaml:"serverName,omitempty" json:"serverName,omitempty"`
	MinVersion         string   `yaml:"minVersion,omitempty" json:"minVersion,omitempty"`
	CipherSuites       []string `yaml:"cipherSuites,omitempty" json:"cipherSuites,omitempty"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`
}

// DefaultConfig returns a HostConfig with default values.
func DefaultConfig() *HostConfig {
	return &HostConfig{
		Listen: ListenConfig{
			Address:           DefaultListenAddress,
			Port:              DefaultListenPort,
			ReadHeaderTimeout: Duration(DefaultReadHeaderTimeout),
			ShutdownTimeout:   Duration(DefaultShutdownTimeout),
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    DefaultMetricsPort,
			Path:    DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  DefaultServiceName,
		},
		Gateway: GatewayConfig{
			Prefix: DefaultPrefix,
		},
	}
}
