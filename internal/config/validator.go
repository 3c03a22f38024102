package config

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Is lets errors.Is(err, util.ErrConfigInvalid) match validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == util.ErrConfigInvalid
}

// Validator validates host configuration. Route-level semantics (endpoints,
// wildcards, credentials) are checked by the route compiler, which has the
// full override chain available.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a host configuration.
func ValidateConfig(config *HostConfig) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *HostConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateListen(&config.Listen)
	v.validateLog(&config.Log)
	v.validateMetrics(&config.Metrics, config.Listen.Port)
	v.validateTracing(&config.Tracing)
	v.validateSecrets(&config.Secrets)
	v.validateBackendTLS(config.BackendTLS)
	v.validateGateway(&config.Gateway)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateListen(listen *ListenConfig) {
	if err := util.ValidatePort(listen.Port); err != nil {
		v.addError("listen.port", err.Error())
	}
	if rl := listen.RateLimit; rl != nil && rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			v.addError("listen.rateLimit.requestsPerSecond", "must be positive")
		}
		if rl.Burst < 0 {
			v.addError("listen.rateLimit.burst", "must not be negative")
		}
	}
}

func (v *Validator) validateLog(log *LogConfig) {
	switch strings.ToLower(log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		v.addError("log.level", fmt.Sprintf("unknown log level %q", log.Level))
	}
	switch strings.ToLower(log.Format) {
	case "", "json", "console":
	default:
		v.addError("log.format", fmt.Sprintf("unknown log format %q", log.Format))
	}
}

func (v *Validator) validateMetrics(metrics *MetricsConfig, listenPort int) {
	if !metrics.Enabled {
		return
	}
	if err := util.ValidatePort(metrics.Port); err != nil {
		v.addError("metrics.port", err.Error())
	} else if metrics.Port == listenPort {
		v.addError("metrics.port", "must differ from listen.port")
	}
	if !strings.HasPrefix(metrics.Path, "/") {
		v.addError("metrics.path", "must start with /")
	}
}

func (v *Validator) validateTracing(tracing *TracingConfig) {
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) validateSecrets(secrets *SecretsConfig) {
	if secrets.Vault != nil && secrets.Vault.Address == "" {
		v.addError("secrets.vault.address", "address is required")
	}
}

func (v *Validator) validateBackendTLS(cfg *BackendTLSConfig) {
	if cfg == nil {
		return
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		v.addError("backendTLS", "certFile and keyFile must be set together")
	}
	switch strings.ToUpper(cfg.MinVersion) {
	case "", "TLS12", "TLS13":
	default:
		v.addError("backendTLS.minVersion", fmt.Sprintf("unsupported version %q", cfg.MinVersion))
	}
}

func (v *Validator) validateGateway(gw *GatewayConfig) {
	if gw.Prefix != "" && !strings.HasPrefix(gw.Prefix, "/") {
		v.addError("gateway.prefix", "must start with /")
	}
	if gw.MountPrefix != "" && !strings.HasPrefix(gw.MountPrefix, "/") {
		v.addError("gateway.mountPrefix", "must start with /")
	}
	for i, h := range gw.Headers {
		if err := util.ValidateHeaderName(h); err != nil {
			v.addError(fmt.Sprintf("gateway.headers[%d]", i), err.Error())
		}
	}
	if len(gw.Service) == 0 {
		v.addError("gateway.service", "at least one service is required")
	}

	seen := make(map[string]bool, len(gw.Service))
	for _, svc := range gw.Service {
		path := "gateway.service." + svc.Name
		if seen[svc.Name] {
			v.addError(path, "duplicate service name")
		}
		seen[svc.Name] = true

		if ep := svc.ResolvedEndpoint(); ep != "" {
			if err := util.ValidateURL(ep); err != nil {
				v.addError(path+".endpoint", err.Error())
			}
		}
		if svc.DefaultErrorCode != 0 {
			if err := util.ValidateHTTPStatusCode(svc.DefaultErrorCode); err != nil {
				v.addError(path+".defaultErrorCode", err.Error())
			}
		}
		v.validateRules(path, svc.API)
	}
}

func (v *Validator) validateRules(servicePath string, rules []Rule) {
	for i := range rules {
		rule := &rules[i]
		path := fmt.Sprintf("%s.api[%d]", servicePath, i)
		if ep := rule.ResolvedEndpoint(); ep != "" {
			if err := util.ValidateURL(ep); err != nil {
				v.addError(path+".endpoint", err.Error())
			}
		}
		if rule.Status != 0 {
			if err := util.ValidateHTTPStatusCode(rule.Status); err != nil {
				v.addError(path+".status", err.Error())
			}
		}
		if rule.File.IsEnabled() && rule.Pipe {
			v.addError(path, "file and pipe are mutually exclusive")
		}
		if rule.File.IsEnabled() {
			switch rule.File.Storage {
			case "", StorageMemory, StorageDisk:
			default:
				v.addError(path+".file.storage", fmt.Sprintf("unknown storage %q", rule.File.Storage))
			}
		}
	}
}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
