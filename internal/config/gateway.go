package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// LegacyServiceName is the synthetic service a bare rule list is promoted to.
const LegacyServiceName = "default"

// GatewayConfig is the attach-time configuration of one gateway instance.
type GatewayConfig struct {
	// Prefix is prepended to every generated route. Defaults to /api/proxy.
	Prefix string `yaml:"prefix" json:"prefix"`

	// MountPrefix is the path under which the host serves the gateway's
	// dispatcher. Upgrade requests arrive with it still attached.
	MountPrefix string `yaml:"mountPrefix,omitempty" json:"mountPrefix,omitempty"`

	// Headers is the passthrough allow-list. Accept-Language is always added.
	Headers []string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Default credentials for signed routes, usually the host's own
	// system identity.
	AccessKeyID     string `yaml:"accessKeyId,omitempty" json:"accessKeyId,omitempty"`
	AccessKeySecret string `yaml:"accessKeySecret,omitempty" json:"accessKeySecret,omitempty"`

	Service Services `yaml:"service" json:"service"`
}

// Services is the ordered service map. A YAML mapping keeps its key order;
// a YAML sequence is the legacy bare rule list and becomes a single
// "default" service using the signed adapter.
type Services []*ServiceConfig

// LegacyServices promotes a bare rule list to a single default service.
func LegacyServices(rules []Rule) Services {
	return Services{{
		Name:   LegacyServiceName,
		Client: ClientAppClient,
		API:    rules,
	}}
}

// Get returns the named service or nil.
func (s Services) Get(name string) *ServiceConfig {
	for _, svc := range s {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Services) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var rules []Rule
		if err := node.Decode(&rules); err != nil {
			return err
		}
		*s = LegacyServices(rules)
		return nil
	case yaml.MappingNode:
		out := make(Services, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			svc := &ServiceConfig{}
			if err := node.Content[i+1].Decode(svc); err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			svc.Name = name
			out = append(out, svc)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("service must be a mapping or a list of rules, line %d", node.Line)
	}
}

// Adapter names accepted by the client field.
const (
	ClientAppClient        = "appClient"
	ClientServiceClient    = "serviceClient"
	ClientHTTP             = "http"
	ClientWebSocket        = "websocket"
	ClientServiceWebSocket = "serviceWebsocket"
)

// ServiceConfig describes one backend service and its rules.
type ServiceConfig struct {
	Name string `yaml:"-" json:"name"`

	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	EndPoint string `yaml:"endPoint,omitempty" json:"-"`
	Host     string `yaml:"host,omitempty" json:"-"`

	Client          string            `yaml:"client,omitempty" json:"client,omitempty"`
	AccessKeyID     string            `yaml:"accessKeyId,omitempty" json:"accessKeyId,omitempty"`
	AccessKeySecret string            `yaml:"accessKeySecret,omitempty" json:"-"`
	Signer          string            `yaml:"signer,omitempty" json:"signer,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	HeaderExtension []HeaderExtension `yaml:"headerExtension,omitempty" json:"headerExtension,omitempty"`
	Timeout         Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RoutePrefix     *string           `yaml:"routePrefix,omitempty" json:"routePrefix,omitempty"`
	Exclude         []ExcludeEntry    `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	API             []Rule            `yaml:"api,omitempty" json:"api,omitempty"`
	DefaultQuery    util.Query        `yaml:"defaultQuery,omitempty" json:"-"`
	CallOptions     *CallOptions      `yaml:"callOptions,omitempty" json:"callOptions,omitempty"`

	AllowWildcard          bool  `yaml:"allowWildcard,omitempty" json:"allowWildcard,omitempty"`
	UseQuerystringInDelete *bool `yaml:"useQuerystringInDelete,omitempty" json:"useQuerystringInDelete,omitempty"`
	IgnoreFromMarker       *bool `yaml:"ignoreFromMarker,omitempty" json:"ignoreFromMarker,omitempty"`
	DefaultErrorCode       int   `yaml:"defaultErrorCode,omitempty" json:"defaultErrorCode,omitempty"`

	// Values keeps unrecognized keys. They are exposed to header
	// extensions as service values.
	Values map[string]any `yaml:",inline" json:"-"`
}

// ResolvedEndpoint returns the first non-empty endpoint alias.
func (s *ServiceConfig) ResolvedEndpoint() string {
	return firstNonEmpty(s.Endpoint, s.EndPoint, s.Host)
}

// ExcludeEntry blocks a path, either for one method or for every method.
type ExcludeEntry struct {
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	Path   string `yaml:"path" json:"path"`
}

// UnmarshalYAML accepts a bare path or a {method, path} mapping.
func (e *ExcludeEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*e = ExcludeEntry{Path: node.Value}
		return nil
	}
	type plain ExcludeEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = ExcludeEntry(p)
	return nil
}

// Rule is one raw proxy rule.
type Rule struct {
	Path   string     `yaml:"path" json:"path"`
	Method StringList `yaml:"method,omitempty" json:"method,omitempty"`
	Route  string     `yaml:"route,omitempty" json:"route,omitempty"`

	Client   string `yaml:"client,omitempty" json:"client,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	EndPoint string `yaml:"endPoint,omitempty" json:"-"`
	Host     string `yaml:"host,omitempty" json:"-"`

	AccessKeyID     string `yaml:"accessKeyId,omitempty" json:"accessKeyId,omitempty"`
	AccessKeySecret string `yaml:"accessKeySecret,omitempty" json:"-"`
	Signer          string `yaml:"signer,omitempty" json:"signer,omitempty"`

	Timeout         Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	HeaderExtension []HeaderExtension `yaml:"headerExtension,omitempty" json:"headerExtension,omitempty"`
	DefaultQuery    util.Query        `yaml:"defaultQuery,omitempty" json:"-"`
	CallOptions     *CallOptions      `yaml:"callOptions,omitempty" json:"callOptions,omitempty"`

	File           *UploadPolicy `yaml:"file,omitempty" json:"file,omitempty"`
	Pipe           bool          `yaml:"pipe,omitempty" json:"pipe,omitempty"`
	Status         int           `yaml:"status,omitempty" json:"status,omitempty"`
	BeforeRequest  string        `yaml:"beforeRequest,omitempty" json:"beforeRequest,omitempty"`
	BeforeResponse string        `yaml:"beforeResponse,omitempty" json:"beforeResponse,omitempty"`

	UseQuerystringInDelete *bool `yaml:"useQuerystringInDelete,omitempty" json:"useQuerystringInDelete,omitempty"`
	IgnoreFromMarker       *bool `yaml:"ignoreFromMarker,omitempty" json:"ignoreFromMarker,omitempty"`
	DefaultErrorCode       int   `yaml:"defaultErrorCode,omitempty" json:"defaultErrorCode,omitempty"`
}

// UnmarshalYAML accepts a bare path string as shorthand for a path-only rule.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = Rule{Path: node.Value}
		return nil
	}
	type plain Rule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// ResolvedEndpoint returns the first non-empty endpoint alias.
func (r *Rule) ResolvedEndpoint() string {
	return firstNonEmpty(r.Endpoint, r.EndPoint, r.Host)
}

// StringList is a list that also accepts a single scalar.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("expected a string or a list of strings, line %d", node.Line)
	}
}

// Upload storage modes.
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
)

// UploadPolicy enables multipart upload forwarding for a rule.
type UploadPolicy struct {
	Enabled     bool   `yaml:"-" json:"enabled"`
	MaxFileSize int64  `yaml:"maxFileSize,omitempty" json:"maxFileSize,omitempty"`
	MaxFiles    int    `yaml:"maxFiles,omitempty" json:"maxFiles,omitempty"`
	Storage     string `yaml:"storage,omitempty" json:"storage,omitempty"`
	TempDir     string `yaml:"tempDir,omitempty" json:"tempDir,omitempty"`
}

// UnmarshalYAML accepts a boolean or a policy mapping. A mapping enables
// uploads.
func (p *UploadPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var enabled bool
		if err := node.Decode(&enabled); err != nil {
			return fmt.Errorf("file must be a boolean or a mapping, line %d", node.Line)
		}
		*p = UploadPolicy{Enabled: enabled}
		return nil
	}
	type plain UploadPolicy
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = UploadPolicy(v)
	p.Enabled = true
	return nil
}

// IsEnabled reports whether p is set and enabled.
func (p *UploadPolicy) IsEnabled() bool {
	return p != nil && p.Enabled
}

// CallOptions overrides individual settings of the outbound call.
type CallOptions struct {
	Timeout           Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	DataAsQueryString *bool             `yaml:"dataAsQueryString,omitempty" json:"dataAsQueryString,omitempty"`
	ContentType       string            `yaml:"contentType,omitempty" json:"contentType,omitempty"`
	Headers           map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// HeaderExtension is one source of computed outbound headers. Exactly one
// field is expected to be set. A bare string is shorthand for Func.
type HeaderExtension struct {
	// Static headers added verbatim.
	Static map[string]string `yaml:"static,omitempty" json:"static,omitempty"`

	// Func names a Go function registered with the gateway.
	Func string `yaml:"func,omitempty" json:"func,omitempty"`

	// CEL maps header names to CEL expressions evaluated per request.
	CEL map[string]string `yaml:"cel,omitempty" json:"cel,omitempty"`

	// Redis reads header values from a redis hash.
	Redis *RedisHeaderSource `yaml:"redis,omitempty" json:"redis,omitempty"`

	// RequestID names a header that receives a fresh UUID unless the
	// caller already sent one.
	RequestID string `yaml:"requestId,omitempty" json:"requestId,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *HeaderExtension) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*h = HeaderExtension{Func: node.Value}
		return nil
	}
	type plain HeaderExtension
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*h = HeaderExtension(p)
	return nil
}

// Kind returns a short name of the configured source for logs and errors.
func (h *HeaderExtension) Kind() string {
	var kinds []string
	if len(h.Static) > 0 {
		kinds = append(kinds, "static")
	}
	if h.Func != "" {
		kinds = append(kinds, "func")
	}
	if len(h.CEL) > 0 {
		kinds = append(kinds, "cel")
	}
	if h.Redis != nil {
		kinds = append(kinds, "redis")
	}
	if h.RequestID != "" {
		kinds = append(kinds, "requestId")
	}
	return strings.Join(kinds, "+")
}

// RedisHeaderSource reads a redis hash whose key is rendered from the
// request. Key placeholders: {header.Name}, {param.name}, {query.name}.
type RedisHeaderSource struct {
	Key    string   `yaml:"key" json:"key"`
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Prefix string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
