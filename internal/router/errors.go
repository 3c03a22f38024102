package router

import (
	"fmt"
	"strings"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// ConfigurationError is a compile failure. It names the owning service and,
// when known, the rule.
type ConfigurationError struct {
	Service string
	Rule    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration error")
	if e.Service != "" {
		fmt.Fprintf(&sb, " in service %q", e.Service)
	}
	if e.Rule != "" {
		fmt.Fprintf(&sb, " rule %q", e.Rule)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Is matches util.ErrConfigInvalid.
func (e *ConfigurationError) Is(target error) bool {
	return target == util.ErrConfigInvalid
}
