package tls

import (
	"errors"
	"fmt"
)

// Common sentinel errors for TLS operations.
var (
	// ErrCAInvalid indicates that a CA bundle holds no usable certificate.
	ErrCAInvalid = errors.New("CA certificate invalid")

	// ErrCipherSuiteInvalid indicates that a cipher suite is invalid.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")

	// ErrTLSVersionInvalid indicates that a TLS version is invalid.
	ErrTLSVersionInvalid = errors.New("invalid TLS version")
)

// CertificateError represents a certificate-related error.
type CertificateError struct {
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CertificateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("certificate error at %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("certificate error at %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *CertificateError) Unwrap() error {
	return e.Cause
}
