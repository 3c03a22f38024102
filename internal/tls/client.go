package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/config"
)

// NewClientConfig builds the backend client TLS configuration. A nil cfg
// yields the defaults over the system roots.
func NewClientConfig(cfg *config.BackendTLSConfig) (*tls.Config, error) {
	if cfg == nil {
		cfg = &config.BackendTLSConfig{}
	}

	minVersion, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}

	out := &tls.Config{
		MinVersion:   minVersion,
		CipherSuites: suites,
		ServerName:   cfg.ServerName,
		//nolint:gosec // opt-in for development backends
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, &CertificateError{Path: cfg.CertFile, Message: "failed to load client certificate", Cause: err}
		}
		out.Certificates = []tls.Certificate{cert}
	}

	return out, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, &CertificateError{Path: path, Message: "failed to read CA bundle", Cause: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, &CertificateError{Path: path, Message: "no certificates found", Cause: ErrCAInvalid}
	}
	return pool, nil
}

// NewHTTPClient returns an HTTP client for backend calls using tlsConfig.
// Redirects are relayed, not followed. Timeouts come from the route.
func NewHTTPClient(tlsConfig *tls.Config) *http.Client {
	transport := backend.NewTransport()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
