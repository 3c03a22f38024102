package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// LocalProviderConfig holds configuration for the file secrets provider.
type LocalProviderConfig struct {
	// BasePath is the directory secrets are read from. It must exist.
	BasePath string
	Logger   observability.Logger
	Metrics  *Metrics
}

// LocalProvider implements Provider using local files. A secret named "x"
// is looked up as:
//   - base-path/x/ (one file per key)
//   - base-path/x.yaml or base-path/x.yml
//   - base-path/x.json
type LocalProvider struct {
	basePath string
	logger   observability.Logger
	metrics  *Metrics
}

// NewLocalProvider creates a new file secrets provider.
func NewLocalProvider(cfg *LocalProviderConfig) (*LocalProvider, error) {
	if cfg == nil || cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrProviderNotConfigured)
	}

	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolving base path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: base path %s: %w", ErrProviderNotConfigured, absPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base path %s is not a directory", ErrProviderNotConfigured, absPath)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &LocalProvider{
		basePath: absPath,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Type returns the provider type.
func (p *LocalProvider) Type() ProviderType {
	return ProviderTypeLocal
}

// GetSecret reads a secret from the base directory.
func (p *LocalProvider) GetSecret(_ context.Context, path string) (secret *Secret, err error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordOperation(p.Type(), "get", time.Since(start), err)
	}()

	cleanPath, err := p.cleanPath(path)
	if err != nil {
		return nil, err
	}

	full := filepath.Join(p.basePath, cleanPath)
	if info, statErr := os.Stat(full); statErr == nil && info.IsDir() {
		return p.readDirectory(full, cleanPath)
	}

	readers := []struct {
		ext  string
		read func([]byte, interface{}) error
	}{
		{".yaml", yaml.Unmarshal},
		{".yml", yaml.Unmarshal},
		{".json", json.Unmarshal},
	}
	for _, r := range readers {
		file := full + r.ext
		content, readErr := os.ReadFile(file)
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", file, readErr)
		}

		var raw map[string]interface{}
		if err := r.read(content, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", file, err)
		}
		data, err := flattenValues(raw)
		if err != nil {
			return nil, err
		}

		return &Secret{
			Name:     cleanPath,
			Data:     data,
			Metadata: map[string]string{"file": file},
		}, nil
	}

	p.logger.Debug("secret file not found",
		observability.String("path", cleanPath),
		observability.String("base", p.basePath),
	)
	return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, cleanPath)
}

func (p *LocalProvider) cleanPath(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return filepath.Clean(strings.TrimPrefix(path, "/")), nil
}

func (p *LocalProvider) readDirectory(dir, name string) (*Secret, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading secret directory %s: %w", dir, err)
	}

	data := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading secret key %s: %w", entry.Name(), err)
		}
		data[entry.Name()] = []byte(strings.TrimRight(string(content), "\r\n"))
	}

	return &Secret{
		Name:     name,
		Data:     data,
		Metadata: map[string]string{"dir": dir},
	}, nil
}

// HealthCheck verifies that the base directory is still readable.
func (p *LocalProvider) HealthCheck(context.Context) error {
	_, err := os.Stat(p.basePath)
	p.metrics.RecordHealthStatus(p.Type(), err == nil)
	if err != nil {
		return fmt.Errorf("base path %s: %w", p.basePath, err)
	}
	return nil
}

// Close is a no-op.
func (p *LocalProvider) Close() error {
	return nil
}
