package encoding

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// formCodec implements Codec for url-encoded forms.
type formCodec struct{}

// NewFormCodec creates a codec for application/x-www-form-urlencoded.
func NewFormCodec() Codec {
	return formCodec{}
}

// Encode encodes a map as a form. Keys are sorted; nested values are JSON
// encoded.
func (formCodec) Encode(v any) ([]byte, error) {
	data, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: form body must be a map, got %T", ErrEncodingFailed, v)
	}
	q := util.QueryFromMap(data)
	return []byte(q.Encode()), nil
}

// Decode parses a form. Repeated keys become string slices.
func (formCodec) Decode(data []byte) (map[string]any, error) {
	q := util.ParseQuery(string(bytes.TrimSpace(data)))
	return q.Map(), nil
}

// ContentType returns the form content type.
func (formCodec) ContentType() string {
	return ContentTypeForm
}

// yamlCodec implements Codec for YAML bodies.
type yamlCodec struct{}

// NewYAMLCodec creates a new YAML codec.
func NewYAMLCodec() Codec {
	return yamlCodec{}
}

// Encode encodes the value to YAML.
func (yamlCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}
	return out, nil
}

// Decode decodes a YAML mapping.
func (yamlCodec) Decode(data []byte) (map[string]any, error) {
	out := make(map[string]any)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
	}
	return out, nil
}

// ContentType returns the YAML content type.
func (yamlCodec) ContentType() string {
	return ContentTypeYAML
}
