package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonCodec implements Codec for JSON bodies.
type jsonCodec struct{}

// NewJSONCodec creates a new JSON codec.
func NewJSONCodec() Codec {
	return jsonCodec{}
}

// Encode encodes the value to JSON bytes without a trailing newline.
func (jsonCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodingFailed, err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode decodes a JSON object. Numbers are kept as json.Number so they
// are re-encoded without loss.
func (jsonCodec) Decode(data []byte) (map[string]any, error) {
	out := make(map[string]any)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
	}
	return out, nil
}

// ContentType returns the JSON content type.
func (jsonCodec) ContentType() string {
	return ContentTypeJSON
}
