package encoding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// Content types with a structured codec.
const (
	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeYAML = "application/yaml"
)

// Common encoding errors.
var (
	// ErrUnsupportedContentType indicates that the content type has no codec.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrEncodingFailed indicates that encoding failed.
	ErrEncodingFailed = errors.New("encoding failed")

	// ErrDecodingFailed indicates a malformed request body.
	ErrDecodingFailed = fmt.Errorf("%w: decoding failed", util.ErrInvalidInput)

	// ErrNilValue indicates that the value to encode is nil.
	ErrNilValue = errors.New("nil value")
)

// Codec converts request bodies to and from structured data.
type Codec interface {
	// Encode encodes the value to bytes.
	Encode(v any) ([]byte, error)

	// Decode decodes data into a map. Empty data yields an empty map.
	Decode(data []byte) (map[string]any, error)

	// ContentType returns the content type this codec produces.
	ContentType() string
}

// Registry maps content types to codecs.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry creates a Registry with the JSON, form and YAML codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}

	jsonCodec := NewJSONCodec()
	r.Register(ContentTypeJSON, jsonCodec)
	r.Register("text/json", jsonCodec)

	r.Register(ContentTypeForm, NewFormCodec())

	yamlCodec := NewYAMLCodec()
	r.Register(ContentTypeYAML, yamlCodec)
	r.Register("application/x-yaml", yamlCodec)
	r.Register("text/yaml", yamlCodec)

	return r
}

// Register adds or replaces the codec for a content type.
func (r *Registry) Register(contentType string, codec Codec) {
	r.codecs[NormalizeContentType(contentType)] = codec
}

// Lookup returns the codec for contentType. Parameters such as charset are
// ignored.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	codec, ok := r.codecs[NormalizeContentType(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	return codec, nil
}

// NormalizeContentType strips parameters and lowercases the media type.
func NormalizeContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}
