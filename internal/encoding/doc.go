// Package encoding converts buffered request bodies to and from structured
// data so the proxy can move them between the body and the query string.
//
// Supported content types:
//
//   - JSON (application/json, text/json)
//   - url-encoded forms (application/x-www-form-urlencoded)
//   - YAML (application/yaml, application/x-yaml, text/yaml)
//
// Bodies of any other type are forwarded byte for byte by the caller.
//
// # Example Usage
//
//	codecs := encoding.NewRegistry()
//	codec, err := codecs.Lookup(r.Header.Get("Content-Type"))
//	if err != nil {
//	    // forward the body unchanged
//	}
//	data, err := codec.Decode(body)
//
// # Thread Safety
//
// Codecs are stateless. A Registry is safe for concurrent lookups once
// registration is done.
package encoding
