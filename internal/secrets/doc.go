// Package secrets resolves credential references used in gateway
// configuration.
//
// Any credential field (accessKeyId, accessKeySecret, redis password) may
// hold a reference of the form
//
//	secret://<provider>/<path>#<key>
//
// which is replaced at compile time by the value read from the named
// provider. Values without the secret:// scheme are used verbatim.
//
// # Providers
//
//   - env: environment variables with a configurable prefix
//     (default SVCPROXY_SECRET_). JSON object values expose one key per
//     field; other values are stored under "value".
//   - file: a directory of per-key files, or a YAML/JSON document.
//   - vault: a HashiCorp Vault KV v2 engine.
//
// # Metrics
//
//   - svcproxy_secrets_operation_duration_seconds
//   - svcproxy_secrets_operation_total
//   - svcproxy_secrets_provider_healthy
package secrets
