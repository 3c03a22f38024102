// Package signing authenticates gateway calls to signed backends.
//
// A signed route carries an access key pair. Before dispatch the signer
// adds authentication headers computed over the method and the
// request-target (path plus merged query). Two signers are built in:
//
//   - hmac (default): Authorization: SYSTEM <id>:<sig> plus Date
//   - jwt: Authorization: Bearer <HS256 token> with iss, iat, exp, mth, uri
//
// Signed routes also mark calls with X-Request-From: browser unless the
// route sets ignoreFromMarker.
package signing
