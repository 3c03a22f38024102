// Package upload accepts multipart uploads on rules that enable them and
// re-encodes them for the backend call.
//
// Files are kept in memory or written to temp files, depending on the
// rule's storage setting. A file larger than maxFileSize fails the
// request with 413. Every parsed Form must be cleaned up exactly once
// after the backend call completes; Cleanup is idempotent and only logs
// failures.
package upload
