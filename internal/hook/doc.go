// Package hook implements the webhook surface of the bridge.
//
// # Overview
//
// The Server is a thin HTTP front end (GET / health check and
// POST /post/{token}); the Pipeline behind it resolves the token against
// the registry, formats the body per the configured message format
// (raw, json, yaml) or extracts a multipart file upload, and hands the
// result to the session for delivery. Every failure maps to a typed
// result and a structured JSON error response; nothing that happens
// while handling one request can crash the listener.
//
// # Message formats
//
// raw passes the body through byte-for-byte. json and yaml parse the
// body as JSON and re-serialize it pretty-printed; a body that fails to
// parse is logged and re-serialized as a plain string instead of failing
// the request. This best-effort fallthrough is inherited behavior and is
// kept intentionally, warts and all.
package hook
