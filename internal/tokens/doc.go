// Package tokens maps opaque webhook tokens to destination rooms.
//
// The registry is parsed once at startup from a whitespace- or
// newline-delimited configuration string of "token,room,app_name" groups
// and is immutable afterwards, so concurrent webhook requests read it
// without locking. Malformed groups are logged and skipped rather than
// aborting the parse; an empty result only disables webhook delivery, it
// does not stop the bridge.
package tokens
