// Package session owns the bridge's authenticated Matrix connection.
//
// # Overview
//
// A Session wraps the mautrix client and drives the whole connection
// lifecycle: first-login versus restore-from-store branching, end-to-end
// encryption setup, the long-poll sync loop, message and image delivery,
// and the device-verification traffic feeding the verify package's state
// machine.
//
// # Lifecycle
//
// Login must complete before any send is attempted; the caller starts
// the webhook listener only after Login returns. Run then blocks in the
// sync loop until its context is cancelled. Both the sync loop and the
// HTTP listener hold the same Session; send operations are internally
// serialized so the two never interleave a write.
package session
