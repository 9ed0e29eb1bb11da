// Package verify drives the interactive emoji (SAS) device-verification
// handshake for the bridge's device.
//
// # Overview
//
// The bridge runs headless, so it auto-accepts any verification instance
// that offers the emoji method and walks the handshake to completion
// without operator input on its side; the derived emoji are logged so the
// operator can compare them on their own device.
//
// The package owns only the protocol state machine. All cryptography
// (key agreement, commitment, MAC) is delegated through the Transport
// interface to the underlying Matrix library.
//
// # Events
//
// Incoming to-device traffic is translated into a closed Event union
// (request, start, key, mac, cancel, done, unknown) keyed by transaction
// id. Transactions with distinct ids are fully independent. Terminal
// transactions are kept as tombstones so late or duplicate events for a
// finished handshake are ignored instead of resurrecting it.
//
// # Isolation
//
// Machine.Handle never panics and never returns an error: a malformed or
// adversarial event is logged with stack context and dropped, so the
// sync loop that feeds the machine cannot be killed by verification
// traffic.
package verify
