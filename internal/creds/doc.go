// Package creds persists the bridge's Matrix device identity.
//
// A single JSON record at {storePath}/credentials.json holds the
// homeserver URL, user id, device id, and access token obtained from the
// first password login. Its absence is the first-run signal: the session
// performs a fresh login and saves the resulting credential, and every
// later start restores the same device identity from the record instead
// of creating a new device.
//
// Writes are atomic (temp file + rename) so a concurrent reader never
// observes a partial record. Records are replaced wholesale, never
// mutated in place.
package creds
