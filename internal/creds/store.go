// ABOUTME: Durable storage for the bridge's Matrix login credentials
// ABOUTME: Atomic JSON file persistence with a NotFound first-run signal

package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound indicates no credential record exists yet. Callers treat
// this as the first-run signal and perform a password login.
var ErrNotFound = errors.New("no stored credentials")

// Credential is the durable device identity issued by the homeserver on
// first login. The field names match the on-disk JSON layout.
type Credential struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

// Store reads and writes the credential record under a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on the
// first Save if it does not exist.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the location of the credential record.
func (s *Store) Path() string {
	return filepath.Join(s.dir, "credentials.json")
}

// Load reads the persisted credential. Returns ErrNotFound when the
// record does not exist.
func (s *Store) Load() (*Credential, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	return &cred, nil
}

// Save writes the full credential record atomically: the JSON is written
// to a temp file in the same directory and renamed over the old record,
// so a concurrent Load never sees a partial file. A write failure is
// returned immediately; the bridge cannot operate without durable
// credentials, so the caller treats it as fatal.
func (s *Store) Save(cred *Credential) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "credentials-*.json")
	if err != nil {
		return fmt.Errorf("creating temp credentials file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting credentials permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp credentials file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing credentials file: %w", err)
	}
	return nil
}
