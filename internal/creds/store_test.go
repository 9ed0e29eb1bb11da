// ABOUTME: Tests for credential persistence
// ABOUTME: Covers first-run NotFound, roundtrip, and wholesale replacement

package creds

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NotFound(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "store"))

	cred := &Credential{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@hookbot:example.org",
		DeviceID:    "ABCDEFGHIJ",
		AccessToken: "syt_secret_token",
	}
	require.NoError(t, store.Save(cred))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, cred, loaded)
}

func TestSave_ReplacesWholesale(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Save(&Credential{
		Homeserver:  "https://old.example.org",
		UserID:      "@hookbot:example.org",
		DeviceID:    "OLDDEVICE0",
		AccessToken: "old-token",
	}))
	require.NoError(t, store.Save(&Credential{
		Homeserver:  "https://new.example.org",
		UserID:      "@hookbot:example.org",
		DeviceID:    "NEWDEVICE0",
		AccessToken: "new-token",
	}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "NEWDEVICE0", loaded.DeviceID)
	assert.Equal(t, "new-token", loaded.AccessToken)
}

func TestSave_OnDiskLayout(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save(&Credential{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@hookbot:example.org",
		DeviceID:    "ABCDEFGHIJ",
		AccessToken: "syt_secret_token",
	}))

	data, err := os.ReadFile(filepath.Join(dir, "credentials.json"))
	require.NoError(t, err)

	var raw map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "@hookbot:example.org", raw["user_id"])
	assert.Equal(t, "ABCDEFGHIJ", raw["device_id"])
	assert.Equal(t, "syt_secret_token", raw["access_token"])
	assert.Equal(t, "https://matrix.example.org", raw["homeserver"])

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_UnwritableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0500))
	t.Cleanup(func() { os.Chmod(dir, 0700) })

	store := NewStore(dir)
	err := store.Save(&Credential{UserID: "@hookbot:example.org"})
	assert.Error(t, err)
}
