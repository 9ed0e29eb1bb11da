// ABOUTME: End-to-end encryption setup for the bridge session
// ABOUTME: Configures the mautrix crypto helper with a SQLite store

package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/id"
)

// CryptoManager handles Matrix E2EE setup and lifecycle.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto initializes E2EE for the Matrix client. The dataDir is
// used to store the SQLite crypto database. If a device ID mismatch is
// detected (a fresh login created a new device while the store still
// holds keys for the old one), the crypto database is reset first.
func SetupCrypto(ctx context.Context, client *mautrix.Client, userID string, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Include user ID in db path for isolation
	userSlug := slugify(userID)
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", userSlug))
	logger.Info("setting up encryption", "db", dbPath, "user", userSlug)

	// Derive the store key from the user ID so each user's crypto store
	// has a unique encryption key without requiring external secrets.
	storeKey := deriveStoreKey(userID)

	helper, err := initCryptoHelper(ctx, client, storeKey, dbPath, logger)
	if err != nil {
		return nil, err
	}

	// Wire up the crypto helper so outgoing room sends encrypt
	// transparently when the destination room is encrypted.
	client.Crypto = helper

	// Verification status of recipients must never block delivery: a
	// webhook message that silently fails because a third device is
	// unverified would be worse than delivering to it.
	helper.Machine().SendKeysMinTrust = id.TrustStateUnset

	logger.Info("encryption initialized")
	return &CryptoManager{helper: helper, logger: logger}, nil
}

// Machine returns the underlying Olm machine.
func (cm *CryptoManager) Machine() *crypto.OlmMachine {
	return cm.helper.Machine()
}

// Close cleans up crypto resources.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @hookbot:matrix.org -> hookbot_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey creates a deterministic store encryption key from the
// user ID.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("webhook-bridge-crypto:" + userID))
	return h[:]
}

// initCryptoHelper creates and initializes the crypto helper, resetting
// the database first when its stored device ID no longer matches the
// client's. This handles a re-login that produced a new device ID while
// the store still has keys for the old one.
func initCryptoHelper(ctx context.Context, client *mautrix.Client, storeKey []byte, dbPath string, logger *slog.Logger) (*cryptohelper.CryptoHelper, error) {
	if needsReset, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if needsReset {
		logger.Warn("device ID mismatch detected, resetting crypto database before init")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing old crypto database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
		logger.Info("crypto database reset")
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}

	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	return helper, nil
}

// checkDeviceIDMismatch opens the crypto database and checks if the
// stored device ID matches the current client device ID. Returns true
// if the DB exists and has a different device ID.
func checkDeviceIDMismatch(dbPath string, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil // No DB, no mismatch
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil // No account stored yet
		}
		return false, err
	}

	return storedDeviceID != currentDeviceID, nil
}
