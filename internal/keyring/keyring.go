// Package keyring keeps Foreman's master encryption key in the OS keychain.
package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	zkr "github.com/zalando/go-keyring"
)

const (
	service = "foreman"
	account = "master-encryption-key"

	// KeySize is the length of the master key in bytes.
	KeySize = 32

	// DisableEnv set to "1" turns the keychain off (headless hosts, CI, containers).
	DisableEnv = "FOREMAN_KEYRING_DISABLED"
)

// ErrNotFound is returned by Get when no master key is stored.
var ErrNotFound = errors.New("master key not in keychain")

var (
	probeOnce sync.Once
	usable    bool
)

// Get returns the stored master key.
func Get() ([]byte, error) {
	hexKey, err := zkr.Get(service, account)
	if errors.Is(err, zkr.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("keychain entry is not hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("keychain key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// Set stores key as the master key.
func Set(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	if err := zkr.Set(service, account, hex.EncodeToString(key)); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

// Available reports whether the keychain can be used. The write/delete
// probe runs once per process.
func Available() bool {
	if os.Getenv(DisableEnv) == "1" {
		return false
	}
	probeOnce.Do(func() {
		const probeService = "foreman-keyring-probe"
		if err := zkr.Set(probeService, "probe", "ok"); err != nil {
			return
		}
		_ = zkr.Delete(probeService, "probe")
		usable = true
	})
	return usable
}
