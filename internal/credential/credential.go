// Package credential encrypts values stored at rest (conversation answers,
// command log rows) with AES-256-GCM. Encrypted values carry an "enc:" prefix
// so plaintext rows written before a key existed still read back.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/neboloop/foreman/internal/keyring"
	"github.com/neboloop/foreman/internal/logging"
)

const encPrefix = "enc:"

// KeyEnv holds a hex-encoded 32-byte key that overrides every other source.
const KeyEnv = "FOREMAN_ENCRYPTION_KEY"

var (
	encKey []byte
	mu     sync.RWMutex
)

// Init sets the master encryption key. Called once at startup.
func Init(key []byte) {
	mu.Lock()
	defer mu.Unlock()
	encKey = key
}

// LoadKey resolves the master key: environment first, then the OS keychain,
// then a key file in dataDir. A new key is generated and persisted when none
// exists yet.
func LoadKey(dataDir string) ([]byte, error) {
	if v := os.Getenv(KeyEnv); v != "" {
		decoded, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: must be hex encoded: %w", KeyEnv, err)
		}
		if len(decoded) != keyring.KeySize {
			return nil, fmt.Errorf("invalid %s: must be 32 bytes (256 bits)", KeyEnv)
		}
		return decoded, nil
	}

	useKeyring := keyring.Available()
	if useKeyring {
		if key, err := keyring.Get(); err == nil {
			return key, nil
		}
	}

	keyFile := filepath.Join(dataDir, ".foreman-key")
	if data, err := os.ReadFile(keyFile); err == nil {
		decoded, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(decoded) == keyring.KeySize {
			return decoded, nil
		}
	}

	key := make([]byte, keyring.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	if useKeyring {
		if err := keyring.Set(key); err == nil {
			return key, nil
		}
		logging.Warnf("[credential] Keychain write failed, falling back to key file")
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts a plaintext string and prepends the "enc:" prefix.
// Returns empty string for empty input. Without a key the value is returned
// unchanged.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	mu.RLock()
	k := encKey
	mu.RUnlock()
	if k == nil {
		return plaintext, nil
	}

	ct, err := encryptString(plaintext, k)
	if err != nil {
		return "", err
	}
	return encPrefix + ct, nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as-is.
func Decrypt(value string) (string, error) {
	if value == "" || !IsEncrypted(value) {
		return value, nil
	}
	mu.RLock()
	k := encKey
	mu.RUnlock()
	if k == nil {
		return "", fmt.Errorf("encrypted value but no key loaded")
	}
	return decryptString(strings.TrimPrefix(value, encPrefix), k)
}

// IsEncrypted returns true if the value has the "enc:" prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

func encryptString(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

func decryptString(ciphertext string, key []byte) (string, error) {
	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, cipherdata := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherdata, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
