package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeyFilePermission restricts key files to owner read/write.
const KeyFilePermission = 0600

// KeyManager manages the master encryption key's lifecycle.
type KeyManager interface {
	// GenerateKey returns a new cryptographically secure random key.
	GenerateKey() ([]byte, error)

	// LoadKey loads a key from the given path, refusing files with
	// permissions looser than 0600.
	LoadKey(path string) ([]byte, error)

	// SaveKey writes a key to the given path with 0600 permissions.
	SaveKey(key []byte, path string) error

	// KeyExists reports whether a key file exists at the path.
	KeyExists(path string) bool
}

// FileKeyManager implements KeyManager on the local filesystem.
type FileKeyManager struct {
	keySize int
}

var _ KeyManager = (*FileKeyManager)(nil)

// NewFileKeyManager returns a manager producing 32-byte AES-256 keys.
func NewFileKeyManager() *FileKeyManager {
	return &FileKeyManager{keySize: KeySize}
}

// GenerateKey implements KeyManager.
func (m *FileKeyManager) GenerateKey() ([]byte, error) {
	key := make([]byte, m.keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// SaveKey implements KeyManager. The parent directory is created with 0700
// when missing.
func (m *FileKeyManager) SaveKey(key []byte, path string) error {
	if len(key) != m.keySize {
		return fmt.Errorf("invalid key size: expected %d bytes, got %d", m.keySize, len(key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, KeyFilePermission); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to verify key file permissions: %w", err)
	}
	if info.Mode().Perm() != KeyFilePermission {
		return fmt.Errorf("key file has incorrect permissions: got %o, expected %o", info.Mode().Perm(), KeyFilePermission)
	}
	return nil
}

// LoadKey implements KeyManager.
func (m *FileKeyManager) LoadKey(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key file does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != KeyFilePermission {
		return nil, fmt.Errorf("key file has insecure permissions: %o (expected %o); fix with: chmod %o %s",
			perm, KeyFilePermission, KeyFilePermission, path)
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) != m.keySize {
		return nil, fmt.Errorf("invalid key size in file: expected %d bytes, got %d", m.keySize, len(key))
	}
	return key, nil
}

// KeyExists implements KeyManager.
func (m *FileKeyManager) KeyExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadOrCreateKey loads the key at path, generating and persisting a fresh
// one when none exists.
func LoadOrCreateKey(m KeyManager, path string) ([]byte, error) {
	if m.KeyExists(path) {
		return m.LoadKey(path)
	}
	key, err := m.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := m.SaveKey(key, path); err != nil {
		return nil, err
	}
	return key, nil
}
