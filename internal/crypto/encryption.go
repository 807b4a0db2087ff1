package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the encryption key size in bytes (AES-256).
	KeySize = 32

	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag size in bytes.
	TagSize = 16

	// SaltSize is the key-derivation salt size in bytes.
	SaltSize = 32

	// Scrypt cost parameters, per OWASP recommendations.
	ScryptN = 32768
	ScryptR = 8
	ScryptP = 1
)

// GenerateSalt returns a cryptographically secure random salt. Each
// encryption uses a fresh salt so identical plaintexts never share a
// derived key.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate random salt: %w", err)
	}
	return salt, nil
}

// ScryptDeriver implements KeyDeriver with scrypt. Scrypt is memory-hard,
// which resists ASIC and GPU brute-forcing.
type ScryptDeriver struct {
	n      int
	r      int
	p      int
	keyLen int
}

var _ KeyDeriver = (*ScryptDeriver)(nil)

// NewScryptDeriver returns a deriver with the package's default cost
// parameters and a 32-byte output for AES-256.
func NewScryptDeriver() *ScryptDeriver {
	return &ScryptDeriver{n: ScryptN, r: ScryptR, p: ScryptP, keyLen: KeySize}
}

// DeriveKey implements KeyDeriver.
func (d *ScryptDeriver) DeriveKey(masterKey, salt []byte) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: expected %d bytes, got %d", SaltSize, len(salt))
	}
	key, err := scrypt.Key(masterKey, salt, d.n, d.r, d.p, d.keyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return key, nil
}

// AESGCMEncryptor implements Encryptor with AES-256-GCM. GCM provides
// authenticated encryption: confidentiality plus tamper detection.
type AESGCMEncryptor struct {
	keyDeriver KeyDeriver
}

var _ Encryptor = (*AESGCMEncryptor)(nil)

// NewAESGCMEncryptor returns an encryptor backed by scrypt derivation.
func NewAESGCMEncryptor() *AESGCMEncryptor {
	return &AESGCMEncryptor{keyDeriver: NewScryptDeriver()}
}

// Encrypt implements Encryptor. A fresh salt and nonce are generated per
// call; nonce reuse under the same key would break GCM entirely.
func (e *AESGCMEncryptor) Encrypt(plaintext, masterKey []byte) (*EncryptedData, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	derivedKey, err := e.keyDeriver.DeriveKey(masterKey, salt)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag to the ciphertext; the wire format carries them
	// separately.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcm.Overhead()
	return &EncryptedData{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		Salt:       salt,
	}, nil
}

// Decrypt implements Encryptor. The error deliberately does not
// distinguish a wrong key from tampered data.
func (e *AESGCMEncryptor) Decrypt(data *EncryptedData, masterKey []byte) ([]byte, error) {
	if data == nil || len(data.Ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext cannot be empty")
	}
	if len(data.Nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: expected %d bytes, got %d", NonceSize, len(data.Nonce))
	}
	if len(data.Tag) != TagSize {
		return nil, fmt.Errorf("invalid tag size: expected %d bytes, got %d", TagSize, len(data.Tag))
	}
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	derivedKey, err := e.keyDeriver.DeriveKey(masterKey, data.Salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(data.Ciphertext)+len(data.Tag))
	sealed = append(sealed, data.Ciphertext...)
	sealed = append(sealed, data.Tag...)

	plaintext, err := gcm.Open(nil, data.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: authentication verification failed or invalid key")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if gcm.NonceSize() != NonceSize {
		return nil, fmt.Errorf("unexpected GCM nonce size: got %d, expected %d", gcm.NonceSize(), NonceSize)
	}
	return gcm, nil
}
