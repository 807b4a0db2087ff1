// Package crypto provides the encryption boundary for credentials at rest:
// AES-256-GCM authenticated encryption with scrypt key derivation, and
// filesystem-backed master key management.
package crypto

// EncryptedData is the opaque at-rest representation of an encrypted
// payload. The authentication tag is carried separately from the
// ciphertext; Salt feeds key derivation so the same master key yields a
// distinct encryption key per payload.
type EncryptedData struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag"`
	Salt       []byte `json:"salt"`
}

// KeyDeriver derives cryptographic keys from a master key and salt.
// Implementations must be deterministic and computationally expensive to
// resist brute-force attacks.
type KeyDeriver interface {
	// DeriveKey derives a key from a master key and salt. The same inputs
	// always produce the same output.
	DeriveKey(masterKey, salt []byte) ([]byte, error)
}

// Encryptor encrypts and decrypts payloads under a master key.
type Encryptor interface {
	// Encrypt produces an EncryptedData for the plaintext. Every call uses
	// a fresh salt and nonce.
	Encrypt(plaintext, masterKey []byte) (*EncryptedData, error)

	// Decrypt recovers the plaintext, verifying the authentication tag.
	// Tampered data, a wrong key, or corrupted fields all fail with the
	// same error.
	Decrypt(data *EncryptedData, masterKey []byte) ([]byte, error)
}
