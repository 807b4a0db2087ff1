package crypto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, 32, KeySize, "AES-256 requires 32-byte keys")
	assert.Equal(t, 12, NonceSize, "GCM standard nonce size")
	assert.Equal(t, 16, TagSize, "GCM standard tag size")
	assert.Equal(t, 32, SaltSize)
	assert.Equal(t, 32768, ScryptN, "OWASP recommended N=2^15")
	assert.Equal(t, 8, ScryptR)
	assert.Equal(t, 1, ScryptP)
}

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	require.NoError(t, err)
	assert.Len(t, salt1, SaltSize)

	salt2, err := GenerateSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2)
	assert.NotEqual(t, make([]byte, SaltSize), salt1)
}

func TestScryptDeriverDeterministic(t *testing.T) {
	deriver := NewScryptDeriver()
	salt, err := GenerateSalt()
	require.NoError(t, err)

	key1, err := deriver.DeriveKey([]byte("master"), salt)
	require.NoError(t, err)
	assert.Len(t, key1, KeySize)

	key2, err := deriver.DeriveKey([]byte("master"), salt)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	other, err := GenerateSalt()
	require.NoError(t, err)
	key3, err := deriver.DeriveKey([]byte("master"), other)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestScryptDeriverValidation(t *testing.T) {
	deriver := NewScryptDeriver()
	salt, _ := GenerateSalt()

	_, err := deriver.DeriveKey(nil, salt)
	assert.Error(t, err)

	_, err = deriver.DeriveKey([]byte("master"), []byte("short"))
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := NewAESGCMEncryptor()
	masterKey := []byte("test-master-key")
	plaintext := []byte(`{"token":"s3cr3t","endpoint":"https://api.example.com"}`)

	data, err := enc.Encrypt(plaintext, masterKey)
	require.NoError(t, err)

	assert.Len(t, data.Nonce, NonceSize)
	assert.Len(t, data.Tag, TagSize)
	assert.Len(t, data.Salt, SaltSize)
	assert.Len(t, data.Ciphertext, len(plaintext))
	assert.False(t, bytes.Contains(data.Ciphertext, []byte("s3cr3t")))

	decrypted, err := enc.Decrypt(data, masterKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesUniqueOutputs(t *testing.T) {
	enc := NewAESGCMEncryptor()
	masterKey := []byte("key")
	plaintext := []byte("same plaintext")

	a, err := enc.Encrypt(plaintext, masterKey)
	require.NoError(t, err)
	b, err := enc.Encrypt(plaintext, masterKey)
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptDetectsTampering(t *testing.T) {
	enc := NewAESGCMEncryptor()
	masterKey := []byte("key")

	data, err := enc.Encrypt([]byte("sensitive"), masterKey)
	require.NoError(t, err)

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		tampered := *data
		tampered.Ciphertext = append([]byte(nil), data.Ciphertext...)
		tampered.Ciphertext[0] ^= 0x01
		_, err := enc.Decrypt(&tampered, masterKey)
		assert.Error(t, err)
	})

	t.Run("flipped tag bit", func(t *testing.T) {
		tampered := *data
		tampered.Tag = append([]byte(nil), data.Tag...)
		tampered.Tag[0] ^= 0x01
		_, err := enc.Decrypt(&tampered, masterKey)
		assert.Error(t, err)
	})

	t.Run("wrong master key", func(t *testing.T) {
		_, err := enc.Decrypt(data, []byte("other-key"))
		assert.Error(t, err)
	})
}

func TestEncryptValidation(t *testing.T) {
	enc := NewAESGCMEncryptor()

	_, err := enc.Encrypt(nil, []byte("key"))
	assert.Error(t, err)

	_, err = enc.Encrypt([]byte("data"), nil)
	assert.Error(t, err)
}

func TestDecryptValidation(t *testing.T) {
	enc := NewAESGCMEncryptor()
	masterKey := []byte("key")
	data, err := enc.Encrypt([]byte("data"), masterKey)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(d *EncryptedData)
	}{
		{"empty ciphertext", func(d *EncryptedData) { d.Ciphertext = nil }},
		{"bad nonce size", func(d *EncryptedData) { d.Nonce = []byte("short") }},
		{"bad tag size", func(d *EncryptedData) { d.Tag = []byte("short") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broken := *data
			tt.mutate(&broken)
			_, err := enc.Decrypt(&broken, masterKey)
			assert.Error(t, err)
		})
	}

	_, err = enc.Decrypt(data, nil)
	assert.Error(t, err)
}

func TestEncryptedDataJSONRoundTrip(t *testing.T) {
	enc := NewAESGCMEncryptor()
	masterKey := []byte("key")

	data, err := enc.Encrypt([]byte("payload"), masterKey)
	require.NoError(t, err)

	raw, err := json.Marshal(data)
	require.NoError(t, err)

	var decoded EncryptedData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	plaintext, err := enc.Decrypt(&decoded, masterKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)
}
