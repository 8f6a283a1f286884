package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// credentialSalt is the fixed scrypt salt for the single local credential
// key this store manages — there is only ever one credential, so there is
// no per-account salt to key by the way the teacher's account store does
// (internal/account/crypto.go derives one key per account via a per-account
// salt).
const credentialSalt = "ccrelay-credential-v1"

// deriveKey derives the AES-256 key used to encrypt the credential triple
// at rest, using the same scrypt cost parameters as the teacher's
// account.Crypto.DeriveKey.
func deriveKey(secret []byte) ([]byte, error) {
	key, err := scrypt.Key(secret, []byte(credentialSalt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}
	return key, nil
}

// encryptField AES-256-CBC encrypts plaintext with a random IV, returning
// "{iv_hex}:{ciphertext_hex}" — the teacher's on-disk encoding
// (internal/account/crypto.go Encrypt). An empty plaintext round-trips as
// an empty string without ever touching the cipher.
func encryptField(key []byte, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// decryptField reverses encryptField.
func decryptField(key []byte, encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted field: missing ':'")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}
	return string(unpadded), nil
}

// encryptTriple encrypts the refresh and access tokens, leaving ExpiresAt
// (advisory, not secret) in the clear.
func encryptTriple(key []byte, t Triple) (Triple, error) {
	refresh, err := encryptField(key, t.Refresh)
	if err != nil {
		return Triple{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	access, err := encryptField(key, t.Access)
	if err != nil {
		return Triple{}, fmt.Errorf("encrypt access token: %w", err)
	}
	return Triple{Refresh: refresh, Access: access, ExpiresAt: t.ExpiresAt}, nil
}

func decryptTriple(key []byte, stored Triple) (Triple, error) {
	refresh, err := decryptField(key, stored.Refresh)
	if err != nil {
		return Triple{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	access, err := decryptField(key, stored.Access)
	if err != nil {
		return Triple{}, fmt.Errorf("decrypt access token: %w", err)
	}
	return Triple{Refresh: refresh, Access: access, ExpiresAt: stored.ExpiresAt}, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
