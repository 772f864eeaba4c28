package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize        = 16     // Salt prepended to every blob
	KeySize         = 32     // AES-256 key size
	NonceSize       = 12     // GCM nonce size
	TagSize         = 16     // GCM authentication tag size
	DefaultIters    = 480000 // PBKDF2 iterations
	RecoveryKeySize = 24     // Recovery key entropy in bytes
)

var (
	ErrAuthFailed = errors.New("authentication failed")
	ErrCorrupt    = errors.New("corrupt blob")
)

// DeriveKey derives an AES-256 key from a password and salt using
// PBKDF2-HMAC-SHA256.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, DefaultIters, KeySize, sha256.New)
}

// Encrypt seals plaintext under a password using AES-256-GCM. A fresh
// 16-byte salt is generated on every call and prepended to the output,
// so the blob is self-describing: salt || nonce || ciphertext.
func Encrypt(plaintext, password []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveKey(password, salt)
	defer ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	result := make([]byte, 0, SaltSize+NonceSize+len(plaintext)+TagSize)
	result = append(result, salt...)
	result = append(result, nonce...)
	result = gcm.Seal(result, nonce, plaintext, nil)

	return result, nil
}

// Decrypt opens a salt-prefixed blob produced by Encrypt. A structurally
// malformed blob yields ErrCorrupt; a wrong password or tampered
// ciphertext yields ErrAuthFailed.
func Decrypt(blob, password []byte) ([]byte, error) {
	if len(blob) < SaltSize+NonceSize+TagSize {
		return nil, ErrCorrupt
	}

	salt := blob[:SaltSize]
	nonce := blob[SaltSize : SaltSize+NonceSize]
	ciphertext := blob[SaltSize+NonceSize:]

	key := DeriveKey(password, salt)
	defer ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return plaintext, nil
}

// ReEncrypt decrypts a blob with the old password and seals the
// plaintext again under the new password with a fresh salt. It fails
// immediately with ErrAuthFailed if the old password is wrong.
func ReEncrypt(blob, oldPassword, newPassword []byte) ([]byte, error) {
	plaintext, err := Decrypt(blob, oldPassword)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(plaintext)

	return Encrypt(plaintext, newPassword)
}

// GenerateRecoveryKey returns a URL-safe random token with 24 bytes of
// entropy. The token is shown to the user exactly once.
func GenerateRecoveryKey() (string, error) {
	b := make([]byte, RecoveryKeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate recovery key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
