// Package crypto provides the password-derived encryption used for
// every secret the store writes into the synchronized folder.
//
// Encryption uses AES-256-GCM with:
//   - 32-byte key derived from password via PBKDF2
//   - 16-byte random salt, freshly generated per encryption, prepended
//     to the blob so any device can decrypt with the password alone
//   - 12-byte random nonce per encryption operation
//   - Authenticated encryption prevents tampering
//
// Key derivation uses PBKDF2-HMAC-SHA256 with 480,000 iterations.
//
// Decrypt distinguishes ErrCorrupt (malformed blob structure) from
// ErrAuthFailed (wrong password or tampered ciphertext) so callers can
// re-prompt on the latter and skip the offending unit on the former.
//
// Memory safety: use ClearBytes() to zero sensitive data after use.
package crypto
