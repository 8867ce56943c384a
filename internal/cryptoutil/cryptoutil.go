// Package cryptoutil provides the symmetric crypto primitives shared by the
// security core: AES-256-GCM encryption, SHA-256 hashing, HMAC-SHA256
// signing, and secure random generation.
//
// Keys are hex-encoded 32-byte strings throughout (see GenerateKey).
// Encryption is deliberately non-deterministic: every call draws a fresh
// nonce, so identical plaintexts produce different ciphertexts.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// KeySize is the symmetric key size in bytes (AES-256).
const KeySize = 32

// ErrDecryptionFailed is returned for every decryption failure. The cause
// (wrong key, truncated input, corrupt ciphertext) is intentionally not
// distinguished to avoid acting as a padding/format oracle.
var ErrDecryptionFailed = errors.New("decryption failed")

// GenerateKey returns a fresh 256-bit key, hex-encoded.
func GenerateKey() string {
	return SecureRandom(KeySize)
}

// SecureRandom returns n bytes of cryptographically secure randomness,
// hex-encoded (2n output characters).
func SecureRandom(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("cryptoutil: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Encrypt encrypts plaintext under the hex-encoded key with AES-256-GCM.
// The output is base64(nonce || ciphertext || tag). An empty plaintext
// round-trips to an empty plaintext.
func Encrypt(plaintext, keyHex string) (string, error) {
	aead, err := newAEAD(keyHex)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the exact inverse of Encrypt. Any failure returns
// ErrDecryptionFailed; it never returns garbage plaintext.
func Decrypt(ciphertext, keyHex string) (string, error) {
	aead, err := newAEAD(keyHex)
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(sealed) < aead.NonceSize() {
		return "", ErrDecryptionFailed
	}

	nonce, data := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Hash returns the SHA-256 digest of data, hex-encoded. Deterministic.
func Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HMAC returns the HMAC-SHA256 of data under key, hex-encoded.
func HMAC(data, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign is an alias for HMAC kept for signature-oriented call sites.
func Sign(data, key string) string {
	return HMAC(data, key)
}

// VerifySignature recomputes the HMAC and compares in constant time.
func VerifySignature(data, signature, key string) bool {
	expected := HMAC(data, key)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func newAEAD(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != KeySize {
		return nil, errors.New("invalid key: expected 64 hex characters")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
