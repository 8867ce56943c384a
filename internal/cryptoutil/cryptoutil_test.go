package cryptoutil

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := GenerateKey()

	cases := []string{
		"hello world",
		"",
		"héllo wörld — ユニコード ✓",
		strings.Repeat("a", 10000),
		"{\"type\":\"fraud_alert\",\"payload\":{}}",
	}

	for _, plaintext := range cases {
		ct, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := Decrypt(ct, key)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if got != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	key := GenerateKey()

	a, err := Encrypt("same input", key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("same input", key)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of identical input produced identical ciphertext")
	}

	// Both must still decrypt to the original.
	for _, ct := range []string{a, b} {
		got, err := Decrypt(ct, key)
		if err != nil || got != "same input" {
			t.Errorf("Decrypt = %q, %v", got, err)
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ct, err := Encrypt("secret", GenerateKey())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decrypt(ct, GenerateKey()); err != ErrDecryptionFailed {
		t.Errorf("wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptCorruptedInput(t *testing.T) {
	key := GenerateKey()
	ct, err := Encrypt("secret", key)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"not base64":   "!!!not-base64!!!",
		"truncated":    ct[:8],
		"empty":        "",
		"flipped byte": flipLastChar(ct),
	}
	for name, corrupt := range cases {
		if _, err := Decrypt(corrupt, key); err != ErrDecryptionFailed {
			t.Errorf("%s: got %v, want ErrDecryptionFailed", name, err)
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	if Hash("data") != Hash("data") {
		t.Error("same input produced different digests")
	}
	if Hash("data") == Hash("Data") {
		t.Error("different inputs produced the same digest")
	}
	if len(Hash("")) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(Hash("")))
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	key := GenerateKey()
	sig := Sign("payload", key)

	if !VerifySignature("payload", sig, key) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("payload tampered", sig, key) {
		t.Error("tampered data accepted")
	}
	if VerifySignature("payload", flipLastChar(sig), key) {
		t.Error("tampered signature accepted")
	}
	if VerifySignature("payload", sig, GenerateKey()) {
		t.Error("signature accepted under a different key")
	}
}

func TestSecureRandomLength(t *testing.T) {
	if got := SecureRandom(16); len(got) != 32 {
		t.Errorf("SecureRandom(16) length = %d, want 32", len(got))
	}
	if SecureRandom(16) == SecureRandom(16) {
		t.Error("two random draws were identical")
	}
}

func flipLastChar(s string) string {
	last := s[len(s)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'B'
	}
	return s[:len(s)-1] + string(replacement)
}
