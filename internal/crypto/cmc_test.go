package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCMCRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	plaintext := make([]byte, 32)
	rand.Read(plaintext)

	ct, err := EncryptCMC(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := DecryptCMC(key, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("CMC round trip mismatch")
	}
}

func TestCMCIsDeterministic(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	plaintext := make([]byte, 16)
	rand.Read(plaintext)

	a, err := EncryptCMC(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptCMC(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("CMC must be deterministic: equal plaintexts must yield equal ciphertexts")
	}
}

func TestCMCRejectsNonBlockMultiple(t *testing.T) {
	key := make([]byte, 32)
	if _, err := EncryptCMC(key, []byte("not 16 bytes")); err == nil {
		t.Fatal("expected error for non-block-aligned input")
	}
}
