package store

import (
	"encoding/json"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Version 1 blobs predate the kdf field and are always scrypt.
func TestOpenBlobReadsVersion1(t *testing.T) {
	salt := []byte("0123456789abcdef")
	key, err := scrypt.Key([]byte("pw"), salt, 1<<10, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		t.Fatalf("scrypt: %v", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	legacy, err := json.Marshal(map[string]any{
		"v":        1,
		"salt":     salt,
		"scrypt_N": 1 << 10,
		"scrypt_r": 8,
		"scrypt_p": 1,
		"cipher":   aead.Seal(nil, nonce[:], []byte("secret"), salt),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	pt, err := openBlob("pw", legacy)
	if err != nil {
		t.Fatalf("openBlob: %v", err)
	}
	if string(pt) != "secret" {
		t.Fatalf("got %q", pt)
	}
}

func TestOpenBlobRejectsFutureVersion(t *testing.T) {
	b, _ := json.Marshal(blob{V: keystoreFormatVersion + 1, KDF: kdfArgon2id})
	if _, err := openBlob("pw", b); err == nil {
		t.Fatal("expected error for future version")
	}
}
