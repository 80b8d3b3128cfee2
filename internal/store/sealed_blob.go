package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

const (
	// Version 1 blobs are scrypt-only; version 2 records the KDF by name.
	keystoreFormatVersion = 2

	kdfArgon2id = "argon2id"
	kdfScrypt   = "scrypt"
)

// blob is the on-disk JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V    int    `json:"v"`
	KDF  string `json:"kdf,omitempty"`
	Salt []byte `json:"salt"`

	// scrypt
	N int `json:"scrypt_N,omitempty"`
	R int `json:"scrypt_r,omitempty"`
	P int `json:"scrypt_p,omitempty"`

	// argon2id
	Time    uint32 `json:"argon_t,omitempty"`
	Memory  uint32 `json:"argon_m,omitempty"`
	Threads uint8  `json:"argon_p,omitempty"`

	Cipher []byte `json:"cipher"`
}

// kdfParams selects how a new blob is sealed.
type kdfParams struct {
	name string

	n, r, p int

	time, memory uint32
	threads      uint8
}

func argonParamsDefault() kdfParams {
	return kdfParams{
		name:    kdfArgon2id,
		time:    crypto.ArgonTime,
		memory:  crypto.ArgonMemory,
		threads: crypto.ArgonThreads,
	}
}

func scryptParamsDefault() kdfParams {
	return kdfParams{name: kdfScrypt, n: 1 << 15, r: 8, p: 1}
}

// sealBlob derives a key from passphrase and seals raw into a JSON blob.
func sealBlob(passphrase string, raw []byte, kp kdfParams) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	b := blob{V: keystoreFormatVersion, KDF: kp.name, Salt: salt[:]}
	switch kp.name {
	case kdfArgon2id:
		b.Time, b.Memory, b.Threads = kp.time, kp.memory, kp.threads
	case kdfScrypt:
		b.N, b.R, b.P = kp.n, kp.r, kp.p
	default:
		return nil, fmt.Errorf("unknown kdf %q", kp.name)
	}
	key, err := deriveBlobKey(passphrase, b)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte // zero nonce; key is unique per salt
	b.Cipher = aead.Seal(nil, nonce[:], raw, salt[:])
	return json.Marshal(b)
}

// openBlob opens a JSON blob using a key derived from passphrase.
func openBlob(passphrase string, data []byte) ([]byte, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if b.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", b.V)
	}
	if b.V < 2 {
		b.KDF = kdfScrypt
	}
	key, err := deriveBlobKey(passphrase, b)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], b.Cipher, b.Salt)
	if err != nil {
		return nil, domain.ErrWrongPassphrase
	}
	return pt, nil
}

func deriveBlobKey(passphrase string, b blob) ([]byte, error) {
	switch b.KDF {
	case kdfArgon2id:
		return crypto.DeriveKEKArgon2(passphrase, b.Salt, b.Time, b.Memory, b.Threads), nil
	case kdfScrypt:
		return crypto.DeriveKEKScrypt(passphrase, b.Salt, b.N, b.R, b.P)
	default:
		return nil, fmt.Errorf("unknown kdf %q", b.KDF)
	}
}
