package crypto

import (
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// KeyBytes is the size of every symmetric key this package derives.
const KeyBytes = 32

// Argon2id parameters for new keystores.
const (
	ArgonTime    uint32 = 1
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
)

// DeriveKEKArgon2 derives a key-encryption key from a passphrase and salt
// using Argon2id with the parameters recorded in a keystore header.
func DeriveKEKArgon2(passphrase string, salt []byte, t, m uint32, p uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, t, m, p, KeyBytes)
}

// DeriveKEKScrypt derives a key-encryption key with scrypt. Kept so older
// keystores remain readable.
func DeriveKEKScrypt(passphrase string, salt []byte, n, r, p int) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, n, r, p, KeyBytes)
}
