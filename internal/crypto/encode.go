package crypto

import (
	"encoding/base64"
	"fmt"

	"sealdm/internal/domain"
)

// B64 returns standard base64 encoding without newlines.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// ParsePublicKey decodes a base64 X25519 public key.
func ParsePublicKey(s string) (domain.X25519Public, error) {
	var pub domain.X25519Public
	if err := pub.UnmarshalText([]byte(s)); err != nil {
		return pub, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}
