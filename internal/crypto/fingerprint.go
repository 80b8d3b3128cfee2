package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"sealdm/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key: the first
// 10 bytes of its SHA-256 (20 hex chars).
func Fingerprint(pub domain.X25519Public) domain.Fingerprint {
	sum := sha256.Sum256(pub[:])
	return domain.Fingerprint(hex.EncodeToString(sum[:10]))
}

// FormatFingerprint groups a fingerprint into uppercase blocks of four for
// reading aloud, e.g. "1A2B 3C4D ...".
func FormatFingerprint(fp domain.Fingerprint) string {
	clean := strings.ToUpper(strings.ReplaceAll(string(fp), " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
