package crypto_test

import (
	"testing"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

func TestDHAgreement(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	ab, err := crypto.DH(&aPriv, bPub)
	if err != nil {
		t.Fatalf("DH a->b: %v", err)
	}
	ba, err := crypto.DH(&bPriv, aPub)
	if err != nil {
		t.Fatalf("DH b->a: %v", err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestDHRejectsZeroPoint(t *testing.T) {
	priv, _, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	if _, err := crypto.DH(&priv, domain.X25519Public{}); err == nil {
		t.Fatal("expected error for all-zero public key")
	}
}

func TestFingerprintShape(t *testing.T) {
	fp := crypto.Fingerprint(domain.X25519Public{9})
	if len(fp) != 20 {
		t.Fatalf("len = %d, want 20", len(fp))
	}
	if fp != crypto.Fingerprint(domain.X25519Public{9}) {
		t.Fatal("fingerprint not deterministic")
	}
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	_, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	got, err := crypto.ParsePublicKey(crypto.B64(pub[:]))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if got != pub {
		t.Fatal("mismatch")
	}
	if _, err := crypto.ParsePublicKey("AAAA"); err == nil {
		t.Fatal("expected length error")
	}
}

func TestFormatFingerprint(t *testing.T) {
	cases := map[domain.Fingerprint]string{
		"":                     "",
		"abcd":                 "ABCD",
		"0123456789abcdef0123": "0123 4567 89AB CDEF 0123",
		"abcdef":               "ABCD EF",
	}
	for in, want := range cases {
		if got := crypto.FormatFingerprint(in); got != want {
			t.Fatalf("FormatFingerprint(%q) = %q, want %q", in, got, want)
		}
	}
}
