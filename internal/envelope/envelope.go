package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

const (
	info      = "sealdm/envelope/v1"
	nonceSize = chacha20poly1305.NonceSize
	tagSize   = chacha20poly1305.Overhead
)

// Sealer identifies the sending side. Its fingerprint is copied into the
// envelope and bound into the tag; the sender's private key is not involved.
type Sealer interface {
	Fingerprint() domain.Fingerprint
}

// Opener lends the recipient's private key for the duration of fn.
type Opener interface {
	WithPrivateKey(fn func(priv *domain.X25519Private) error) error
}

// AssociatedData is the row context bound into the AEAD tag.
type AssociatedData struct {
	ConversationID domain.ConversationID
	MessageID      domain.MessageID
	SenderID       domain.UserID
	RecipientID    domain.UserID
	SealedAt       int64
}

// ForRow returns the associated data for a relay row.
func ForRow(row domain.EnvelopeRow) AssociatedData {
	return AssociatedData{
		ConversationID: row.ConversationID,
		MessageID:      row.ID,
		SenderID:       row.SenderID,
		RecipientID:    row.RecipientID,
		SealedAt:       row.SealedAt,
	}
}

// Bytes is the canonical length-prefixed encoding.
func (ad AssociatedData) Bytes() []byte {
	var out []byte
	for _, s := range []string{
		string(ad.ConversationID),
		string(ad.MessageID),
		string(ad.SenderID),
		string(ad.RecipientID),
	} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	return binary.BigEndian.AppendUint64(out, uint64(ad.SealedAt))
}

// boundTo appends the sender fingerprint to the row context, so a relay
// cannot relabel who sealed an envelope.
func (ad AssociatedData) boundTo(fp domain.Fingerprint) []byte {
	out := binary.BigEndian.AppendUint32(ad.Bytes(), uint32(len(fp)))
	return append(out, fp...)
}

// Seal encrypts plaintext for recipient.
func Seal(plaintext []byte, recipient domain.X25519Public, sender Sealer, ad AssociatedData) (domain.Envelope, error) {
	if recipient.IsZero() {
		return domain.Envelope{}, errors.New("envelope: empty recipient key")
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("envelope: ephemeral key: %w", err)
	}
	defer crypto.WipeKey((*[32]byte)(&ephPriv))

	shared, err := crypto.DH(&ephPriv, recipient)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("envelope: agree: %w", err)
	}
	key := deriveKey(shared[:], ephPub, recipient)
	crypto.WipeKey(&shared)
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return domain.Envelope{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return domain.Envelope{}, fmt.Errorf("envelope: nonce: %w", err)
	}
	fp := sender.Fingerprint()
	sealed := aead.Seal(nil, nonce, plaintext, ad.boundTo(fp))
	split := len(sealed) - tagSize

	return domain.Envelope{
		SenderFingerprint: fp,
		EphemeralKey:      ephPub,
		Nonce:             nonce,
		Ciphertext:        sealed[:split:split],
		Tag:               sealed[split:],
	}, nil
}

// Open decrypts env with the opener's private key. Any failure caused by the
// envelope contents is reported as domain.ErrTagMismatch; errors from the
// opener itself (for example a locked vault) are returned as is.
func Open(env domain.Envelope, ad AssociatedData, opener Opener) ([]byte, error) {
	if len(env.Nonce) != nonceSize || len(env.Tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed envelope", domain.ErrTagMismatch)
	}

	var key []byte
	err := opener.WithPrivateKey(func(priv *domain.X25519Private) error {
		shared, err := crypto.DH(priv, env.EphemeralKey)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTagMismatch, err)
		}
		self, err := crypto.PublicFromPrivate(*priv)
		if err != nil {
			crypto.WipeKey(&shared)
			return err
		}
		key = deriveKey(shared[:], env.EphemeralKey, self)
		crypto.WipeKey(&shared)
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	pt, err := aead.Open(nil, env.Nonce, sealed, ad.boundTo(env.SenderFingerprint))
	if err != nil {
		return nil, domain.ErrTagMismatch
	}
	return pt, nil
}

func deriveKey(shared []byte, eph, recipient domain.X25519Public) []byte {
	salt := make([]byte, 0, 64)
	salt = append(salt, eph[:]...)
	salt = append(salt, recipient[:]...)
	r := hkdf.New(sha256.New, shared, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	_, _ = io.ReadFull(r, key)
	return key
}
