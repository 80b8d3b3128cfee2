package interfaces

import (
	"context"

	domaintypes "sealdm/internal/domain/types"
)

// KeyVault owns the local key pair. The private key is only ever lent to
// a callback, never returned.
type KeyVault interface {
	UserID() domaintypes.UserID
	HasKeys() bool
	PublicKey() (domaintypes.X25519Public, bool)
	Fingerprint() domaintypes.Fingerprint
	WithPrivateKey(fn func(priv *domaintypes.X25519Private) error) error
}

// PeerKeys resolves counterparties' published public keys.
type PeerKeys interface {
	Resolve(ctx context.Context, user domaintypes.UserID) (domaintypes.X25519Public, bool, error)
	Invalidate(user domaintypes.UserID)
}
