// Package envelope seals and opens message bodies for a single recipient.
//
// Each Seal generates a fresh X25519 key pair, agrees a secret with the
// recipient's long-term public key, derives a ChaCha20-Poly1305 key with
// HKDF-SHA256 and encrypts under a random nonce. The associated data binds
// the envelope to its conversation, message id, both participants and the
// sender's seal time, so an envelope spliced into another row fails to open.
//
// The package is pure: no I/O, no logging. Shared secrets and derived keys
// are wiped before return.
package envelope
