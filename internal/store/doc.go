// Package store provides client-local persistence for sealdm.
//
// It contains concrete implementations of the domain storage interfaces:
//   - KeyFileStore keeps the long-term key pair in a passphrase-sealed file
//     (Argon2id or scrypt + ChaCha20-Poly1305) next to a small JSON state
//     file carrying the pending-publish marker.
//   - StateDB is a SQLite database holding the outbox journal and per
//     conversation sync cursors. The journal only ever stores sealed rows.
//
// All methods are concurrency-safe. Files live under the configured home
// directory.
package store
