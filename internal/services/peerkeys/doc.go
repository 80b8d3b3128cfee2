// Package peerkeys resolves counterparties' published public keys through
// the relay and caches them for a bounded time.
package peerkeys
