// Package keyvault owns the local user's long-term X25519 key pair.
//
// It generates the pair, persists it through a passphrase-sealed
// domain.KeyStore and publishes the public half to the relay. Initialization
// is all-or-nothing: a pair that could not be published is either rolled
// back or, when the failure is transient, kept and marked pending so
// RepublishPending can finish the job on the next start. The private key is
// only ever lent to a callback through WithPrivateKey.
package keyvault
