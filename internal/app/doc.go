// Package app wires application dependencies for the CLI.
//
// It builds the key store, state database, relay client and the client
// services from Config, exposing them via the Wire struct. Client is the
// surface commands use: key setup, capability checks, sending, and reads
// from the local conversation store.
package app
