// Package commands defines the sealdm CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init              Create and publish your key pair, save relay settings
//   - fingerprint       Print your public key fingerprint
//   - status <peer>     Check whether a peer can receive encrypted messages
//   - inbox             List conversations with unread counts
//   - send <peer> ...   Encrypt and send a message or attachment
//   - edit, delete      Change or remove one of your messages
//   - react             Toggle a reaction
//   - history <peer>    Fetch and decrypt a conversation
//   - chat <peer>       Live conversation with typing signals
//   - flush             Retry queued sends and a pending key publish
//
// # Implementation
//
// The root command loads config.json from the home directory, applies
// SEALDM_* environment variables and then flags, and builds the client
// (stores, services, relay client) before any subcommand runs.
package commands
