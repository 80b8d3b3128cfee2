// Command relay runs the untrusted sealdm relay (see internal/relayserver
// for the HTTP API). It never sees plaintext or private keys.
//
// Subcommands
//
//   - serve         Run the server. Configured from RELAY_ADDR, DATABASE_URL
//     (PostgreSQL, in-memory when unset), REDIS_URL (pub/sub fan-out,
//     in-process when unset), JWT_SECRET, JWT_ISSUER and BLOB_DIR.
//   - token <user>  Issue a bearer token signed with JWT_SECRET
package main
