// Package relayserver is the untrusted store-and-forward relay for sealdm.
//
// It stores published X25519 public keys, two-party conversations and sealed
// envelope rows, and fans out per-conversation change and typing streams as
// server-sent events. It never sees plaintext or private keys.
//
// HTTP API (all under /api/v1, bearer JWT required)
//
//	PUT  /keys/{user}                                   publish own public key
//	GET  /keys/{user}                                   fetch a public key
//	POST /conversations                                 idempotent create-or-get
//	GET  /conversations                                 inbox for the caller
//	POST /conversations/{id}/read                       clear unread count
//	GET  /conversations/{id}/messages?since=N           rows with revision > N
//	POST /conversations/{id}/messages                   submit (idempotent by id)
//	PUT  /conversations/{id}/messages/{mid}             edit (sender only)
//	DELETE /conversations/{id}/messages/{mid}           delete (sender only)
//	POST /conversations/{id}/messages/{mid}/reactions   add or remove a reaction
//	GET  /conversations/{id}/stream                     change feed (SSE)
//	POST /conversations/{id}/typing                     publish typing state
//	GET  /conversations/{id}/typing                     typing feed (SSE)
//	POST /blobs?name=...                                upload attachment bytes
//	GET  /blobs/{id}                                    download attachment bytes
//
// GET /health is unauthenticated.
//
// Every mutation of a message (insert, edit, delete, reaction) bumps the
// conversation's revision counter and stamps it on the row, so a client that
// remembers the highest revision it applied can resync exactly what changed.
package relayserver
