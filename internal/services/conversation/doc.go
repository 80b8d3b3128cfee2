// Package conversation keeps the client-side, decrypted projection of each
// conversation: messages in display order, reactions, the inbox, the
// per-conversation sync cursor and the persisted synced revision.
//
// Messages are ordered by (CreatedAt, ID). A row confirmed by the relay
// always wins over an optimistic local row with the same id, and an edit
// never moves a message. Each conversation has its own lock so a sync loop
// writing one thread never blocks readers of another. Observers receive
// coarse Change notifications through Watch.
package conversation
