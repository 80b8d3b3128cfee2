// Package outbox seals and submits outgoing operations: sends, edits,
// deletes and reaction toggles.
//
// Nothing leaves the device unless both sides have keys; otherwise the
// caller gets a *domain.EncryptionUnavailableError and the relay sees no
// traffic. Every message is sealed twice (recipient and self), shown
// optimistically as pending, journaled in sealed form, then submitted under
// its client-minted id so retries are idempotent. Operations on one
// conversation are submitted strictly in the order they were accepted.
package outbox
