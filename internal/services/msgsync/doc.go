// Package msgsync keeps a ConversationStore in step with the relay.
//
// Each open conversation runs a small state machine:
//
//	Idle → Subscribing → Live → (Reconnecting → Live | Closed)
//
// The live change stream is opened before the catch-up fetch so nothing
// published in between is missed. When the stream drops, the handle moves
// to Reconnecting, resubscribes with exponential backoff and fetches every
// row past the stored revision cursor before it reports Live again. Rows
// that fail authentication become placeholders and are never retried.
package msgsync
