package types

// UserID is the relay's opaque, stable identifier for an account.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// ConversationID identifies a two-party conversation on the relay.
type ConversationID string

// String returns the string form of the conversation id.
func (id ConversationID) String() string { return string(id) }

// MessageID identifies a message. Clients mint it before submission so the
// relay can treat it as an idempotency key.
type MessageID string

// String returns the string form of the message id.
func (id MessageID) String() string { return string(id) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }
