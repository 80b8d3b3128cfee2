package interfaces

import domaintypes "sealdm/internal/domain/types"

// KeyStore persists the local key pair, sealed under a passphrase.
type KeyStore interface {
	HasKeyPair() (bool, error)
	SaveKeyPair(passphrase string, pair domaintypes.KeyPair) error
	LoadKeyPair(passphrase string) (domaintypes.KeyPair, error)
	DeleteKeyPair() error

	// Pending publish marks a key pair that exists locally but has not yet
	// been accepted by the relay.
	SetPendingPublish(pending bool) error
	PendingPublish() (bool, error)
}

// JournalEntry is an outgoing operation that has been sealed but not yet
// acknowledged by the relay. It never carries plaintext.
type JournalEntry struct {
	Row      domaintypes.EnvelopeRow
	Attempts int
}

// StateStore keeps client-local sync and outbox state.
type StateStore interface {
	PutJournal(entry JournalEntry) error
	DeleteJournal(id domaintypes.MessageID) error
	ListJournal(conversation domaintypes.ConversationID) ([]JournalEntry, error)
	ListAllJournal() ([]JournalEntry, error)

	Cursor(conversation domaintypes.ConversationID) (int64, error)
	SetCursor(conversation domaintypes.ConversationID, revision int64) error
}
