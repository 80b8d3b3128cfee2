package types

import "time"

// Envelope is the relay-visible sealed form of one message body.
type Envelope struct {
	SenderFingerprint Fingerprint  `json:"sender_fingerprint"`
	EphemeralKey      X25519Public `json:"ephemeral_key"`
	Nonce             []byte       `json:"nonce"`
	Ciphertext        []byte       `json:"ciphertext"`
	Tag               []byte       `json:"tag"`
}

// EnvelopeRow is one message as stored and forwarded by the relay.
//
// ForRecipient is sealed to the recipient's key, ForSender to the sender's
// own key so the sender can read their history after a resync. Both are
// cleared when the message is deleted.
type EnvelopeRow struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	RecipientID    UserID         `json:"recipient_id"`
	Type           MessageType    `json:"type"`
	SealedAt       int64          `json:"sealed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	Deleted        bool           `json:"deleted"`
	Revision       int64          `json:"revision"`
	ForRecipient   *Envelope      `json:"for_recipient,omitempty"`
	ForSender      *Envelope      `json:"for_sender,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
}

// EnvelopeFor returns the envelope the given viewer can open.
func (r EnvelopeRow) EnvelopeFor(viewer UserID) *Envelope {
	if viewer == r.SenderID {
		return r.ForSender
	}
	return r.ForRecipient
}

// EditRequest replaces the sealed content of an existing message.
type EditRequest struct {
	ConversationID ConversationID `json:"conversation_id"`
	MessageID      MessageID      `json:"message_id"`
	SealedAt       int64          `json:"sealed_at"`
	ForRecipient   *Envelope      `json:"for_recipient"`
	ForSender      *Envelope      `json:"for_sender"`
}
