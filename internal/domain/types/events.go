package types

import "time"

// ChangeKind names a relay change-feed event.
type ChangeKind string

const (
	ChangeInsert   ChangeKind = "insert"
	ChangeUpdate   ChangeKind = "update"
	ChangeReaction ChangeKind = "reaction_change"
)

// ChangeEvent is one entry of a conversation's change feed. Row always
// carries the full current state of the affected message, including its
// reactions.
type ChangeEvent struct {
	Kind           ChangeKind      `json:"kind"`
	ConversationID ConversationID  `json:"conversation_id"`
	Row            EnvelopeRow     `json:"row"`
	Reaction       *ReactionChange `json:"reaction,omitempty"`
}

// TypingEvent is an unencrypted, unpersisted presence signal.
type TypingEvent struct {
	ConversationID ConversationID `json:"conversation_id"`
	UserID         UserID         `json:"user_id"`
	IsTyping       bool           `json:"is_typing"`
	ObservedAt     time.Time      `json:"observed_at"`
}
