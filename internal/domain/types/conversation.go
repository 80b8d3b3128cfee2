package types

import "time"

// Conversation is a two-party conversation as known to the relay.
type Conversation struct {
	ID            ConversationID `json:"id"`
	Participants  [2]UserID      `json:"participants"`
	CreatedAt     time.Time      `json:"created_at"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
}

// Peer returns the participant that is not self.
func (c Conversation) Peer(self UserID) UserID {
	if c.Participants[0] == self {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Has reports whether u is a participant.
func (c Conversation) Has(u UserID) bool {
	return c.Participants[0] == u || c.Participants[1] == u
}

// OrderedPair returns a and b sorted so that the first is the smaller id.
// The relay keys conversations by this pair.
func OrderedPair(a, b UserID) [2]UserID {
	if b < a {
		return [2]UserID{b, a}
	}
	return [2]UserID{a, b}
}

// ConversationSummary is one inbox row from the viewer's perspective.
type ConversationSummary struct {
	ID            ConversationID `json:"id"`
	PeerID        UserID         `json:"peer_id"`
	LastMessageAt time.Time      `json:"last_message_at"`
	UnreadCount   int            `json:"unread_count"`
}

// Reaction is one (message, reactor, emoji) membership.
type Reaction struct {
	MessageID MessageID `json:"message_id"`
	ReactorID UserID    `json:"reactor_id"`
	Emoji     string    `json:"emoji"`
}

// ReactionChange adds or removes a single reaction.
type ReactionChange struct {
	ConversationID ConversationID `json:"conversation_id"`
	MessageID      MessageID      `json:"message_id"`
	ReactorID      UserID         `json:"reactor_id"`
	Emoji          string         `json:"emoji"`
	Added          bool           `json:"added"`
}

// ReactionSummary is the per-emoji aggregate shown under a message.
type ReactionSummary struct {
	Emoji string
	Count int
	Mine  bool
}
