package interfaces

import (
	"context"
	"io"

	domaintypes "sealdm/internal/domain/types"
)

// RelayClient is how we talk to the untrusted relay, all with context.
type RelayClient interface {
	PublishPublicKey(ctx context.Context, user domaintypes.UserID, key domaintypes.X25519Public) error
	// GetPublicKey reports ok=false when the user never published a key.
	GetPublicKey(ctx context.Context, user domaintypes.UserID) (domaintypes.X25519Public, bool, error)

	CreateOrGetConversation(
		ctx context.Context,
		a, b domaintypes.UserID,
	) (domaintypes.Conversation, error)
	ListConversations(
		ctx context.Context,
		user domaintypes.UserID,
	) ([]domaintypes.ConversationSummary, error)
	// MarkRead clears the caller's unread count for a conversation.
	MarkRead(ctx context.Context, conversation domaintypes.ConversationID) error

	// FetchMessages returns every row whose revision is greater than since,
	// ordered by revision.
	FetchMessages(
		ctx context.Context,
		conversation domaintypes.ConversationID,
		since int64,
	) ([]domaintypes.EnvelopeRow, error)
	SubmitMessage(ctx context.Context, row domaintypes.EnvelopeRow) (domaintypes.EnvelopeRow, error)
	SubmitEdit(ctx context.Context, edit domaintypes.EditRequest) (domaintypes.EnvelopeRow, error)
	SubmitDelete(
		ctx context.Context,
		conversation domaintypes.ConversationID,
		id domaintypes.MessageID,
	) (domaintypes.EnvelopeRow, error)
	SubmitReaction(ctx context.Context, change domaintypes.ReactionChange) (domaintypes.EnvelopeRow, error)

	Subscribe(ctx context.Context, conversation domaintypes.ConversationID) (Subscription, error)

	PublishTyping(ctx context.Context, event domaintypes.TypingEvent) error
	SubscribeTyping(ctx context.Context, conversation domaintypes.ConversationID) (TypingSubscription, error)

	UploadBlob(ctx context.Context, name, mimeType string, body io.Reader) (domaintypes.AttachmentRef, error)
}

// Subscription is a live change feed for one conversation. Events is closed
// when the transport drops or Close is called; Err then reports why.
type Subscription interface {
	Events() <-chan domaintypes.ChangeEvent
	Err() error
	Close() error
}

// TypingSubscription is a live feed of typing signals for one conversation.
type TypingSubscription interface {
	Events() <-chan domaintypes.TypingEvent
	Close() error
}
