package relayserver

import (
	"context"
	"errors"
	"fmt"

	"sealdm/internal/domain"
)

var (
	// ErrConflict is returned when a message id is reused for different content.
	ErrConflict = errors.New("conflict")
	// ErrForbidden is returned when the caller is not a participant.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid wraps request validation failures.
	ErrInvalid = errors.New("invalid request")
)

// Backend is the relay's persistence layer.
type Backend interface {
	PutPublicKey(ctx context.Context, user domain.UserID, key domain.X25519Public) error
	GetPublicKey(ctx context.Context, user domain.UserID) (domain.X25519Public, error)

	// UpsertConversation returns the one conversation for the unordered
	// pair {a, b}, creating it if needed.
	UpsertConversation(ctx context.Context, a, b domain.UserID) (domain.Conversation, error)
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	ListConversations(ctx context.Context, viewer domain.UserID) ([]domain.ConversationSummary, error)
	MarkRead(ctx context.Context, id domain.ConversationID, viewer domain.UserID) error

	// InsertMessage stores row. created is false when a row with the same id
	// already existed; the stored row is returned unchanged.
	InsertMessage(ctx context.Context, row domain.EnvelopeRow) (stored domain.EnvelopeRow, created bool, err error)
	EditMessage(ctx context.Context, caller domain.UserID, edit domain.EditRequest) (domain.EnvelopeRow, error)
	DeleteMessage(ctx context.Context, caller domain.UserID, conv domain.ConversationID, id domain.MessageID) (domain.EnvelopeRow, error)
	// ApplyReaction returns changed=false when the reaction set already had
	// the requested state.
	ApplyReaction(ctx context.Context, change domain.ReactionChange) (row domain.EnvelopeRow, changed bool, err error)
	MessagesSince(ctx context.Context, conv domain.ConversationID, since int64) ([]domain.EnvelopeRow, error)

	Ping(ctx context.Context) error
	Close() error
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// validateNewRow checks a submitted row against its conversation.
func validateNewRow(conv domain.Conversation, row domain.EnvelopeRow) error {
	switch {
	case row.ID == "":
		return invalidf("missing message id")
	case !row.Type.Valid():
		return invalidf("unknown message type %q", row.Type)
	case row.SenderID == row.RecipientID:
		return invalidf("sender and recipient are the same")
	case !conv.Has(row.SenderID) || !conv.Has(row.RecipientID):
		return ErrForbidden
	case row.ForRecipient == nil || row.ForSender == nil:
		return invalidf("both envelopes are required")
	}
	return nil
}

func validateEdit(edit domain.EditRequest) error {
	if edit.MessageID == "" {
		return invalidf("missing message id")
	}
	if edit.ForRecipient == nil || edit.ForSender == nil {
		return invalidf("both envelopes are required")
	}
	return nil
}

func validateReaction(change domain.ReactionChange) error {
	if change.Emoji == "" || len(change.Emoji) > 64 {
		return invalidf("bad emoji")
	}
	return nil
}

// sameSubmission reports whether a resubmitted row matches the stored one
// closely enough to be treated as a retry.
func sameSubmission(stored, row domain.EnvelopeRow) bool {
	return stored.ConversationID == row.ConversationID &&
		stored.SenderID == row.SenderID &&
		stored.RecipientID == row.RecipientID
}

func cloneEnvelope(e *domain.Envelope) *domain.Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Nonce = append([]byte(nil), e.Nonce...)
	c.Ciphertext = append([]byte(nil), e.Ciphertext...)
	c.Tag = append([]byte(nil), e.Tag...)
	return &c
}

func cloneRow(r domain.EnvelopeRow) domain.EnvelopeRow {
	c := r
	c.ForRecipient = cloneEnvelope(r.ForRecipient)
	c.ForSender = cloneEnvelope(r.ForSender)
	if r.EditedAt != nil {
		t := *r.EditedAt
		c.EditedAt = &t
	}
	c.Reactions = append([]domain.Reaction(nil), r.Reactions...)
	return c
}
