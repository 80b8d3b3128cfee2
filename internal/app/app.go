package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"sealdm/internal/domain"
	"sealdm/internal/services/attachment"
	"sealdm/internal/services/conversation"
	"sealdm/internal/services/msgsync"
)

// Capability says whether a message to a peer can be sealed right now.
type Capability int

const (
	Ready Capability = iota
	NeedLocalKeys
	PeerWithoutKeys
)

func (c Capability) String() string {
	switch c {
	case Ready:
		return "ready"
	case NeedLocalKeys:
		return "set up encryption first"
	case PeerWithoutKeys:
		return "peer hasn't enabled secure messaging"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}

// Client is the user-facing facade over a Wire.
type Client struct {
	w *Wire
}

func New(w *Wire) *Client { return &Client{w: w} }

// Wire exposes the underlying services.
func (c *Client) Wire() *Wire { return c.w }

func (c *Client) Self() domain.UserID { return c.w.Vault.UserID() }

func (c *Client) HasKeys() bool { return c.w.Vault.HasKeys() }

// Initialize creates and publishes the key pair, or unlocks an existing one.
func (c *Client) Initialize(ctx context.Context, passphrase string) (domain.X25519Public, error) {
	return c.w.Vault.Initialize(ctx, passphrase)
}

func (c *Client) Unlock(passphrase string) error { return c.w.Vault.Unlock(passphrase) }

func (c *Client) Fingerprint() domain.Fingerprint { return c.w.Vault.Fingerprint() }

// CanMessage reports whether both sides have keys. Only a relay failure
// returns an error.
func (c *Client) CanMessage(ctx context.Context, peer domain.UserID) (Capability, error) {
	if !c.w.Vault.HasKeys() {
		return NeedLocalKeys, nil
	}
	_, ok, err := c.w.Peers.Resolve(ctx, peer)
	if err != nil {
		return 0, err
	}
	if !ok {
		return PeerWithoutKeys, nil
	}
	return Ready, nil
}

// Conversation returns the conversation with peer, creating it on first use.
func (c *Client) Conversation(ctx context.Context, peer domain.UserID) (domain.Conversation, error) {
	conv, err := c.w.Relay.CreateOrGetConversation(ctx, c.Self(), peer)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("open conversation with %s: %w", peer, err)
	}
	return conv, nil
}

// OpenConversation starts live sync for the conversation with peer. The
// handle runs until ctx ends or it is closed.
func (c *Client) OpenConversation(ctx context.Context, peer domain.UserID) (domain.Conversation, *msgsync.Handle, error) {
	conv, err := c.Conversation(ctx, peer)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	h, err := c.w.Sync.Open(ctx, conv.ID)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	return conv, h, nil
}

// Sync runs one catch-up pass for conv without subscribing.
func (c *Client) Sync(ctx context.Context, conv domain.ConversationID) error {
	return c.w.Sync.Sync(ctx, conv)
}

// Inbox refreshes conversation summaries from the relay and returns them,
// most recent first.
func (c *Client) Inbox(ctx context.Context) ([]domain.ConversationSummary, error) {
	sums, err := c.w.Relay.ListConversations(ctx, c.Self())
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	c.w.Store.SetSummaries(sums)
	return c.w.Store.Inbox(), nil
}

// MarkRead clears the unread count locally and on the relay.
func (c *Client) MarkRead(ctx context.Context, conv domain.ConversationID) error {
	if err := c.w.Relay.MarkRead(ctx, conv); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	c.w.Store.ClearUnread(conv)
	return nil
}

func (c *Client) Messages(conv domain.ConversationID) []domain.Message {
	return c.w.Store.Messages(conv)
}

func (c *Client) Message(conv domain.ConversationID, id domain.MessageID) (domain.Message, bool) {
	return c.w.Store.Get(conv, id)
}

func (c *Client) Reactions(conv domain.ConversationID, id domain.MessageID) []domain.ReactionSummary {
	return c.w.Store.ReactionsFor(conv, id)
}

// Watch streams local store changes until ctx ends.
func (c *Client) Watch(ctx context.Context) <-chan conversation.Change {
	return c.w.Store.Watch(ctx)
}

// Send seals body for peer and queues it. Nothing leaves the process when
// either side lacks keys.
func (c *Client) Send(ctx context.Context, conv domain.Conversation, body domain.MessageBody) (domain.MessageID, error) {
	return c.w.Outbox.Send(ctx, conv.ID, conv.Peer(c.Self()), body)
}

func (c *Client) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.MessageID, error) {
	return c.Send(ctx, conv, domain.TextBody{Text: text})
}

// SendAttachment uploads the file at path and sends it with caption. The
// key check runs first so a refused send uploads nothing.
func (c *Client) SendAttachment(ctx context.Context, conv domain.Conversation, path, caption string) (domain.MessageID, error) {
	if err := c.ready(ctx, conv.Peer(c.Self())); err != nil {
		return "", err
	}
	ref, err := c.w.Attachments.UploadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, conv, attachment.Body(ref, caption))
}

// SendReader is SendAttachment for an in-memory or streamed file.
func (c *Client) SendReader(ctx context.Context, conv domain.Conversation, name string, r io.Reader, caption string) (domain.MessageID, error) {
	if err := c.ready(ctx, conv.Peer(c.Self())); err != nil {
		return "", err
	}
	ref, err := c.w.Attachments.Upload(ctx, name, r)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, conv, attachment.Body(ref, caption))
}

func (c *Client) ready(ctx context.Context, peer domain.UserID) error {
	capab, err := c.CanMessage(ctx, peer)
	if err != nil {
		return err
	}
	switch capab {
	case NeedLocalKeys:
		return &domain.EncryptionUnavailableError{Reason: domain.ReasonNoLocalKeys}
	case PeerWithoutKeys:
		return &domain.EncryptionUnavailableError{Reason: domain.ReasonPeerNoKeys, Peer: peer}
	}
	if _, ok := c.w.Vault.PublicKey(); !ok {
		return domain.ErrLocked
	}
	return nil
}

func (c *Client) Edit(ctx context.Context, conv domain.ConversationID, id domain.MessageID, body domain.MessageBody) error {
	return c.w.Outbox.Edit(ctx, conv, id, body)
}

func (c *Client) Delete(ctx context.Context, conv domain.ConversationID, id domain.MessageID) error {
	return c.w.Outbox.Delete(ctx, conv, id)
}

// ToggleReaction flips the caller's emoji on a message and reports whether
// it is now present.
func (c *Client) ToggleReaction(ctx context.Context, conv domain.ConversationID, id domain.MessageID, emoji string) (bool, error) {
	return c.w.Outbox.ToggleReaction(ctx, conv, id, emoji)
}

func (c *Client) SetTyping(ctx context.Context, conv domain.ConversationID, typing bool) error {
	return c.w.Presence.SetTyping(ctx, conv, typing)
}

func (c *Client) WatchTyping(ctx context.Context, conv domain.ConversationID) (<-chan domain.TypingEvent, error) {
	return c.w.Presence.Watch(ctx, conv)
}

// Flush resubmits journaled sends left over from an earlier run.
func (c *Client) Flush(ctx context.Context) (int, error) {
	if err := c.w.Vault.RepublishPending(ctx); err != nil && !errors.Is(err, domain.ErrLocked) {
		c.w.Log.Warn("key republish failed", zap.Error(err))
	}
	return c.w.Outbox.Flush(ctx)
}

func (c *Client) Close() error { return c.w.Close() }
