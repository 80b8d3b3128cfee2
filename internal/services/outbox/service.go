package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sealdm/internal/domain"
	"sealdm/internal/envelope"
	"sealdm/internal/services/conversation"
)

const defaultAttempts = 5

var (
	// ErrNotDelivered is returned when editing a message the relay has not
	// acknowledged yet.
	ErrNotDelivered = errors.New("outbox: message not delivered yet")

	// ErrTypeChange is returned when an edit would change the message type.
	ErrTypeChange = errors.New("outbox: edit cannot change the message type")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("outbox: closed")
)

// Submitter is the slice of the relay the outbox writes to.
type Submitter interface {
	SubmitMessage(ctx context.Context, row domain.EnvelopeRow) (domain.EnvelopeRow, error)
	SubmitEdit(ctx context.Context, edit domain.EditRequest) (domain.EnvelopeRow, error)
	SubmitDelete(ctx context.Context, conv domain.ConversationID, id domain.MessageID) (domain.EnvelopeRow, error)
	SubmitReaction(ctx context.Context, change domain.ReactionChange) (domain.EnvelopeRow, error)
}

// Applier folds an acknowledged relay row into local state.
type Applier interface {
	Apply(row domain.EnvelopeRow)
}

// Service is the outbox for one local user.
type Service struct {
	relay   Submitter
	vault   domain.KeyVault
	peers   domain.PeerKeys
	store   *conversation.Store
	apply   Applier
	journal domain.StateStore
	log     *zap.Logger

	// NewBackOff returns the retry policy for one submission.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time

	mu     sync.Mutex
	lanes  map[domain.ConversationID]*lane
	closed bool
	wg     sync.WaitGroup
}

// New wires an outbox. journal may be nil, in which case unsent messages
// do not survive a restart.
func New(
	relay Submitter,
	vault domain.KeyVault,
	peers domain.PeerKeys,
	store *conversation.Store,
	apply Applier,
	journal domain.StateStore,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		relay:   relay,
		vault:   vault,
		peers:   peers,
		store:   store,
		apply:   apply,
		journal: journal,
		log:     log.Named("outbox"),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 8 * time.Second
			return backoff.WithMaxRetries(b, defaultAttempts-1)
		},
		Now:   time.Now,
		lanes: make(map[domain.ConversationID]*lane),
	}
}

// keys returns our public key and the recipient's, or the reason the
// conversation cannot be encrypted.
func (s *Service) keys(ctx context.Context, recipient domain.UserID) (self, peer domain.X25519Public, err error) {
	if !s.vault.HasKeys() {
		return self, peer, &domain.EncryptionUnavailableError{Reason: domain.ReasonNoLocalKeys}
	}
	self, ok := s.vault.PublicKey()
	if !ok {
		return self, peer, domain.ErrLocked
	}
	peer, ok, err = s.peers.Resolve(ctx, recipient)
	if err != nil {
		return self, peer, fmt.Errorf("resolve %s: %w", recipient, err)
	}
	if !ok {
		return self, peer, &domain.EncryptionUnavailableError{Reason: domain.ReasonPeerNoKeys, Peer: recipient}
	}
	return self, peer, nil
}

// Send seals body for recipient and submits it. The returned id is valid
// even when err is a *domain.SendError: the message then stays in the store
// as failed and in the journal for Flush.
func (s *Service) Send(
	ctx context.Context,
	conv domain.ConversationID,
	recipient domain.UserID,
	body domain.MessageBody,
) (domain.MessageID, error) {
	selfPub, peerPub, err := s.keys(ctx, recipient)
	if err != nil {
		return "", err
	}
	self := s.vault.UserID()
	now := s.Now()
	row := domain.EnvelopeRow{
		ID:             domain.MessageID(uuid.NewString()),
		ConversationID: conv,
		SenderID:       self,
		RecipientID:    recipient,
		Type:           body.Kind(),
		SealedAt:       now.UnixMilli(),
	}
	forRecipient, forSender, err := envelope.SealPair(body, envelope.ForRow(row), peerPub, selfPub, s.vault)
	if err != nil {
		return "", err
	}
	row.ForRecipient, row.ForSender = &forRecipient, &forSender

	s.store.Upsert(domain.Message{
		ID:             row.ID,
		ConversationID: conv,
		SenderID:       self,
		RecipientID:    recipient,
		Type:           row.Type,
		CreatedAt:      now,
		Body:           body,
		Delivery:       domain.DeliveryPending,
	})
	s.store.NoteActivity(conv, recipient, now, false)

	if s.journal != nil {
		if err := s.journal.PutJournal(domain.JournalEntry{Row: row}); err != nil {
			s.log.Warn("journal put", zap.String("message", row.ID.String()), zap.Error(err))
		}
	}

	return row.ID, s.enqueue(ctx, conv, func(ctx context.Context) error {
		return s.deliver(ctx, row)
	})
}

// deliver submits one journaled row and reconciles the result.
func (s *Service) deliver(ctx context.Context, row domain.EnvelopeRow) error {
	var stored domain.EnvelopeRow
	attempts, err := s.retry(ctx, row.ID, func(ctx context.Context) error {
		var err error
		stored, err = s.relay.SubmitMessage(ctx, row)
		return err
	})
	if err != nil {
		retryLater := errors.Is(err, domain.ErrNetwork) || ctx.Err() != nil
		if !retryLater {
			s.forget(row.ID)
		} else if s.journal != nil {
			if jerr := s.journal.PutJournal(domain.JournalEntry{Row: row, Attempts: attempts}); jerr != nil {
				s.log.Warn("journal update", zap.String("message", row.ID.String()), zap.Error(jerr))
			}
		}
		_ = s.store.SetDelivery(row.ConversationID, row.ID, domain.DeliveryFailed)
		return &domain.SendError{MessageID: row.ID, Attempts: attempts, Err: err}
	}
	s.forget(row.ID)
	s.apply.Apply(stored)
	s.log.Debug("message delivered",
		zap.String("conversation", row.ConversationID.String()),
		zap.String("message", row.ID.String()),
		zap.Int("attempt", attempts))
	return nil
}

func (s *Service) forget(id domain.MessageID) {
	if s.journal == nil {
		return
	}
	if err := s.journal.DeleteJournal(id); err != nil {
		s.log.Warn("journal delete", zap.String("message", id.String()), zap.Error(err))
	}
}

// Flush resubmits every journaled message, oldest first per conversation,
// and returns how many reached the relay. Messages journaled by a previous
// run are restored into the store from their self-sealed copy on success.
func (s *Service) Flush(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	entries, err := s.journal.ListAllJournal()
	if err != nil {
		return 0, err
	}
	var (
		sent int
		errs []error
	)
	for _, e := range entries {
		row := e.Row
		err := s.enqueue(ctx, row.ConversationID, func(ctx context.Context) error {
			return s.deliver(ctx, row)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Pending counts messages of conv still waiting in the journal.
func (s *Service) Pending(conv domain.ConversationID) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	entries, err := s.journal.ListJournal(conv)
	return len(entries), err
}

// Edit re-seals a new body for one of our own delivered messages.
func (s *Service) Edit(ctx context.Context, conv domain.ConversationID, id domain.MessageID, body domain.MessageBody) error {
	prev, err := s.own(conv, id)
	if err != nil {
		return err
	}
	if !prev.Confirmed() {
		return ErrNotDelivered
	}
	if body.Kind() != prev.Type {
		return ErrTypeChange
	}
	selfPub, peerPub, err := s.keys(ctx, prev.RecipientID)
	if err != nil {
		return err
	}

	now := s.Now()
	edit := domain.EditRequest{ConversationID: conv, MessageID: id, SealedAt: now.UnixMilli()}
	ad := envelope.AssociatedData{
		ConversationID: conv,
		MessageID:      id,
		SenderID:       prev.SenderID,
		RecipientID:    prev.RecipientID,
		SealedAt:       edit.SealedAt,
	}
	forRecipient, forSender, err := envelope.SealPair(body, ad, peerPub, selfPub, s.vault)
	if err != nil {
		return err
	}
	edit.ForRecipient, edit.ForSender = &forRecipient, &forSender

	if err := s.store.ApplyEdit(conv, id, body, now); err != nil {
		return err
	}
	return s.enqueue(ctx, conv, func(ctx context.Context) error {
		var stored domain.EnvelopeRow
		_, err := s.retry(ctx, id, func(ctx context.Context) error {
			var err error
			stored, err = s.relay.SubmitEdit(ctx, edit)
			return err
		})
		if err != nil {
			s.store.Upsert(prev)
			return err
		}
		s.apply.Apply(stored)
		return nil
	})
}

// Delete removes one of our own messages for both sides. It cannot be
// undone.
func (s *Service) Delete(ctx context.Context, conv domain.ConversationID, id domain.MessageID) error {
	m, err := s.own(conv, id)
	if err != nil {
		return err
	}
	if !m.Confirmed() {
		// Never reached the relay: dropping it locally is enough.
		s.forget(id)
		s.store.Remove(conv, id)
		return nil
	}
	return s.enqueue(ctx, conv, func(ctx context.Context) error {
		var stored domain.EnvelopeRow
		_, err := s.retry(ctx, id, func(ctx context.Context) error {
			var err error
			stored, err = s.relay.SubmitDelete(ctx, conv, id)
			return err
		})
		if err != nil {
			return err
		}
		s.apply.Apply(stored)
		return s.store.MarkDeleted(conv, id)
	})
}

// ToggleReaction adds emoji to a message if we have not reacted with it,
// and removes it otherwise. The change shows immediately and is reverted if
// the relay refuses it. It reports whether the reaction is now present.
func (s *Service) ToggleReaction(ctx context.Context, conv domain.ConversationID, id domain.MessageID, emoji string) (bool, error) {
	m, ok := s.store.Get(conv, id)
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.Deleted {
		return false, domain.ErrDeleted
	}
	self := s.vault.UserID()
	had := s.store.HasReaction(conv, id, self, emoji)
	want := !had
	if err := s.store.SetReaction(conv, id, self, emoji, want); err != nil {
		return had, err
	}

	change := domain.ReactionChange{ConversationID: conv, MessageID: id, ReactorID: self, Emoji: emoji, Added: want}
	err := s.enqueue(ctx, conv, func(ctx context.Context) error {
		var stored domain.EnvelopeRow
		_, err := s.retry(ctx, id, func(ctx context.Context) error {
			var err error
			stored, err = s.relay.SubmitReaction(ctx, change)
			return err
		})
		if err != nil {
			return err
		}
		s.store.ReplaceReactions(conv, id, stored.Reactions)
		return nil
	})
	if err != nil {
		_ = s.store.SetReaction(conv, id, self, emoji, had)
		return had, err
	}
	return want, nil
}

// own returns a message we sent.
func (s *Service) own(conv domain.ConversationID, id domain.MessageID) (domain.Message, error) {
	m, ok := s.store.Get(conv, id)
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	if m.SenderID != s.vault.UserID() {
		return domain.Message{}, domain.ErrNotSender
	}
	if m.Deleted {
		return domain.Message{}, domain.ErrDeleted
	}
	return m, nil
}

// retry runs op under the backoff policy. Only network failures are
// retried; anything else ends the loop at once.
func (s *Service) retry(ctx context.Context, id domain.MessageID, op func(context.Context) error) (int, error) {
	attempts := 0
	wrapped := func() error {
		attempts++
		err := op(ctx)
		if err != nil && !errors.Is(err, domain.ErrNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Debug("submit failed",
			zap.String("message", id.String()),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}
	err := backoff.RetryNotify(wrapped, backoff.WithContext(s.NewBackOff(), ctx), notify)
	return attempts, err
}
