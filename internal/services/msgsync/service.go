package msgsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"sealdm/internal/domain"
	"sealdm/internal/envelope"
	"sealdm/internal/services/conversation"
)

// Feed is the slice of the relay a sync handle needs.
type Feed interface {
	FetchMessages(ctx context.Context, conv domain.ConversationID, since int64) ([]domain.EnvelopeRow, error)
	Subscribe(ctx context.Context, conv domain.ConversationID) (domain.Subscription, error)
}

// Service opens sync handles against one relay and one store.
type Service struct {
	relay Feed
	vault domain.KeyVault
	store *conversation.Store
	log   *zap.Logger

	// NewBackOff returns the reconnect policy. The default never gives up;
	// the handle's context bounds it.
	NewBackOff func() backoff.BackOff
}

// New returns a sync service that decrypts with vault and writes to store.
func New(relay Feed, vault domain.KeyVault, store *conversation.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		relay: relay,
		vault: vault,
		store: store,
		log:   log.Named("msgsync"),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Sync fetches and folds every row past the stored cursor once, without
// subscribing.
func (s *Service) Sync(ctx context.Context, conv domain.ConversationID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.resync(ctx, conv)
	return err
}

func (s *Service) ready() error {
	if _, ok := s.vault.PublicKey(); ok {
		return nil
	}
	if s.vault.HasKeys() {
		return domain.ErrLocked
	}
	return &domain.EncryptionUnavailableError{Reason: domain.ReasonNoLocalKeys}
}

func (s *Service) resync(ctx context.Context, conv domain.ConversationID) (int64, error) {
	since, err := s.store.Cursor(conv)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	rows, err := s.relay.FetchMessages(ctx, conv, since)
	if err != nil {
		return 0, err
	}
	top := since
	for _, row := range rows {
		s.Apply(row)
		top = max(top, row.Revision)
	}
	// A fetch is complete up to its highest revision: superseded revisions
	// come back under their newer number.
	if err := s.store.AdvanceCursor(conv, top); err != nil {
		s.log.Error("persist cursor", zap.String("conversation", conv.String()), zap.Error(err))
	}
	s.log.Debug("resynced",
		zap.String("conversation", conv.String()),
		zap.Int64("since", since),
		zap.Int("rows", len(rows)))
	return top, nil
}

// Apply decrypts one relay row and folds it into the store. Stale
// revisions are ignored by the store. Apply does not move the sync cursor,
// so it is safe for rows learned outside the change feed, such as a
// submit acknowledgement.
func (s *Service) Apply(row domain.EnvelopeRow) {
	self := s.vault.UserID()
	msg := domain.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		RecipientID:    row.RecipientID,
		Type:           row.Type,
		CreatedAt:      row.CreatedAt,
		EditedAt:       row.EditedAt,
		Deleted:        row.Deleted,
		Delivery:       domain.DeliverySent,
		Revision:       row.Revision,
	}
	if !row.Deleted {
		body, err := envelope.OpenRow(row, self, s.vault)
		if err != nil {
			// err never carries plaintext; the codec reports faults only.
			s.log.Warn("undecryptable message",
				zap.String("conversation", row.ConversationID.String()),
				zap.String("message", row.ID.String()),
				zap.Int64("revision", row.Revision),
				zap.Error(err))
			msg.Undecryptable = true
		} else {
			msg.Body = body
		}
	}

	_, existed := s.store.Get(row.ConversationID, row.ID)
	if s.store.Upsert(msg) {
		if !row.Deleted {
			s.store.ReplaceReactions(row.ConversationID, row.ID, row.Reactions)
		}
		if !existed {
			peer := row.SenderID
			if peer == self {
				peer = row.RecipientID
			}
			s.store.NoteActivity(row.ConversationID, peer, row.CreatedAt, s.unseen(row))
		}
	}
}

// unseen reports whether row is an incoming message no earlier sync has
// shown. Rows refetched while rebuilding history are not unread again.
func (s *Service) unseen(row domain.EnvelopeRow) bool {
	if row.SenderID == s.vault.UserID() || row.Deleted {
		return false
	}
	synced, err := s.store.Synced(row.ConversationID)
	if err != nil {
		s.log.Warn("read synced revision", zap.String("conversation", row.ConversationID.String()), zap.Error(err))
		return true
	}
	return row.Revision > synced
}

// retryable separates transport trouble from faults a retry cannot fix.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrDisconnected)
}
