package relayserver_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"sealdm/internal/domain"
	"sealdm/internal/relayserver"
)

// backends returns every Backend implementation available in this
// environment. Postgres runs only when SEALDM_TEST_POSTGRES_URL is set.
func backends(t *testing.T) map[string]relayserver.Backend {
	t.Helper()
	out := map[string]relayserver.Backend{"memory": relayserver.NewMemoryBackend()}
	if dsn := os.Getenv("SEALDM_TEST_POSTGRES_URL"); dsn != "" {
		pg, err := relayserver.OpenPostgres(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

// users returns two fresh user ids so shared databases do not collide.
func users() (domain.UserID, domain.UserID) {
	p := uuid.NewString()[:8]
	return domain.UserID("alice-" + p), domain.UserID("bob-" + p)
}

func env(b byte) *domain.Envelope {
	return &domain.Envelope{Nonce: make([]byte, 12), Ciphertext: []byte{b}, Tag: make([]byte, 16)}
}

func newRow(conv domain.ConversationID, from, to domain.UserID) domain.EnvelopeRow {
	return domain.EnvelopeRow{
		ID:             domain.MessageID(uuid.NewString()),
		ConversationID: conv,
		SenderID:       from,
		RecipientID:    to,
		Type:           domain.MessageText,
		SealedAt:       1,
		ForRecipient:   env(1),
		ForSender:      env(2),
	}
}

func TestBackendConversationUpsertConverges(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, bob := users()

			var wg sync.WaitGroup
			ids := make([]domain.ConversationID, 16)
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a, c := alice, bob
					if i%2 == 1 {
						a, c = bob, alice
					}
					conv, err := b.UpsertConversation(ctx, a, c)
					if err != nil {
						t.Errorf("UpsertConversation: %v", err)
						return
					}
					ids[i] = conv.ID
				}(i)
			}
			wg.Wait()
			for _, id := range ids {
				if id != ids[0] {
					t.Fatalf("conversation ids diverged: %v", ids)
				}
			}

			if _, err := b.UpsertConversation(ctx, alice, alice); !errors.Is(err, relayserver.ErrInvalid) {
				t.Fatalf("self conversation err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestBackendKeys(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, _ := users()
			if _, err := b.GetPublicKey(ctx, alice); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("missing key err = %v", err)
			}
			key := domain.X25519Public{7, 7, 7}
			if err := b.PutPublicKey(ctx, alice, key); err != nil {
				t.Fatalf("PutPublicKey: %v", err)
			}
			got, err := b.GetPublicKey(ctx, alice)
			if err != nil || got != key {
				t.Fatalf("GetPublicKey = %v, %v", got, err)
			}
		})
	}
}

func TestBackendMessageLifecycle(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, bob := users()
			conv, err := b.UpsertConversation(ctx, alice, bob)
			if err != nil {
				t.Fatalf("UpsertConversation: %v", err)
			}

			row := newRow(conv.ID, alice, bob)
			first, created, err := b.InsertMessage(ctx, row)
			if err != nil || !created {
				t.Fatalf("InsertMessage = %v, %v", created, err)
			}
			again, created, err := b.InsertMessage(ctx, row)
			if err != nil || created {
				t.Fatalf("retry InsertMessage = %v, %v", created, err)
			}
			if again.Revision != first.Revision || !again.CreatedAt.Equal(first.CreatedAt) {
				t.Fatal("retry changed the stored row")
			}

			hijack := row
			hijack.SenderID, hijack.RecipientID = bob, alice
			if _, _, err := b.InsertMessage(ctx, hijack); !errors.Is(err, relayserver.ErrConflict) {
				t.Fatalf("reused id err = %v, want ErrConflict", err)
			}

			edit := domain.EditRequest{
				ConversationID: conv.ID, MessageID: row.ID, SealedAt: 2,
				ForRecipient: env(3), ForSender: env(4),
			}
			if _, err := b.EditMessage(ctx, bob, edit); !errors.Is(err, domain.ErrNotSender) {
				t.Fatalf("edit by recipient err = %v, want ErrNotSender", err)
			}
			edited, err := b.EditMessage(ctx, alice, edit)
			if err != nil {
				t.Fatalf("EditMessage: %v", err)
			}
			if edited.EditedAt == nil || edited.Revision <= first.Revision {
				t.Fatalf("edit did not bump state: %+v", edited)
			}
			if !edited.CreatedAt.Equal(first.CreatedAt) || edited.ID != first.ID {
				t.Fatal("edit moved the message")
			}
			if edited.ForRecipient.Ciphertext[0] != 3 {
				t.Fatal("edit did not replace the envelope")
			}

			reacted, changed, err := b.ApplyReaction(ctx, domain.ReactionChange{
				ConversationID: conv.ID, MessageID: row.ID, ReactorID: bob, Emoji: "🔥", Added: true,
			})
			if err != nil || !changed || len(reacted.Reactions) != 1 {
				t.Fatalf("add reaction = %+v, %v, %v", reacted.Reactions, changed, err)
			}
			if _, changed, _ := b.ApplyReaction(ctx, domain.ReactionChange{
				ConversationID: conv.ID, MessageID: row.ID, ReactorID: bob, Emoji: "🔥", Added: true,
			}); changed {
				t.Fatal("duplicate add reported a change")
			}

			since, err := b.MessagesSince(ctx, conv.ID, edited.Revision)
			if err != nil || len(since) != 1 || since[0].Revision != reacted.Revision {
				t.Fatalf("MessagesSince = %+v, %v", since, err)
			}

			if _, err := b.DeleteMessage(ctx, bob, conv.ID, row.ID); !errors.Is(err, domain.ErrNotSender) {
				t.Fatalf("delete by recipient err = %v", err)
			}
			deleted, err := b.DeleteMessage(ctx, alice, conv.ID, row.ID)
			if err != nil {
				t.Fatalf("DeleteMessage: %v", err)
			}
			if !deleted.Deleted || deleted.ForRecipient != nil || deleted.ForSender != nil || len(deleted.Reactions) != 0 {
				t.Fatalf("tombstone kept content: %+v", deleted)
			}
			if _, err := b.EditMessage(ctx, alice, edit); !errors.Is(err, domain.ErrDeleted) {
				t.Fatalf("edit after delete err = %v", err)
			}

			all, err := b.MessagesSince(ctx, conv.ID, 0)
			if err != nil || len(all) != 1 || !all[0].Deleted {
				t.Fatalf("tombstone missing from history: %+v, %v", all, err)
			}
		})
	}
}

func TestBackendInboxUnread(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			alice, bob := users()
			conv, err := b.UpsertConversation(ctx, alice, bob)
			if err != nil {
				t.Fatalf("UpsertConversation: %v", err)
			}
			for i := 0; i < 3; i++ {
				if _, _, err := b.InsertMessage(ctx, newRow(conv.ID, alice, bob)); err != nil {
					t.Fatalf("InsertMessage: %v", err)
				}
			}

			inbox, err := b.ListConversations(ctx, bob)
			if err != nil || len(inbox) != 1 {
				t.Fatalf("ListConversations = %+v, %v", inbox, err)
			}
			if inbox[0].PeerID != alice || inbox[0].UnreadCount != 3 {
				t.Fatalf("summary = %+v", inbox[0])
			}
			if mine, _ := b.ListConversations(ctx, alice); mine[0].UnreadCount != 0 {
				t.Fatalf("sender sees unread %d", mine[0].UnreadCount)
			}

			if err := b.MarkRead(ctx, conv.ID, bob); err != nil {
				t.Fatalf("MarkRead: %v", err)
			}
			inbox, _ = b.ListConversations(ctx, bob)
			if inbox[0].UnreadCount != 0 {
				t.Fatalf("unread after MarkRead = %d", inbox[0].UnreadCount)
			}
		})
	}
}
