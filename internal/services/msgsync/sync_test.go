package msgsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
	"sealdm/internal/envelope"
	"sealdm/internal/relay"
	"sealdm/internal/relay/relaytest"
	"sealdm/internal/services/conversation"
	"sealdm/internal/services/msgsync"
	"sealdm/internal/store"
)

type keys struct {
	user domain.UserID
	priv domain.X25519Private
	pub  domain.X25519Public
}

func newKeys(t *testing.T, user domain.UserID) *keys {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return &keys{user: user, priv: priv, pub: pub}
}

func (k *keys) UserID() domain.UserID                   { return k.user }
func (k *keys) HasKeys() bool                           { return true }
func (k *keys) PublicKey() (domain.X25519Public, bool)  { return k.pub, true }
func (k *keys) Fingerprint() domain.Fingerprint         { return crypto.Fingerprint(k.pub) }
func (k *keys) WithPrivateKey(fn func(*domain.X25519Private) error) error { return fn(&k.priv) }

type noKeys struct{}

func (noKeys) UserID() domain.UserID                  { return "alice" }
func (noKeys) HasKeys() bool                          { return false }
func (noKeys) PublicKey() (domain.X25519Public, bool) { return domain.X25519Public{}, false }
func (noKeys) Fingerprint() domain.Fingerprint        { return "" }
func (noKeys) WithPrivateKey(func(*domain.X25519Private) error) error {
	return &domain.EncryptionUnavailableError{Reason: domain.ReasonNoLocalKeys}
}

type fixture struct {
	rl         *relaytest.Relay
	alice, bob *keys
	aliceRelay *relay.HTTP
	bobRelay   *relay.HTTP
	conv       domain.Conversation
}

func setup(t *testing.T) *fixture {
	t.Helper()
	rl := relaytest.New(t)
	f := &fixture{
		rl:         rl,
		alice:      newKeys(t, "alice"),
		bob:        newKeys(t, "bob"),
		aliceRelay: rl.Client(t, "alice"),
		bobRelay:   rl.Client(t, "bob"),
	}
	conv, err := f.aliceRelay.CreateOrGetConversation(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("CreateOrGetConversation: %v", err)
	}
	f.conv = conv
	return f
}

func (f *fixture) service(st *conversation.Store) *msgsync.Service {
	svc := msgsync.New(f.aliceRelay, f.alice, st, nil)
	svc.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }
	return svc
}

// bobSends submits a text message from bob, sealed to recipient.
func (f *fixture) bobSends(t *testing.T, text string, recipient domain.X25519Public) domain.EnvelopeRow {
	t.Helper()
	row := domain.EnvelopeRow{
		ID:             domain.MessageID(uuid.NewString()),
		ConversationID: f.conv.ID,
		SenderID:       "bob",
		RecipientID:    "alice",
		Type:           domain.MessageText,
		SealedAt:       time.Now().UnixMilli(),
	}
	forAlice, forBob, err := envelope.SealPair(domain.TextBody{Text: text}, envelope.ForRow(row), recipient, f.bob.pub, f.bob)
	if err != nil {
		t.Fatalf("SealPair: %v", err)
	}
	row.ForRecipient, row.ForSender = &forAlice, &forBob
	stored, err := f.bobRelay.SubmitMessage(context.Background(), row)
	if err != nil {
		t.Fatalf("SubmitMessage: %v", err)
	}
	return stored
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func texts(ms []domain.Message) map[string]bool {
	out := make(map[string]bool)
	for _, m := range ms {
		if tb, ok := m.Body.(domain.TextBody); ok {
			out[tb.Text] = true
		}
	}
	return out
}

func TestOpen_CatchesUpAndFollows(t *testing.T) {
	f := setup(t)
	f.bobSends(t, "before", f.alice.pub)

	st := conversation.NewStore("alice", nil, nil)
	h, err := f.service(st).Open(context.Background(), f.conv.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if h.State() != msgsync.Live {
		t.Fatalf("state = %v, want live", h.State())
	}
	if got := texts(st.Messages(f.conv.ID)); !got["before"] {
		t.Fatalf("history not fetched: %v", got)
	}

	after := f.bobSends(t, "after", f.alice.pub)
	waitFor(t, "live message", func() bool { return texts(st.Messages(f.conv.ID))["after"] })
	waitFor(t, "cursor", func() bool {
		c, _ := st.Cursor(f.conv.ID)
		return c == after.Revision
	})

	in := st.Inbox()
	if len(in) != 1 || in[0].UnreadCount != 2 || in[0].PeerID != "bob" {
		t.Fatalf("inbox = %+v", in)
	}
}

func TestResync_NoLossWhileDisconnected(t *testing.T) {
	f := setup(t)
	st := conversation.NewStore("alice", nil, nil)
	h, err := f.service(st).Open(context.Background(), f.conv.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	f.bobSends(t, "m0", f.alice.pub)
	waitFor(t, "first message", func() bool { return len(st.Messages(f.conv.ID)) == 1 })

	f.rl.RefuseStreams(true)
	f.rl.DropStreams(f.conv.ID)
	waitFor(t, "reconnecting", func() bool { return h.State() == msgsync.Reconnecting })

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, text := range want {
		f.bobSends(t, text, f.alice.pub)
	}
	if h.State() != msgsync.Reconnecting {
		t.Fatalf("state = %v while streams are refused", h.State())
	}

	f.rl.RefuseStreams(false)
	waitFor(t, "live again", func() bool { return h.State() == msgsync.Live })

	ms := st.Messages(f.conv.ID)
	if len(ms) != 6 {
		t.Fatalf("have %d messages, want 6", len(ms))
	}
	got := texts(ms)
	for _, text := range append(want, "m0") {
		if !got[text] {
			t.Fatalf("missing %q after resync", text)
		}
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].CreatedAt.Before(ms[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestLive_EditReactDelete(t *testing.T) {
	f := setup(t)
	st := conversation.NewStore("alice", nil, nil)
	h, err := f.service(st).Open(context.Background(), f.conv.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	ctx := context.Background()

	row := f.bobSends(t, "draft", f.alice.pub)
	f.bobSends(t, "next", f.alice.pub)
	waitFor(t, "two messages", func() bool { return len(st.Messages(f.conv.ID)) == 2 })

	edit := domain.EditRequest{ConversationID: f.conv.ID, MessageID: row.ID, SealedAt: time.Now().UnixMilli() + 1}
	ad := envelope.ForRow(row)
	ad.SealedAt = edit.SealedAt
	forAlice, forBob, err := envelope.SealPair(domain.TextBody{Text: "final"}, ad, f.alice.pub, f.bob.pub, f.bob)
	if err != nil {
		t.Fatalf("SealPair: %v", err)
	}
	edit.ForRecipient, edit.ForSender = &forAlice, &forBob
	if _, err := f.bobRelay.SubmitEdit(ctx, edit); err != nil {
		t.Fatalf("SubmitEdit: %v", err)
	}
	waitFor(t, "edit", func() bool {
		m, _ := st.Get(f.conv.ID, row.ID)
		return m.Body == domain.MessageBody(domain.TextBody{Text: "final"})
	})
	if ms := st.Messages(f.conv.ID); ms[0].ID != row.ID || ms[0].EditedAt == nil {
		t.Fatalf("edited message moved or lacks EditedAt")
	}

	if _, err := f.bobRelay.SubmitReaction(ctx, domain.ReactionChange{MessageID: row.ID, ConversationID: f.conv.ID, Emoji: "👍", Added: true}); err != nil {
		t.Fatalf("SubmitReaction: %v", err)
	}
	waitFor(t, "reaction", func() bool { return st.HasReaction(f.conv.ID, row.ID, "bob", "👍") })

	if _, err := f.bobRelay.SubmitDelete(ctx, f.conv.ID, row.ID); err != nil {
		t.Fatalf("SubmitDelete: %v", err)
	}
	waitFor(t, "tombstone", func() bool {
		m, _ := st.Get(f.conv.ID, row.ID)
		return m.Deleted
	})
	if rs := st.ReactionsFor(f.conv.ID, row.ID); len(rs) != 0 {
		t.Fatalf("reactions on tombstone: %v", rs)
	}
}

func TestApply_UndecryptableBecomesPlaceholder(t *testing.T) {
	f := setup(t)
	st := conversation.NewStore("alice", nil, nil)
	svc := f.service(st)

	stranger := newKeys(t, "mallory")
	row := f.bobSends(t, "not for you", stranger.pub)
	if err := svc.Sync(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	m, ok := st.Get(f.conv.ID, row.ID)
	if !ok || !m.Undecryptable || m.Body != nil {
		t.Fatalf("placeholder = %+v, %v", m, ok)
	}
	if c, _ := st.Cursor(f.conv.ID); c != row.Revision {
		t.Fatalf("cursor = %d, want %d", c, row.Revision)
	}
}

func TestSync_RebuildsHistoryAfterRestart(t *testing.T) {
	f := setup(t)
	db, err := store.OpenStateDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStateDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f.bobSends(t, "one", f.alice.pub)
	f.bobSends(t, "two", f.alice.pub)
	first := conversation.NewStore("alice", db, nil)
	if err := f.service(first).Sync(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := len(first.Messages(f.conv.ID)); n != 2 {
		t.Fatalf("first sync got %d messages", n)
	}

	f.bobSends(t, "three", f.alice.pub)
	second := conversation.NewStore("alice", db, nil)
	if err := f.service(second).Sync(context.Background(), f.conv.ID); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got := texts(second.Messages(f.conv.ID))
	if len(got) != 3 || !got["one"] || !got["two"] || !got["three"] {
		t.Fatalf("second sync holds %v, want the whole history", got)
	}
	inbox := second.Inbox()
	if len(inbox) != 1 || inbox[0].UnreadCount != 1 {
		t.Fatalf("inbox after restart = %+v, want 1 unread", inbox)
	}
}

func TestOpen_Refused(t *testing.T) {
	f := setup(t)

	svc := msgsync.New(f.aliceRelay, noKeys{}, conversation.NewStore("alice", nil, nil), nil)
	if _, err := svc.Open(context.Background(), f.conv.ID); !errors.Is(err, domain.ErrEncryptionUnavailable) {
		t.Fatalf("Open without keys = %v", err)
	}

	bad := relay.NewHTTP(f.rl.URL(), "not-a-token", nil)
	svc = msgsync.New(bad, f.alice, conversation.NewStore("alice", nil, nil), nil)
	if _, err := svc.Open(context.Background(), f.conv.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Open with bad token = %v", err)
	}
}

func TestClose_EndsHandle(t *testing.T) {
	f := setup(t)
	h, err := f.service(conversation.NewStore("alice", nil, nil)).Open(context.Background(), f.conv.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.State() != msgsync.Closed || h.Err() != nil {
		t.Fatalf("after Close: state=%v err=%v", h.State(), h.Err())
	}
	var seen []msgsync.State
	for tr := range h.States() {
		seen = append(seen, tr.To)
	}
	if len(seen) == 0 || seen[len(seen)-1] != msgsync.Closed {
		t.Fatalf("transitions = %v", seen)
	}
}
