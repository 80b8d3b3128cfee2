package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
	"sealdm/internal/envelope"
	"sealdm/internal/relay"
	"sealdm/internal/relay/relaytest"
	"sealdm/internal/services/conversation"
	"sealdm/internal/services/msgsync"
	"sealdm/internal/services/outbox"
	"sealdm/internal/services/peerkeys"
	"sealdm/internal/store"
)

type keys struct {
	user domain.UserID
	priv domain.X25519Private
	pub  domain.X25519Public
	none bool
}

func newKeys(t *testing.T, user domain.UserID) *keys {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return &keys{user: user, priv: priv, pub: pub}
}

func (k *keys) UserID() domain.UserID { return k.user }
func (k *keys) HasKeys() bool         { return !k.none }
func (k *keys) PublicKey() (domain.X25519Public, bool) {
	return k.pub, !k.none
}
func (k *keys) Fingerprint() domain.Fingerprint { return crypto.Fingerprint(k.pub) }
func (k *keys) WithPrivateKey(fn func(*domain.X25519Private) error) error {
	if k.none {
		return &domain.EncryptionUnavailableError{Reason: domain.ReasonNoLocalKeys}
	}
	return fn(&k.priv)
}

type fixture struct {
	rl         *relaytest.Relay
	alice, bob *keys
	aliceRelay *relay.HTTP
	bobRelay   *relay.HTTP
	conv       domain.Conversation
	db         *store.StateDB
	store      *conversation.Store
	out        *outbox.Service
}

func setup(t *testing.T, bobHasKey bool) *fixture {
	t.Helper()
	rl := relaytest.New(t)
	f := &fixture{
		rl:         rl,
		alice:      newKeys(t, "alice"),
		bob:        newKeys(t, "bob"),
		aliceRelay: rl.Client(t, "alice"),
		bobRelay:   rl.Client(t, "bob"),
	}
	ctx := context.Background()
	if bobHasKey {
		f.publishBob(t)
	}
	conv, err := f.aliceRelay.CreateOrGetConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("CreateOrGetConversation: %v", err)
	}
	f.conv = conv

	db, err := store.OpenStateDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStateDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	f.db = db
	f.store, f.out = f.newOutbox(t)
	return f
}

func (f *fixture) publishBob(t *testing.T) {
	t.Helper()
	if err := f.bobRelay.PublishPublicKey(context.Background(), "bob", f.bob.pub); err != nil {
		t.Fatalf("publish bob: %v", err)
	}
}

// newOutbox builds alice's client-side stack over the shared state DB, as a
// fresh process would.
func (f *fixture) newOutbox(t *testing.T) (*conversation.Store, *outbox.Service) {
	t.Helper()
	st := conversation.NewStore("alice", f.db, nil)
	syncer := msgsync.New(f.aliceRelay, f.alice, st, nil)
	out := outbox.New(f.aliceRelay, f.alice, peerkeys.New(f.aliceRelay, nil), st, syncer, f.db, nil)
	out.NewBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 4) }
	t.Cleanup(func() { _ = out.Close() })
	return st, out
}

func (f *fixture) relayRows(t *testing.T) []domain.EnvelopeRow {
	t.Helper()
	rows, err := f.bobRelay.FetchMessages(context.Background(), f.conv.ID, 0)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	return rows
}

func text(s string) domain.MessageBody { return domain.TextBody{Text: s} }

func TestSend_WithoutLocalKeys(t *testing.T) {
	f := setup(t, true)
	f.alice.none = true

	_, err := f.out.Send(context.Background(), f.conv.ID, "bob", text("hi"))
	var ue *domain.EncryptionUnavailableError
	if !errors.As(err, &ue) || ue.Reason != domain.ReasonNoLocalKeys {
		t.Fatalf("err = %v, want no local keys", err)
	}
	if n := f.rl.Submissions(); n != 0 {
		t.Fatalf("submissions = %d, want 0", n)
	}
	if n := len(f.store.Messages(f.conv.ID)); n != 0 {
		t.Fatalf("store has %d messages", n)
	}
}

func TestSend_PeerWithoutKeysThenEnabled(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.out.Send(ctx, f.conv.ID, "bob", text("hi"))
	var ue *domain.EncryptionUnavailableError
	if !errors.As(err, &ue) || ue.Reason != domain.ReasonPeerNoKeys || ue.Peer != "bob" {
		t.Fatalf("err = %v, want peer without keys", err)
	}
	if !errors.Is(err, domain.ErrEncryptionUnavailable) {
		t.Fatalf("errors.Is ErrEncryptionUnavailable failed")
	}
	if n := f.rl.Submissions(); n != 0 {
		t.Fatalf("submissions = %d, want 0", n)
	}

	f.publishBob(t)
	if _, err := f.out.Send(ctx, f.conv.ID, "bob", text("hi")); err != nil {
		t.Fatalf("Send after bob enabled keys: %v", err)
	}
}

func TestSend_DeliversAndReconciles(t *testing.T) {
	f := setup(t, true)
	id, err := f.out.Send(context.Background(), f.conv.ID, "bob", text("hello bob"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	m, ok := f.store.Get(f.conv.ID, id)
	if !ok || !m.Confirmed() || m.Revision == 0 {
		t.Fatalf("local row not reconciled: %+v", m)
	}
	if m.Body != text("hello bob") {
		t.Fatalf("body = %#v", m.Body)
	}
	if n, _ := f.out.Pending(f.conv.ID); n != 0 {
		t.Fatalf("journal still holds %d entries", n)
	}

	rows := f.relayRows(t)
	if len(rows) != 1 || rows[0].ID != id || !rows[0].CreatedAt.Equal(m.CreatedAt) {
		t.Fatalf("relay rows = %+v", rows)
	}
	body, err := envelope.OpenRow(rows[0], "bob", f.bob)
	if err != nil || body != text("hello bob") {
		t.Fatalf("bob reads %v, %v", body, err)
	}
	if c, _ := f.store.Cursor(f.conv.ID); c != 0 {
		t.Fatalf("acknowledgement moved the sync cursor to %d", c)
	}
}

func TestSend_RetriesIdempotently(t *testing.T) {
	f := setup(t, true)
	f.rl.FailSubmits(2)

	if _, err := f.out.Send(context.Background(), f.conv.ID, "bob", text("retry me")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := f.rl.Submissions(); n != 3 {
		t.Fatalf("submissions = %d, want 3", n)
	}
	if n := len(f.relayRows(t)); n != 1 {
		t.Fatalf("relay stored %d rows, want 1", n)
	}
}

func TestSend_BudgetSpentThenFlush(t *testing.T) {
	f := setup(t, true)
	f.rl.FailSubmits(5)

	id, err := f.out.Send(context.Background(), f.conv.ID, "bob", text("eventually"))
	var se *domain.SendError
	if !errors.As(err, &se) || se.MessageID != id || se.Attempts != 5 || !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("err = %v, want SendError after 5 attempts", err)
	}
	if m, _ := f.store.Get(f.conv.ID, id); m.Delivery != domain.DeliveryFailed {
		t.Fatalf("delivery = %s, want failed", m.Delivery)
	}
	if n, _ := f.out.Pending(f.conv.ID); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	// A restarted client finds the sealed row in the journal and restores
	// the plaintext from its self copy.
	st, out := f.newOutbox(t)
	sent, err := out.Flush(context.Background())
	if err != nil || sent != 1 {
		t.Fatalf("Flush = %d, %v", sent, err)
	}
	m, ok := st.Get(f.conv.ID, id)
	if !ok || !m.Confirmed() || m.Body != text("eventually") {
		t.Fatalf("flushed row = %+v, %v", m, ok)
	}
	if n, _ := out.Pending(f.conv.ID); n != 0 {
		t.Fatalf("pending after flush = %d", n)
	}
}

func TestSend_PreservesOrder(t *testing.T) {
	f := setup(t, true)
	var want []domain.MessageID
	for _, s := range []string{"one", "two", "three", "four"} {
		id, err := f.out.Send(context.Background(), f.conv.ID, "bob", text(s))
		if err != nil {
			t.Fatalf("Send %s: %v", s, err)
		}
		want = append(want, id)
	}
	rows := f.relayRows(t)
	for i, r := range rows {
		if r.ID != want[i] {
			t.Fatalf("relay order %d = %s, want %s", i, r.ID, want[i])
		}
	}
}

func TestEdit_ReplacesInPlace(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	first, _ := f.out.Send(ctx, f.conv.ID, "bob", text("teh"))
	second, _ := f.out.Send(ctx, f.conv.ID, "bob", text("after"))

	if err := f.out.Edit(ctx, f.conv.ID, first, text("the")); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	ms := f.store.Messages(f.conv.ID)
	if len(ms) != 2 || ms[0].ID != first || ms[1].ID != second {
		t.Fatalf("order changed after edit")
	}
	if ms[0].Body != text("the") || ms[0].EditedAt == nil {
		t.Fatalf("edited row = %+v", ms[0])
	}

	rows := f.relayRows(t)
	for _, r := range rows {
		if r.ID == first {
			if body, err := envelope.OpenRow(r, "bob", f.bob); err != nil || body != text("the") {
				t.Fatalf("bob reads edit as %v, %v", body, err)
			}
		}
	}

	if err := f.out.Edit(ctx, f.conv.ID, first, domain.ImageBody{}); !errors.Is(err, outbox.ErrTypeChange) {
		t.Fatalf("type change = %v", err)
	}
}

func TestEditDelete_SenderOnly(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.store.Upsert(domain.Message{
		ID: "from-bob", ConversationID: f.conv.ID, SenderID: "bob", RecipientID: "alice",
		Type: domain.MessageText, CreatedAt: time.Now(), Body: text("mine"), Delivery: domain.DeliverySent,
	})
	if err := f.out.Edit(ctx, f.conv.ID, "from-bob", text("hijack")); !errors.Is(err, domain.ErrNotSender) {
		t.Fatalf("Edit = %v, want ErrNotSender", err)
	}
	if err := f.out.Delete(ctx, f.conv.ID, "from-bob"); !errors.Is(err, domain.ErrNotSender) {
		t.Fatalf("Delete = %v, want ErrNotSender", err)
	}
	if n := f.rl.Submissions(); n != 0 {
		t.Fatalf("submissions = %d, want 0", n)
	}
}

func TestDelete_Tombstones(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	id, _ := f.out.Send(ctx, f.conv.ID, "bob", text("oops"))

	if err := f.out.Delete(ctx, f.conv.ID, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	m, _ := f.store.Get(f.conv.ID, id)
	if !m.Deleted || m.Body != nil {
		t.Fatalf("local row = %+v", m)
	}
	rows := f.relayRows(t)
	if len(rows) != 1 || !rows[0].Deleted || rows[0].ForRecipient != nil {
		t.Fatalf("relay row = %+v", rows)
	}
	if err := f.out.Edit(ctx, f.conv.ID, id, text("back")); !errors.Is(err, domain.ErrDeleted) {
		t.Fatalf("Edit tombstone = %v", err)
	}
}

func TestToggleReaction(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	id, _ := f.out.Send(ctx, f.conv.ID, "bob", text("react to me"))

	on, err := f.out.ToggleReaction(ctx, f.conv.ID, id, "👍")
	if err != nil || !on {
		t.Fatalf("first toggle = %v, %v", on, err)
	}
	if !f.store.HasReaction(f.conv.ID, id, "alice", "👍") {
		t.Fatalf("reaction not shown")
	}
	on, err = f.out.ToggleReaction(ctx, f.conv.ID, id, "👍")
	if err != nil || on {
		t.Fatalf("second toggle = %v, %v", on, err)
	}
	if rows := f.relayRows(t); len(rows[0].Reactions) != 0 {
		t.Fatalf("relay reactions = %v", rows[0].Reactions)
	}

	f.rl.FailSubmits(100)
	if _, err := f.out.ToggleReaction(ctx, f.conv.ID, id, "🎉"); !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("failing toggle = %v", err)
	}
	if f.store.HasReaction(f.conv.ID, id, "alice", "🎉") {
		t.Fatalf("failed toggle not reverted")
	}
}
