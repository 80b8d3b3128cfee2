package keyvault_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff"

	"sealdm/internal/domain"
	"sealdm/internal/relay/relaytest"
	"sealdm/internal/services/keyvault"
	"sealdm/internal/store"
)

const pass = "Correct-Horse-9"

type fakePublisher struct {
	mu        sync.Mutex
	fail      []error
	published []domain.X25519Public
}

func (f *fakePublisher) PublishPublicKey(_ context.Context, _ domain.UserID, key domain.X25519Public) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return err
	}
	f.published = append(f.published, key)
	return nil
}

func newVault(t *testing.T, pub keyvault.Publisher) (*keyvault.Service, *store.KeyFileStore) {
	t.Helper()
	ks := store.NewKeyFileStore(t.TempDir(), store.WithScrypt())
	v := keyvault.New("alice", ks, pub, nil, keyvault.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}))
	return v, ks
}

func TestInitialize_PublishesAndUnlocks(t *testing.T) {
	pub := &fakePublisher{}
	v, ks := newVault(t, pub)

	if v.HasKeys() {
		t.Fatalf("HasKeys before init")
	}
	key, err := v.Initialize(context.Background(), pass)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != key {
		t.Fatalf("published = %v", pub.published)
	}
	if got, ok := v.PublicKey(); !ok || got != key {
		t.Fatalf("PublicKey = %v, %v", got, ok)
	}
	if v.Fingerprint() == "" {
		t.Fatalf("empty fingerprint")
	}
	if pending, _ := ks.PendingPublish(); pending {
		t.Fatalf("pending after successful publish")
	}
	called := false
	if err := v.WithPrivateKey(func(*domain.X25519Private) error { called = true; return nil }); err != nil || !called {
		t.Fatalf("WithPrivateKey: called=%v err=%v", called, err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	pub := &fakePublisher{}
	v, ks := newVault(t, pub)
	first, err := v.Initialize(context.Background(), pass)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A fresh vault over the same store picks up the existing pair.
	again := keyvault.New("alice", ks, pub, nil)
	second, err := again.Initialize(context.Background(), pass)
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if first != second {
		t.Fatalf("Initialize generated a new key")
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d times, want 1", len(pub.published))
	}
}

func TestInitialize_WeakPassphrase(t *testing.T) {
	v, ks := newVault(t, &fakePublisher{})
	if _, err := v.Initialize(context.Background(), "short"); !errors.Is(err, keyvault.ErrWeakPassphrase) {
		t.Fatalf("err = %v, want ErrWeakPassphrase", err)
	}
	if ok, _ := ks.HasKeyPair(); ok {
		t.Fatalf("keys written for weak passphrase")
	}
}

func TestInitialize_TransientPublishFailureKeepsKeysPending(t *testing.T) {
	pub := &fakePublisher{fail: []error{domain.ErrNetwork}}
	v, ks := newVault(t, pub)

	key, err := v.Initialize(context.Background(), pass)
	var kerr *domain.KeyError
	if !errors.As(err, &kerr) || kerr.Op != domain.KeyOpPublish || !kerr.Retryable() {
		t.Fatalf("err = %v, want retryable publish KeyError", err)
	}
	if !v.HasKeys() {
		t.Fatalf("keys dropped after transient failure")
	}
	if pending, _ := ks.PendingPublish(); !pending {
		t.Fatalf("not marked pending")
	}

	if err := v.RepublishPending(context.Background()); err != nil {
		t.Fatalf("RepublishPending: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != key {
		t.Fatalf("published = %v", pub.published)
	}
	if pending, _ := ks.PendingPublish(); pending {
		t.Fatalf("still pending after republish")
	}
}

func TestInitialize_PermanentPublishFailureRollsBack(t *testing.T) {
	v, ks := newVault(t, &fakePublisher{fail: []error{domain.ErrUnauthorized}})

	_, err := v.Initialize(context.Background(), pass)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	var kerr *domain.KeyError
	if errors.As(err, &kerr) {
		t.Fatalf("permanent failure reported as KeyError")
	}
	if ok, _ := ks.HasKeyPair(); ok {
		t.Fatalf("keys left on disk after rollback")
	}
	if v.HasKeys() {
		t.Fatalf("HasKeys after rollback")
	}
}

func TestRepublishPending_GivesUp(t *testing.T) {
	pub := &fakePublisher{fail: []error{domain.ErrNetwork, domain.ErrNetwork, domain.ErrNetwork, domain.ErrNetwork, domain.ErrNetwork}}
	v, _ := newVault(t, pub)
	if _, err := v.Initialize(context.Background(), pass); err == nil {
		t.Fatalf("Initialize succeeded, want publish failure")
	}
	err := v.RepublishPending(context.Background())
	var kerr *domain.KeyError
	if !errors.As(err, &kerr) || !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("err = %v, want KeyError wrapping ErrNetwork", err)
	}
}

func TestTeardown_Locks(t *testing.T) {
	v, ks := newVault(t, &fakePublisher{})
	if err := v.WithPrivateKey(func(*domain.X25519Private) error { return nil }); !errors.Is(err, domain.ErrEncryptionUnavailable) {
		t.Fatalf("err before init = %v, want ErrEncryptionUnavailable", err)
	}
	key, err := v.Initialize(context.Background(), pass)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	v.Teardown()
	if _, ok := v.PublicKey(); ok {
		t.Fatalf("public key still available after teardown")
	}
	if !v.HasKeys() {
		t.Fatalf("HasKeys false with keys on disk")
	}
	if err := v.WithPrivateKey(func(*domain.X25519Private) error { return nil }); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}

	other := keyvault.New("alice", ks, &fakePublisher{}, nil)
	if err := other.Unlock("Wrong-Horse-99"); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("Unlock wrong = %v", err)
	}
	if err := other.Unlock(pass); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got, _ := other.PublicKey(); got != key {
		t.Fatalf("unlocked key mismatch")
	}
}

func TestInitialize_AgainstRelay(t *testing.T) {
	rl := relaytest.New(t)
	alice := rl.Client(t, "alice")
	rl.FailKeyPublishes(1)

	v, _ := newVault(t, alice)
	key, err := v.Initialize(context.Background(), pass)
	var kerr *domain.KeyError
	if !errors.As(err, &kerr) || kerr.Op != domain.KeyOpPublish {
		t.Fatalf("err = %v, want publish KeyError", err)
	}
	if err := v.RepublishPending(context.Background()); err != nil {
		t.Fatalf("RepublishPending: %v", err)
	}
	got, ok, err := rl.Client(t, "bob").GetPublicKey(context.Background(), "alice")
	if err != nil || !ok || got != key {
		t.Fatalf("GetPublicKey = %v, %v, %v", got, ok, err)
	}
	if rl.KeyPublishes() != 2 {
		t.Fatalf("KeyPublishes = %d, want 2", rl.KeyPublishes())
	}
}
