package store_test

import (
	"errors"
	"testing"

	"sealdm/internal/domain"
	"sealdm/internal/store"
)

func TestKeyPair_SaveLoad_OK(t *testing.T) {
	for name, ks := range map[string]*store.KeyFileStore{
		"argon2id": store.NewKeyFileStore(t.TempDir()),
		"scrypt":   store.NewKeyFileStore(t.TempDir(), store.WithScrypt()),
	} {
		pair := domain.KeyPair{Public: domain.X25519Public{1}, Private: domain.X25519Private{2}}

		if ok, err := ks.HasKeyPair(); err != nil || ok {
			t.Fatalf("%s: HasKeyPair before save = %v, %v", name, ok, err)
		}
		if err := ks.SaveKeyPair("pass", pair); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		if ok, err := ks.HasKeyPair(); err != nil || !ok {
			t.Fatalf("%s: HasKeyPair after save = %v, %v", name, ok, err)
		}
		got, err := ks.LoadKeyPair("pass")
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if got != pair {
			t.Fatalf("%s: mismatch after load", name)
		}
	}
}

func TestKeyPair_WrongPassphrase_Fails(t *testing.T) {
	ks := store.NewKeyFileStore(t.TempDir())
	if err := ks.SaveKeyPair("correct", domain.KeyPair{Public: domain.X25519Public{1}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := ks.LoadKeyPair("wrong"); !errors.Is(err, domain.ErrWrongPassphrase) {
		t.Fatalf("err = %v, want ErrWrongPassphrase", err)
	}
}

func TestKeyPair_LoadMissing(t *testing.T) {
	ks := store.NewKeyFileStore(t.TempDir())
	if _, err := ks.LoadKeyPair("x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestKeyPair_DeleteClearsPending(t *testing.T) {
	ks := store.NewKeyFileStore(t.TempDir())
	if err := ks.SaveKeyPair("p", domain.KeyPair{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := ks.SetPendingPublish(true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if pending, err := ks.PendingPublish(); err != nil || !pending {
		t.Fatalf("PendingPublish = %v, %v", pending, err)
	}
	if err := ks.DeleteKeyPair(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := ks.HasKeyPair(); ok {
		t.Fatal("key file still present")
	}
	if pending, _ := ks.PendingPublish(); pending {
		t.Fatal("pending marker survived delete")
	}
	if err := ks.DeleteKeyPair(); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
