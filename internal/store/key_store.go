package store

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

const (
	keyFilename   = "keys.json.enc"
	stateFilename = "keys.state.json"
)

type keyState struct {
	PendingPublish bool `json:"pending_publish"`
}

// KeyFileStore persists the local key pair to disk.
type KeyFileStore struct {
	dir string
	kdf kdfParams
	mu  sync.Mutex
}

// KeyStoreOption customises a KeyFileStore.
type KeyStoreOption func(*KeyFileStore)

// WithScrypt seals new keystores with scrypt instead of Argon2id.
func WithScrypt() KeyStoreOption {
	return func(s *KeyFileStore) { s.kdf = scryptParamsDefault() }
}

// NewKeyFileStore returns a KeyFileStore rooted at dir.
func NewKeyFileStore(dir string, opts ...KeyStoreOption) *KeyFileStore {
	s := &KeyFileStore{dir: dir, kdf: argonParamsDefault()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HasKeyPair reports whether a sealed key file exists.
func (s *KeyFileStore) HasKeyPair() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(s.path(keyFilename))
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// SaveKeyPair seals pair under passphrase and writes it atomically.
func (s *KeyFileStore) SaveKeyPair(passphrase string, pair domain.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	defer crypto.Wipe(raw)

	ct, err := sealBlob(passphrase, raw, s.kdf)
	if err != nil {
		return err
	}
	return writeFile(s.path(keyFilename), ct, 0o600)
}

// LoadKeyPair reads and decrypts the key pair. A missing file yields
// domain.ErrNotFound.
func (s *KeyFileStore) LoadKeyPair(passphrase string) (domain.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := readFile(s.path(keyFilename))
	if err != nil {
		return domain.KeyPair{}, err
	}
	if b == nil {
		return domain.KeyPair{}, domain.ErrNotFound
	}
	pt, err := openBlob(passphrase, b)
	if err != nil {
		return domain.KeyPair{}, err
	}
	defer crypto.Wipe(pt)

	var pair domain.KeyPair
	if err := json.Unmarshal(pt, &pair); err != nil {
		return domain.KeyPair{}, err
	}
	return pair, nil
}

// DeleteKeyPair removes the key file and its state marker.
func (s *KeyFileStore) DeleteKeyPair() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := removeFile(s.path(keyFilename)); err != nil {
		return err
	}
	return removeFile(s.path(stateFilename))
}

// SetPendingPublish records whether the public key still has to reach the relay.
func (s *KeyFileStore) SetPendingPublish(pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeJSON(s.path(stateFilename), keyState{PendingPublish: pending}, 0o600)
}

// PendingPublish reports the marker written by SetPendingPublish.
func (s *KeyFileStore) PendingPublish() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st keyState
	if err := readJSON(s.path(stateFilename), &st); err != nil {
		return false, err
	}
	return st.PendingPublish, nil
}

func (s *KeyFileStore) path(name string) string { return filepath.Join(s.dir, name) }

// Compile-time assertion that KeyFileStore implements domain.KeyStore.
var _ domain.KeyStore = (*KeyFileStore)(nil)
