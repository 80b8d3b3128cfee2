package keyvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"sealdm/internal/crypto"
	"sealdm/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12

	// DefaultPublishTimeout bounds a single key publish call.
	DefaultPublishTimeout = 12 * time.Second

	republishAttempts = 5
)

// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
var ErrWeakPassphrase = fmt.Errorf(
	"passphrase is too weak (must be at least %d characters and include upper, lower, "+
		"number, and symbol)",
	minPassphraseLength,
)

// Publisher is the slice of the relay the vault needs.
type Publisher interface {
	PublishPublicKey(ctx context.Context, user domain.UserID, key domain.X25519Public) error
}

// Option configures a Service.
type Option func(*Service)

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

// WithBackOff sets the retry policy used by RepublishPending.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Service) { s.newBackOff = fn }
}

// Service is the key vault for one local user.
type Service struct {
	user  domain.UserID
	store domain.KeyStore
	relay Publisher
	log   *zap.Logger

	publishTimeout time.Duration
	newBackOff     func() backoff.BackOff

	// init serializes Initialize, Unlock and RepublishPending.
	init sync.Mutex

	mu   sync.RWMutex
	pub  domain.X25519Public
	priv *domain.X25519Private
}

// New returns a vault for user backed by store and publishing through relay.
func New(user domain.UserID, store domain.KeyStore, relay Publisher, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		user:           user,
		store:          store,
		relay:          relay,
		log:            log.Named("keyvault"),
		publishTimeout: DefaultPublishTimeout,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), republishAttempts)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserID returns the owner of the vault.
func (s *Service) UserID() domain.UserID { return s.user }

// HasKeys reports whether a key pair exists, unlocked or on disk.
func (s *Service) HasKeys() bool {
	s.mu.RLock()
	loaded := s.priv != nil
	s.mu.RUnlock()
	if loaded {
		return true
	}
	ok, err := s.store.HasKeyPair()
	if err != nil {
		s.log.Warn("keystore probe failed", zap.Error(err))
		return false
	}
	return ok
}

// PublicKey returns the public key once the vault is unlocked.
func (s *Service) PublicKey() (domain.X25519Public, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pub, s.priv != nil
}

// Fingerprint returns the fingerprint of the public key, or "" when locked.
func (s *Service) Fingerprint() domain.Fingerprint {
	pub, ok := s.PublicKey()
	if !ok {
		return ""
	}
	return crypto.Fingerprint(pub)
}

// WithPrivateKey lends the private key to fn for the duration of the call.
// fn must not retain the pointer.
func (s *Service) WithPrivateKey(fn func(priv *domain.X25519Private) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.priv == nil {
		if ok, _ := s.store.HasKeyPair(); ok {
			return domain.ErrLocked
		}
		return &domain.EncryptionUnavailableError{Reason: domain.ReasonNoLocalKeys}
	}
	return fn(s.priv)
}

// Initialize makes sure the user has a published key pair and returns its
// public half.
//
// When keys already exist they are unlocked with passphrase and a pending
// publish is retried once. Otherwise a fresh pair is generated, sealed to
// disk and published. A publish that fails transiently keeps the pair and
// returns a *domain.KeyError with Op KeyOpPublish; any other publish failure
// removes the pair again.
func (s *Service) Initialize(ctx context.Context, passphrase string) (domain.X25519Public, error) {
	s.init.Lock()
	defer s.init.Unlock()

	exists, err := s.store.HasKeyPair()
	if err != nil {
		return domain.X25519Public{}, err
	}
	if exists {
		return s.resume(ctx, passphrase)
	}

	if !isSecurePassphrase(passphrase) {
		return domain.X25519Public{}, ErrWeakPassphrase
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.X25519Public{}, &domain.KeyError{Op: domain.KeyOpGenerate, Err: err}
	}
	pair := domain.KeyPair{Public: pub, Private: priv}
	defer crypto.WipeKey((*[32]byte)(&pair.Private))
	defer crypto.WipeKey((*[32]byte)(&priv))

	if err := s.store.SaveKeyPair(passphrase, pair); err != nil {
		return domain.X25519Public{}, &domain.KeyError{Op: domain.KeyOpGenerate, Err: err}
	}
	if err := s.store.SetPendingPublish(true); err != nil {
		s.rollback()
		return domain.X25519Public{}, &domain.KeyError{Op: domain.KeyOpGenerate, Err: err}
	}

	if err := s.publish(ctx, pub); err != nil {
		if !transient(err) {
			s.rollback()
			return domain.X25519Public{}, fmt.Errorf("publish public key: %w", err)
		}
		s.install(pub, priv)
		s.log.Warn("public key publish deferred", zap.Error(err))
		return pub, &domain.KeyError{Op: domain.KeyOpPublish, Err: err}
	}

	s.install(pub, priv)
	if err := s.store.SetPendingPublish(false); err != nil {
		return pub, err
	}
	s.log.Info("key pair initialized", zap.String("fingerprint", crypto.Fingerprint(pub).String()))
	return pub, nil
}

func (s *Service) resume(ctx context.Context, passphrase string) (domain.X25519Public, error) {
	pub, err := s.unlock(passphrase)
	if err != nil {
		return domain.X25519Public{}, err
	}
	pending, err := s.store.PendingPublish()
	if err != nil || !pending {
		return pub, err
	}
	if err := s.publish(ctx, pub); err != nil {
		return pub, &domain.KeyError{Op: domain.KeyOpPublish, Err: err}
	}
	return pub, s.store.SetPendingPublish(false)
}

// Unlock loads existing keys from disk into memory.
func (s *Service) Unlock(passphrase string) error {
	s.init.Lock()
	defer s.init.Unlock()
	_, err := s.unlock(passphrase)
	return err
}

func (s *Service) unlock(passphrase string) (domain.X25519Public, error) {
	pair, err := s.store.LoadKeyPair(passphrase)
	if err != nil {
		return domain.X25519Public{}, err
	}
	s.install(pair.Public, pair.Private)
	crypto.WipeKey((*[32]byte)(&pair.Private))
	return pair.Public, nil
}

// RepublishPending finishes a deferred publish, retrying transient failures
// with exponential backoff. It is a no-op when nothing is pending.
func (s *Service) RepublishPending(ctx context.Context) error {
	s.init.Lock()
	defer s.init.Unlock()

	pending, err := s.store.PendingPublish()
	if err != nil || !pending {
		return err
	}
	pub, ok := s.PublicKey()
	if !ok {
		return domain.ErrLocked
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.publish(ctx, pub)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Debug("republish failed", zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		return &domain.KeyError{Op: domain.KeyOpPublish, Err: err}
	}
	s.log.Info("pending public key published", zap.Int("attempt", attempt))
	return s.store.SetPendingPublish(false)
}

// Teardown wipes the private key from memory. Keys on disk are untouched.
func (s *Service) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		crypto.WipeKey((*[32]byte)(s.priv))
		s.priv = nil
	}
	s.pub = domain.X25519Public{}
}

func (s *Service) install(pub domain.X25519Public, priv domain.X25519Private) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priv != nil {
		crypto.WipeKey((*[32]byte)(s.priv))
	}
	p := priv
	s.pub, s.priv = pub, &p
}

func (s *Service) rollback() {
	if err := s.store.DeleteKeyPair(); err != nil {
		s.log.Error("roll back key pair", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, pub domain.X25519Public) error {
	ctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	return s.relay.PublishPublicKey(ctx, s.user, pub)
}

func transient(err error) bool {
	return errors.Is(err, domain.ErrNetwork) || errors.Is(err, context.DeadlineExceeded)
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// Compile-time assertion that Service implements domain.KeyVault.
var _ domain.KeyVault = (*Service)(nil)
