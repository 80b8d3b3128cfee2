package peerkeys

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sealdm/internal/domain"
)

const (
	// DefaultTTL is how long a resolved key is trusted without asking again.
	DefaultTTL = 5 * time.Minute
	// DefaultTimeout bounds a single lookup.
	DefaultTimeout = 12 * time.Second
	// DefaultCapacity caps the number of cached keys.
	DefaultCapacity = 1024
)

// Lookup is the slice of the relay the directory needs.
type Lookup interface {
	GetPublicKey(ctx context.Context, user domain.UserID) (domain.X25519Public, bool, error)
}

type entry struct {
	key     domain.X25519Public
	expires time.Time
}

// Service is a TTL-cached key directory.
type Service struct {
	relay Lookup
	log   *zap.Logger

	TTL      time.Duration
	Timeout  time.Duration
	Capacity int
	Now      func() time.Time

	mu    sync.Mutex
	cache map[domain.UserID]entry
}

// New returns a directory resolving through relay with default limits.
func New(relay Lookup, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		relay:    relay,
		log:      log.Named("peerkeys"),
		TTL:      DefaultTTL,
		Timeout:  DefaultTimeout,
		Capacity: DefaultCapacity,
		Now:      time.Now,
		cache:    make(map[domain.UserID]entry),
	}
}

// Resolve returns user's public key. ok is false when the user never
// initialized encryption; that is not an error. Only found keys are cached,
// so a peer that enables encryption is picked up on the next call.
func (s *Service) Resolve(ctx context.Context, user domain.UserID) (domain.X25519Public, bool, error) {
	now := s.Now()
	s.mu.Lock()
	e, hit := s.cache[user]
	if hit && now.Before(e.expires) {
		s.mu.Unlock()
		return e.key, true, nil
	}
	if hit {
		delete(s.cache, user)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	key, ok, err := s.relay.GetPublicKey(ctx, user)
	if err != nil {
		return domain.X25519Public{}, false, err
	}
	if !ok {
		s.log.Debug("peer has no key", zap.String("peer", user.String()))
		return domain.X25519Public{}, false, nil
	}

	s.mu.Lock()
	s.evictLocked(now)
	s.cache[user] = entry{key: key, expires: now.Add(s.TTL)}
	s.mu.Unlock()
	return key, true, nil
}

// Invalidate drops any cached key for user.
func (s *Service) Invalidate(user domain.UserID) {
	s.mu.Lock()
	delete(s.cache, user)
	s.mu.Unlock()
}

// evictLocked makes room for one entry: expired entries go first, then the
// one closest to expiry.
func (s *Service) evictLocked(now time.Time) {
	if s.Capacity <= 0 || len(s.cache) < s.Capacity {
		return
	}
	var (
		oldest   domain.UserID
		earliest time.Time
	)
	for u, e := range s.cache {
		if !now.Before(e.expires) {
			delete(s.cache, u)
			continue
		}
		if earliest.IsZero() || e.expires.Before(earliest) {
			oldest, earliest = u, e.expires
		}
	}
	if len(s.cache) >= s.Capacity {
		delete(s.cache, oldest)
	}
}

// Compile-time assertion that Service implements domain.PeerKeys.
var _ domain.PeerKeys = (*Service)(nil)
