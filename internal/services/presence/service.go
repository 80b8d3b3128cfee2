package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sealdm/internal/domain"
)

const (
	// DefaultDebounce is the minimum gap between repeated "typing" signals.
	DefaultDebounce = 2 * time.Second
	// DefaultTTL is how long a received "typing" signal stays valid.
	DefaultTTL = 4 * time.Second
)

// Relay is the slice of the relay presence needs.
type Relay interface {
	PublishTyping(ctx context.Context, ev domain.TypingEvent) error
	SubscribeTyping(ctx context.Context, conv domain.ConversationID) (domain.TypingSubscription, error)
}

type outgoing struct {
	typing   bool
	lastSent time.Time
}

// Service publishes our typing state and tracks our peers'.
type Service struct {
	relay Relay
	self  domain.UserID
	log   *zap.Logger

	Debounce time.Duration
	TTL      time.Duration
	Now      func() time.Time

	mu  sync.Mutex
	out map[domain.ConversationID]*outgoing
	in  map[domain.ConversationID]map[domain.UserID]time.Time
}

// New returns a presence service for self.
func New(relay Relay, self domain.UserID, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		relay:    relay,
		self:     self,
		log:      log.Named("presence"),
		Debounce: DefaultDebounce,
		TTL:      DefaultTTL,
		Now:      time.Now,
		out:      make(map[domain.ConversationID]*outgoing),
		in:       make(map[domain.ConversationID]map[domain.UserID]time.Time),
	}
}

// SetTyping reports local typing state. A start is published at once and
// refreshed at most once per Debounce while typing continues; a stop is
// published once.
func (s *Service) SetTyping(ctx context.Context, conv domain.ConversationID, typing bool) error {
	now := s.Now()
	s.mu.Lock()
	st, ok := s.out[conv]
	if !ok {
		st = &outgoing{}
		s.out[conv] = st
	}
	switch {
	case typing && st.typing && now.Sub(st.lastSent) < s.Debounce:
		s.mu.Unlock()
		return nil
	case !typing && !st.typing:
		s.mu.Unlock()
		return nil
	}
	st.typing = typing
	st.lastSent = now
	s.mu.Unlock()

	return s.relay.PublishTyping(ctx, domain.TypingEvent{
		ConversationID: conv,
		UserID:         s.self,
		IsTyping:       typing,
		ObservedAt:     now,
	})
}

// Watch follows peers' typing in conv. The channel carries every change of
// state, including expiries, and is closed when ctx ends or the stream
// drops.
func (s *Service) Watch(ctx context.Context, conv domain.ConversationID) (<-chan domain.TypingEvent, error) {
	sub, err := s.relay.SubscribeTyping(ctx, conv)
	if err != nil {
		return nil, err
	}
	out := make(chan domain.TypingEvent, 16)
	go s.follow(ctx, conv, sub, out)
	return out, nil
}

func (s *Service) follow(ctx context.Context, conv domain.ConversationID, sub domain.TypingSubscription, out chan<- domain.TypingEvent) {
	defer close(out)
	defer sub.Close()

	sweep := time.NewTicker(s.TTL / 4)
	defer sweep.Stop()

	emit := func(ev domain.TypingEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				s.log.Debug("typing stream ended", zap.String("conversation", conv.String()))
				return
			}
			if ev.UserID == s.self {
				continue
			}
			if s.record(conv, ev) && !emit(ev) {
				return
			}
		case <-sweep.C:
			for _, u := range s.expire(conv) {
				if !emit(domain.TypingEvent{ConversationID: conv, UserID: u, IsTyping: false, ObservedAt: s.Now()}) {
					return
				}
			}
		}
	}
}

// record applies a received signal and reports whether the visible state
// changed.
func (s *Service) record(conv domain.ConversationID, ev domain.TypingEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.in[conv]
	if users == nil {
		users = make(map[domain.UserID]time.Time)
		s.in[conv] = users
	}
	_, was := users[ev.UserID]
	if ev.IsTyping {
		users[ev.UserID] = s.Now().Add(s.TTL)
		return !was
	}
	delete(users, ev.UserID)
	return was
}

func (s *Service) expire(conv domain.ConversationID) []domain.UserID {
	now := s.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var gone []domain.UserID
	for u, until := range s.in[conv] {
		if !now.Before(until) {
			delete(s.in[conv], u)
			gone = append(gone, u)
		}
	}
	return gone
}

// IsTyping reports whether user has a live typing signal in conv.
func (s *Service) IsTyping(conv domain.ConversationID, user domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.in[conv][user]
	return ok && s.Now().Before(until)
}
