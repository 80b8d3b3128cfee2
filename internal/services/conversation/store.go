package conversation

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sealdm/internal/domain"
)

// ChangeKind says which projection a Change touched.
type ChangeKind int

const (
	MessagesChanged ChangeKind = iota + 1
	ReactionsChanged
	InboxChanged
)

// Change is a notification sent to watchers. It carries ids only; readers
// fetch current state through the accessors.
type Change struct {
	Kind           ChangeKind
	ConversationID domain.ConversationID
	MessageID      domain.MessageID
}

const watchBuffer = 64

type reactionKey struct {
	reactor domain.UserID
	emoji   string
}

type thread struct {
	mu        sync.Mutex
	msgs      []domain.Message
	at        map[domain.MessageID]time.Time
	reactions map[domain.MessageID]map[reactionKey]struct{}
	cursor    int64 // revision folded into this projection
	synced    int64 // highest revision folded by any run, persisted
	loaded    bool
}

func newThread() *thread {
	return &thread{
		at:        make(map[domain.MessageID]time.Time),
		reactions: make(map[domain.MessageID]map[reactionKey]struct{}),
	}
}

// Store is the in-memory conversation projection for one local user.
type Store struct {
	self  domain.UserID
	state domain.StateStore
	log   *zap.Logger

	mu       sync.Mutex
	threads  map[domain.ConversationID]*thread
	inbox    map[domain.ConversationID]domain.ConversationSummary
	watchers map[chan Change]struct{}
}

// NewStore returns an empty store for self. state persists sync cursors and
// may be nil.
func NewStore(self domain.UserID, state domain.StateStore, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		self:     self,
		state:    state,
		log:      log.Named("conversation"),
		threads:  make(map[domain.ConversationID]*thread),
		inbox:    make(map[domain.ConversationID]domain.ConversationSummary),
		watchers: make(map[chan Change]struct{}),
	}
}

// Self returns the local user.
func (s *Store) Self() domain.UserID { return s.self }

func (s *Store) thread(id domain.ConversationID) *thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		t = newThread()
		s.threads[id] = t
	}
	return t
}

func less(a domain.Message, at time.Time, id domain.MessageID) bool {
	if !a.CreatedAt.Equal(at) {
		return a.CreatedAt.Before(at)
	}
	return a.ID < id
}

// index returns the slice position of id, or -1.
func (t *thread) index(id domain.MessageID) int {
	at, ok := t.at[id]
	if !ok {
		return -1
	}
	i := sort.Search(len(t.msgs), func(i int) bool { return !less(t.msgs[i], at, id) })
	if i < len(t.msgs) && t.msgs[i].ID == id {
		return i
	}
	return -1
}

func (t *thread) insert(m domain.Message) {
	i := sort.Search(len(t.msgs), func(i int) bool { return !less(t.msgs[i], m.CreatedAt, m.ID) })
	t.msgs = slices.Insert(t.msgs, i, m)
	t.at[m.ID] = m.CreatedAt
}

// Upsert inserts or replaces a message and reports whether anything changed.
//
// A pending row never replaces a confirmed one, and a confirmed row with an
// older revision than the stored one is ignored. When a confirmed row
// replaces an optimistic one its relay timestamp decides the position.
func (s *Store) Upsert(m domain.Message) bool {
	t := s.thread(m.ConversationID)
	t.mu.Lock()
	if i := t.index(m.ID); i >= 0 {
		old := t.msgs[i]
		if old.Confirmed() && !m.Confirmed() {
			t.mu.Unlock()
			return false
		}
		if old.Confirmed() && m.Revision < old.Revision {
			t.mu.Unlock()
			return false
		}
		if old.CreatedAt.Equal(m.CreatedAt) {
			t.msgs[i] = m
		} else {
			t.msgs = slices.Delete(t.msgs, i, i+1)
			t.insert(m)
		}
	} else {
		t.insert(m)
	}
	if m.Deleted {
		delete(t.reactions, m.ID)
	}
	t.mu.Unlock()

	s.notify(Change{Kind: MessagesChanged, ConversationID: m.ConversationID, MessageID: m.ID})
	return true
}

// SetDelivery updates the delivery state of a local row.
func (s *Store) SetDelivery(conv domain.ConversationID, id domain.MessageID, state domain.DeliveryState) error {
	return s.update(conv, id, func(m *domain.Message) error {
		m.Delivery = state
		return nil
	})
}

// MarkDeleted turns a message into a tombstone: body and reactions are
// dropped, the position is kept.
func (s *Store) MarkDeleted(conv domain.ConversationID, id domain.MessageID) error {
	err := s.update(conv, id, func(m *domain.Message) error {
		m.Deleted = true
		m.Body = nil
		return nil
	})
	if err != nil {
		return err
	}
	t := s.thread(conv)
	t.mu.Lock()
	delete(t.reactions, id)
	t.mu.Unlock()
	return nil
}

// ApplyEdit replaces the body of a message in place.
func (s *Store) ApplyEdit(conv domain.ConversationID, id domain.MessageID, body domain.MessageBody, editedAt time.Time) error {
	return s.update(conv, id, func(m *domain.Message) error {
		if m.Deleted {
			return domain.ErrDeleted
		}
		at := editedAt
		m.Body = body
		m.EditedAt = &at
		m.Undecryptable = false
		return nil
	})
}

func (s *Store) update(conv domain.ConversationID, id domain.MessageID, fn func(*domain.Message) error) error {
	t := s.thread(conv)
	t.mu.Lock()
	i := t.index(id)
	if i < 0 {
		t.mu.Unlock()
		return domain.ErrNotFound
	}
	m := t.msgs[i]
	if err := fn(&m); err != nil {
		t.mu.Unlock()
		return err
	}
	t.msgs[i] = m
	t.mu.Unlock()

	s.notify(Change{Kind: MessagesChanged, ConversationID: conv, MessageID: id})
	return nil
}

// Remove drops a message entirely. It is used to discard optimistic rows
// that never reached the relay.
func (s *Store) Remove(conv domain.ConversationID, id domain.MessageID) {
	t := s.thread(conv)
	t.mu.Lock()
	i := t.index(id)
	if i >= 0 {
		t.msgs = slices.Delete(t.msgs, i, i+1)
		delete(t.at, id)
		delete(t.reactions, id)
	}
	t.mu.Unlock()
	if i >= 0 {
		s.notify(Change{Kind: MessagesChanged, ConversationID: conv, MessageID: id})
	}
}

// Get returns one message.
func (s *Store) Get(conv domain.ConversationID, id domain.MessageID) (domain.Message, bool) {
	t := s.thread(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(id); i >= 0 {
		return t.msgs[i], true
	}
	return domain.Message{}, false
}

// Messages returns a copy of the conversation in display order.
func (s *Store) Messages(conv domain.ConversationID) []domain.Message {
	t := s.thread(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.msgs)
}

// SetReaction adds or removes one (reactor, emoji) on a message. Reactions
// on deleted messages are refused.
func (s *Store) SetReaction(conv domain.ConversationID, id domain.MessageID, reactor domain.UserID, emoji string, present bool) error {
	t := s.thread(conv)
	t.mu.Lock()
	i := t.index(id)
	if i < 0 {
		t.mu.Unlock()
		return domain.ErrNotFound
	}
	if t.msgs[i].Deleted {
		t.mu.Unlock()
		return domain.ErrDeleted
	}
	k := reactionKey{reactor: reactor, emoji: emoji}
	set := t.reactions[id]
	if present {
		if set == nil {
			set = make(map[reactionKey]struct{})
			t.reactions[id] = set
		}
		set[k] = struct{}{}
	} else if set != nil {
		delete(set, k)
	}
	t.mu.Unlock()

	s.notify(Change{Kind: ReactionsChanged, ConversationID: conv, MessageID: id})
	return nil
}

// ReplaceReactions installs the authoritative reaction set for a message.
func (s *Store) ReplaceReactions(conv domain.ConversationID, id domain.MessageID, rs []domain.Reaction) {
	t := s.thread(conv)
	t.mu.Lock()
	if len(rs) == 0 {
		delete(t.reactions, id)
	} else {
		set := make(map[reactionKey]struct{}, len(rs))
		for _, r := range rs {
			set[reactionKey{reactor: r.ReactorID, emoji: r.Emoji}] = struct{}{}
		}
		t.reactions[id] = set
	}
	t.mu.Unlock()
	s.notify(Change{Kind: ReactionsChanged, ConversationID: conv, MessageID: id})
}

// HasReaction reports whether reactor currently has emoji on the message.
func (s *Store) HasReaction(conv domain.ConversationID, id domain.MessageID, reactor domain.UserID, emoji string) bool {
	t := s.thread(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reactions[id][reactionKey{reactor: reactor, emoji: emoji}]
	return ok
}

// ReactionsFor aggregates a message's reactions per emoji, sorted by emoji.
func (s *Store) ReactionsFor(conv domain.ConversationID, id domain.MessageID) []domain.ReactionSummary {
	t := s.thread(conv)
	t.mu.Lock()
	byEmoji := make(map[string]*domain.ReactionSummary)
	for k := range t.reactions[id] {
		sum, ok := byEmoji[k.emoji]
		if !ok {
			sum = &domain.ReactionSummary{Emoji: k.emoji}
			byEmoji[k.emoji] = sum
		}
		sum.Count++
		if k.reactor == s.self {
			sum.Mine = true
		}
	}
	t.mu.Unlock()

	out := make([]domain.ReactionSummary, 0, len(byEmoji))
	for _, sum := range byEmoji {
		out = append(out, *sum)
	}
	slices.SortFunc(out, func(a, b domain.ReactionSummary) int { return strings.Compare(a.Emoji, b.Emoji) })
	return out
}

// SetSummaries replaces the inbox with the relay's view.
func (s *Store) SetSummaries(sums []domain.ConversationSummary) {
	s.mu.Lock()
	s.inbox = make(map[domain.ConversationID]domain.ConversationSummary, len(sums))
	for _, sum := range sums {
		s.inbox[sum.ID] = sum
	}
	s.mu.Unlock()
	s.notify(Change{Kind: InboxChanged})
}

// NoteActivity records a new message in a conversation's inbox row. Unread
// counts only grow for messages from the peer.
func (s *Store) NoteActivity(conv domain.ConversationID, peer domain.UserID, at time.Time, incoming bool) {
	s.mu.Lock()
	sum, ok := s.inbox[conv]
	if !ok {
		sum = domain.ConversationSummary{ID: conv, PeerID: peer}
	}
	if at.After(sum.LastMessageAt) {
		sum.LastMessageAt = at
	}
	if incoming {
		sum.UnreadCount++
	}
	s.inbox[conv] = sum
	s.mu.Unlock()
	s.notify(Change{Kind: InboxChanged, ConversationID: conv})
}

// ClearUnread zeroes a conversation's unread count.
func (s *Store) ClearUnread(conv domain.ConversationID) {
	s.mu.Lock()
	sum, ok := s.inbox[conv]
	if ok {
		sum.UnreadCount = 0
		s.inbox[conv] = sum
	}
	s.mu.Unlock()
	if ok {
		s.notify(Change{Kind: InboxChanged, ConversationID: conv})
	}
}

// Inbox returns conversations, most recent activity first.
func (s *Store) Inbox() []domain.ConversationSummary {
	s.mu.Lock()
	out := make([]domain.ConversationSummary, 0, len(s.inbox))
	for _, sum := range s.inbox {
		out = append(out, sum)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.ConversationSummary) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

// Cursor returns the highest relay revision folded into this store's view
// of conv. A new store starts at 0 so its projection is rebuilt from the
// whole history; only reconnects within one process resume from it.
func (s *Store) Cursor(conv domain.ConversationID) (int64, error) {
	t := s.thread(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor, nil
}

// Synced returns the highest revision folded into conv by this or any
// earlier run. Rows at or below it were already shown to the user.
func (s *Store) Synced(conv domain.ConversationID) (int64, error) {
	t := s.thread(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := s.loadSyncedLocked(conv, t); err != nil {
		return 0, err
	}
	return t.synced, nil
}

// AdvanceCursor moves the cursor forward to rev and records it as synced.
// Lower values are ignored.
func (s *Store) AdvanceCursor(conv domain.ConversationID, rev int64) error {
	t := s.thread(conv)
	t.mu.Lock()
	defer t.mu.Unlock()
	if rev > t.cursor {
		t.cursor = rev
	}
	if err := s.loadSyncedLocked(conv, t); err != nil {
		return err
	}
	if rev <= t.synced {
		return nil
	}
	t.synced = rev
	if s.state == nil {
		return nil
	}
	return s.state.SetCursor(conv, rev)
}

func (s *Store) loadSyncedLocked(conv domain.ConversationID, t *thread) error {
	if t.loaded || s.state == nil {
		t.loaded = true
		return nil
	}
	rev, err := s.state.Cursor(conv)
	if err != nil {
		return err
	}
	if rev > t.synced {
		t.synced = rev
	}
	t.loaded = true
	return nil
}

// Watch returns a channel of changes that is closed when ctx ends. Slow
// watchers miss notifications rather than stall writers.
func (s *Store) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, watchBuffer)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- c:
		default:
			s.log.Debug("watcher behind, change dropped", zap.String("conversation", c.ConversationID.String()))
		}
	}
}
