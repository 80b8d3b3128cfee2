package relayserver

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sealdm/internal/domain"
)

type memConversation struct {
	conv     domain.Conversation
	revision int64
	rows     map[domain.MessageID]*domain.EnvelopeRow
	lastRead map[domain.UserID]time.Time
}

// MemoryBackend keeps all relay state in process memory. State is lost on
// exit; it backs development relays and tests.
type MemoryBackend struct {
	mu     sync.RWMutex
	keys   map[domain.UserID]domain.X25519Public
	pairs  map[[2]domain.UserID]domain.ConversationID
	convs  map[domain.ConversationID]*memConversation
	msgIdx map[domain.MessageID]domain.ConversationID

	now func() time.Time
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		keys:   make(map[domain.UserID]domain.X25519Public),
		pairs:  make(map[[2]domain.UserID]domain.ConversationID),
		convs:  make(map[domain.ConversationID]*memConversation),
		msgIdx: make(map[domain.MessageID]domain.ConversationID),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryBackend) PutPublicKey(_ context.Context, user domain.UserID, key domain.X25519Public) error {
	if key.IsZero() {
		return invalidf("empty public key")
	}
	m.mu.Lock()
	m.keys[user] = key
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) GetPublicKey(_ context.Context, user domain.UserID) (domain.X25519Public, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[user]
	if !ok {
		return domain.X25519Public{}, domain.ErrNotFound
	}
	return k, nil
}

func (m *MemoryBackend) UpsertConversation(_ context.Context, a, b domain.UserID) (domain.Conversation, error) {
	if a == "" || b == "" || a == b {
		return domain.Conversation{}, invalidf("a conversation needs two distinct participants")
	}
	pair := domain.OrderedPair(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.pairs[pair]; ok {
		return m.convs[id].conv, nil
	}
	c := &memConversation{
		conv: domain.Conversation{
			ID:           domain.ConversationID(uuid.NewString()),
			Participants: pair,
			CreatedAt:    m.now(),
		},
		rows:     make(map[domain.MessageID]*domain.EnvelopeRow),
		lastRead: make(map[domain.UserID]time.Time),
	}
	m.pairs[pair] = c.conv.ID
	m.convs[c.conv.ID] = c
	return c.conv, nil
}

func (m *MemoryBackend) GetConversation(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c.conv, nil
}

func (m *MemoryBackend) ListConversations(_ context.Context, viewer domain.UserID) ([]domain.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ConversationSummary
	for _, c := range m.convs {
		if !c.conv.Has(viewer) {
			continue
		}
		last := c.conv.CreatedAt
		if c.conv.LastMessageAt != nil {
			last = *c.conv.LastMessageAt
		}
		unread := 0
		seen := c.lastRead[viewer]
		for _, r := range c.rows {
			if r.RecipientID == viewer && !r.Deleted && r.CreatedAt.After(seen) {
				unread++
			}
		}
		out = append(out, domain.ConversationSummary{
			ID:            c.conv.ID,
			PeerID:        c.conv.Peer(viewer),
			LastMessageAt: last,
			UnreadCount:   unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryBackend) MarkRead(_ context.Context, id domain.ConversationID, viewer domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !c.conv.Has(viewer) {
		return ErrForbidden
	}
	c.lastRead[viewer] = m.now()
	return nil
}

func (m *MemoryBackend) InsertMessage(_ context.Context, row domain.EnvelopeRow) (domain.EnvelopeRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if convID, ok := m.msgIdx[row.ID]; ok {
		stored := *m.convs[convID].rows[row.ID]
		if !sameSubmission(stored, row) {
			return domain.EnvelopeRow{}, false, ErrConflict
		}
		return cloneRow(stored), false, nil
	}
	c, ok := m.convs[row.ConversationID]
	if !ok {
		return domain.EnvelopeRow{}, false, domain.ErrNotFound
	}
	if err := validateNewRow(c.conv, row); err != nil {
		return domain.EnvelopeRow{}, false, err
	}

	now := m.now()
	c.revision++
	stored := cloneRow(row)
	stored.CreatedAt = now
	stored.EditedAt = nil
	stored.Deleted = false
	stored.Reactions = nil
	stored.Revision = c.revision
	c.rows[row.ID] = &stored
	c.conv.LastMessageAt = &now
	m.msgIdx[row.ID] = row.ConversationID
	return cloneRow(stored), true, nil
}

// lookup finds a message row; callers hold m.mu.
func (m *MemoryBackend) lookup(conv domain.ConversationID, id domain.MessageID) (*memConversation, *domain.EnvelopeRow, error) {
	c, ok := m.convs[conv]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	r, ok := c.rows[id]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	return c, r, nil
}

func (m *MemoryBackend) EditMessage(_ context.Context, caller domain.UserID, edit domain.EditRequest) (domain.EnvelopeRow, error) {
	if err := validateEdit(edit); err != nil {
		return domain.EnvelopeRow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, r, err := m.lookup(edit.ConversationID, edit.MessageID)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	if r.SenderID != caller {
		return domain.EnvelopeRow{}, domain.ErrNotSender
	}
	if r.Deleted {
		return domain.EnvelopeRow{}, domain.ErrDeleted
	}
	now := m.now()
	c.revision++
	r.ForRecipient = cloneEnvelope(edit.ForRecipient)
	r.ForSender = cloneEnvelope(edit.ForSender)
	r.SealedAt = edit.SealedAt
	r.EditedAt = &now
	r.Revision = c.revision
	return cloneRow(*r), nil
}

func (m *MemoryBackend) DeleteMessage(_ context.Context, caller domain.UserID, conv domain.ConversationID, id domain.MessageID) (domain.EnvelopeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, r, err := m.lookup(conv, id)
	if err != nil {
		return domain.EnvelopeRow{}, err
	}
	if r.SenderID != caller {
		return domain.EnvelopeRow{}, domain.ErrNotSender
	}
	if r.Deleted {
		return cloneRow(*r), nil
	}
	c.revision++
	r.Deleted = true
	r.ForRecipient = nil
	r.ForSender = nil
	r.Reactions = nil
	r.Revision = c.revision
	return cloneRow(*r), nil
}

func (m *MemoryBackend) ApplyReaction(_ context.Context, change domain.ReactionChange) (domain.EnvelopeRow, bool, error) {
	if err := validateReaction(change); err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, r, err := m.lookup(change.ConversationID, change.MessageID)
	if err != nil {
		return domain.EnvelopeRow{}, false, err
	}
	if !c.conv.Has(change.ReactorID) {
		return domain.EnvelopeRow{}, false, ErrForbidden
	}
	if r.Deleted {
		return domain.EnvelopeRow{}, false, domain.ErrDeleted
	}

	idx := slices.IndexFunc(r.Reactions, func(x domain.Reaction) bool {
		return x.ReactorID == change.ReactorID && x.Emoji == change.Emoji
	})
	switch {
	case change.Added && idx < 0:
		r.Reactions = append(r.Reactions, domain.Reaction{
			MessageID: r.ID, ReactorID: change.ReactorID, Emoji: change.Emoji,
		})
	case !change.Added && idx >= 0:
		r.Reactions = slices.Delete(r.Reactions, idx, idx+1)
	default:
		return cloneRow(*r), false, nil
	}
	c.revision++
	r.Revision = c.revision
	return cloneRow(*r), true, nil
}

func (m *MemoryBackend) MessagesSince(_ context.Context, conv domain.ConversationID, since int64) ([]domain.EnvelopeRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.convs[conv]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.EnvelopeRow, 0, len(c.rows))
	for _, r := range c.rows {
		if r.Revision > since {
			out = append(out, cloneRow(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)
