package relayserver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"sealdm/internal/domain"
)

const (
	changesPrefix = "dm:changes:"
	typingPrefix  = "dm:typing:"
)

// ChangesTopic is the broker topic carrying a conversation's change feed.
func ChangesTopic(id domain.ConversationID) string { return changesPrefix + string(id) }
// TypingTopic is the broker topic carrying a conversation's typing signals.
func TypingTopic(id domain.ConversationID) string { return typingPrefix + string(id) }

// Broker fans out per-conversation notifications to connected streams.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe must be active when it returns, so that a caller which
	// subscribes and then reads from the backend observes every later
	// publish. The returned cancel func releases the subscription and
	// closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
	Close() error
}

// subscriberBuffer bounds each stream's backlog. A subscriber that falls
// further behind is disconnected and resyncs.
const subscriberBuffer = 256

type memSub struct {
	ch   chan []byte
	once sync.Once
}

func (s *memSub) close() { s.once.Do(func() { close(s.ch) }) }

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]map[*memSub]struct{}
	log    *zap.Logger
}

// NewMemoryBroker returns an empty MemoryBroker.
func NewMemoryBroker(log *zap.Logger) *MemoryBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryBroker{topics: make(map[string]map[*memSub]struct{}), log: log}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.topics[topic] {
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
			b.log.Warn("dropping slow subscriber", zap.String("topic", topic))
			delete(b.topics[topic], s)
			s.close()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	s := &memSub{ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memSub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
		b.mu.Unlock()
		s.close()
	}
	return s.ch, cancel, nil
}

// Disconnect closes every subscription on topic. Tests use it to simulate a
// dropped stream.
func (b *MemoryBroker) Disconnect(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.topics[topic] {
		s.close()
	}
	delete(b.topics, topic)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for s := range subs {
			s.close()
		}
		delete(b.topics, topic)
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
