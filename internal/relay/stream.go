package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"sealdm/internal/domain"
	"sealdm/internal/relay/sse"
)

// Subscribe opens the conversation's change stream. It returns once the
// relay has accepted the subscription.
func (c *HTTP) Subscribe(ctx context.Context, conv domain.ConversationID) (domain.Subscription, error) {
	s := &changeStream{events: make(chan domain.ChangeEvent, 64)}
	body, sctx, cancel, err := c.openStream(ctx, convPath(conv)+"/stream")
	if err != nil {
		return nil, err
	}
	s.cancel = cancel
	go func() {
		defer close(s.events)
		s.setErr(pump(body, "change", func(data []byte) bool {
			var ev domain.ChangeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.log.Warn("bad change event", zap.String("conversation", string(conv)), zap.Error(err))
				return true
			}
			select {
			case s.events <- ev:
				return true
			case <-sctx.Done():
				return false
			}
		}))
	}()
	return s, nil
}

// SubscribeTyping opens the conversation's typing stream.
func (c *HTTP) SubscribeTyping(ctx context.Context, conv domain.ConversationID) (domain.TypingSubscription, error) {
	s := &typingStream{events: make(chan domain.TypingEvent, 16)}
	body, _, cancel, err := c.openStream(ctx, convPath(conv)+"/typing")
	if err != nil {
		return nil, err
	}
	s.cancel = cancel
	go func() {
		defer close(s.events)
		_ = pump(body, "typing", func(data []byte) bool {
			var ev domain.TypingEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return true
			}
			select {
			case s.events <- ev:
			default:
			}
			return true
		})
	}()
	return s, nil
}

func (c *HTTP) openStream(ctx context.Context, path string) (io.ReadCloser, context.Context, context.CancelFunc, error) {
	sctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(sctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	req.Header.Set("Accept", sse.ContentType)
	resp, err := c.Stream.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, errors.Join(domain.ErrDisconnected, domain.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, nil, nil, statusError(http.MethodGet, path, resp)
	}
	return resp.Body, sctx, func() { cancel(); _ = resp.Body.Close() }, nil
}

// pump feeds every event named name to fn until the stream ends. It always
// returns a non-nil error wrapping domain.ErrDisconnected.
func pump(body io.ReadCloser, name string, fn func([]byte) bool) error {
	defer body.Close()
	r := sse.NewReader(body)
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.ErrDisconnected
			}
			return errors.Join(domain.ErrDisconnected, err)
		}
		if ev.Name != name {
			continue
		}
		if !fn(ev.Data) {
			return domain.ErrDisconnected
		}
	}
}

type changeStream struct {
	events chan domain.ChangeEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *changeStream) Events() <-chan domain.ChangeEvent { return s.events }

func (s *changeStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *changeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *changeStream) Close() error {
	s.cancel()
	return nil
}

type typingStream struct {
	events chan domain.TypingEvent
	cancel context.CancelFunc
}

func (s *typingStream) Events() <-chan domain.TypingEvent { return s.events }

func (s *typingStream) Close() error {
	s.cancel()
	return nil
}
