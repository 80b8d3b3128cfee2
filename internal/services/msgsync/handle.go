package msgsync

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"sealdm/internal/domain"
)

const transitionBuffer = 32

// Handle is one open conversation. It stays subscribed until Close is
// called or its context ends.
type Handle struct {
	conv domain.ConversationID
	s    *Service
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	states chan Transition

	// seen holds live revisions above the cursor; only the run loop
	// touches it.
	seen map[int64]struct{}

	mu    sync.Mutex
	state State
	err   error
	sub   domain.Subscription
}

// Open subscribes to conv, catches up on missed rows and starts following
// the live stream. It returns once the handle is Live, or with the error
// that kept it from getting there.
func (s *Service) Open(ctx context.Context, conv domain.ConversationID) (*Handle, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		conv:   conv,
		s:      s,
		log:    s.log.With(zap.String("conversation", conv.String())),
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
		states: make(chan Transition, transitionBuffer),
		seen:   make(map[int64]struct{}),
	}

	h.move(Subscribing, nil)
	sub, err := h.connect()
	if err != nil {
		h.move(Closed, err)
		h.finish()
		cancel()
		return nil, err
	}
	h.setSub(sub)
	h.move(Live, nil)

	go h.run()
	return h, nil
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// States delivers transitions as they happen. It is closed once the handle
// reaches Closed. A reader that falls behind misses transitions.
func (h *Handle) States() <-chan Transition { return h.states }

// Done is closed when the handle has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the error that closed the handle, nil after a plain Close.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close stops following the conversation and waits for the loop to exit.
func (h *Handle) Close() error {
	h.cancel()
	<-h.done
	return nil
}

func (h *Handle) connect() (domain.Subscription, error) {
	sub, err := h.s.relay.Subscribe(h.ctx, h.conv)
	if err != nil {
		return nil, err
	}
	top, err := h.s.resync(h.ctx, h.conv)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	for rev := range h.seen {
		if rev <= top {
			delete(h.seen, rev)
		}
	}
	return sub, nil
}

// ingest applies a live row and moves the cursor across the contiguous run
// of revisions seen so far. Live events may arrive out of revision order,
// and a gap left by a superseded revision is closed by the next resync.
func (h *Handle) ingest(row domain.EnvelopeRow) {
	h.s.Apply(row)

	cur, err := h.s.store.Cursor(h.conv)
	if err != nil {
		h.log.Error("read cursor", zap.Error(err))
		return
	}
	if row.Revision <= cur {
		return
	}
	h.seen[row.Revision] = struct{}{}
	next := cur
	for {
		if _, ok := h.seen[next+1]; !ok {
			break
		}
		delete(h.seen, next+1)
		next++
	}
	if next == cur {
		return
	}
	if err := h.s.store.AdvanceCursor(h.conv, next); err != nil {
		h.log.Error("persist cursor", zap.Error(err))
	}
}

func (h *Handle) run() {
	defer h.finish()
	for {
		sub := h.currentSub()
		for ev := range sub.Events() {
			h.ingest(ev.Row)
		}
		_ = sub.Close()
		if h.ctx.Err() != nil {
			h.move(Closed, nil)
			return
		}

		h.move(Reconnecting, sub.Err())
		if err := h.reconnect(); err != nil {
			if h.ctx.Err() != nil {
				err = nil
			}
			h.move(Closed, err)
			return
		}
		h.move(Live, nil)
	}
}

func (h *Handle) reconnect() error {
	attempt := 0
	op := func() error {
		attempt++
		sub, err := h.connect()
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		h.setSub(sub)
		return nil
	}
	notify := func(err error, next time.Duration) {
		h.log.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(h.s.NewBackOff(), h.ctx), notify)
}

func (h *Handle) setSub(sub domain.Subscription) {
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
}

func (h *Handle) currentSub() domain.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sub
}

func (h *Handle) move(to State, cause error) {
	h.mu.Lock()
	from := h.state
	if !canMove(from, to) {
		h.mu.Unlock()
		h.log.Error("illegal sync transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return
	}
	h.state = to
	if to == Closed {
		h.err = cause
	}
	h.mu.Unlock()

	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("state", to)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	h.log.Info("sync state", fields...)

	select {
	case h.states <- Transition{From: from, To: to, Err: cause}:
	default:
	}
}

func (h *Handle) finish() {
	close(h.states)
	close(h.done)
}
