package outbox

import (
	"context"
	"sync"

	"sealdm/internal/domain"
)

type job struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan error
}

// lane is an unbounded FIFO of jobs for one conversation, drained by a
// single worker.
type lane struct {
	mu     sync.Mutex
	queue  []job
	closed bool
	wake   chan struct{}
}

func newLane() *lane { return &lane{wake: make(chan struct{}, 1)} }

func (l *lane) push(j job) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, j)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *lane) pop() (job, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			j := l.queue[0]
			l.queue[0] = job{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return j, true
		}
		if l.closed {
			l.mu.Unlock()
			return job{}, false
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// enqueue runs fn on conv's lane and waits for the result.
func (s *Service) enqueue(ctx context.Context, conv domain.ConversationID, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	l, ok := s.lanes[conv]
	if !ok {
		l = newLane()
		s.lanes[conv] = l
		s.wg.Add(1)
		go s.work(l)
	}
	s.mu.Unlock()

	j := job{ctx: ctx, run: fn, done: make(chan error, 1)}
	if !l.push(j) {
		return ErrClosed
	}
	return <-j.done
}

func (s *Service) work(l *lane) {
	defer s.wg.Done()
	for {
		j, ok := l.pop()
		if !ok {
			return
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- j.run(j.ctx)
	}
}

// Close stops the lane workers once queued jobs have run.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, l := range s.lanes {
		l.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
