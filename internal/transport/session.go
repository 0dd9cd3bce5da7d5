package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSettleDelay is how long Open waits after handle acquisition before
// opening the channel.
const DefaultSettleDelay = 300 * time.Millisecond

// Option configures Open.
type Option func(*options)

type options struct {
	settle time.Duration
	log    *zap.Logger
}

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) { o.settle = d }
}

// WithLogger sets the session logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Session is a text channel to one device. The zero value and a nil
// *Session behave as a closed session.
type Session struct {
	handle Handle
	log    *zap.Logger

	mu        sync.Mutex
	ch        Channel
	onChunk   func(string)
	listening bool
	closed    bool
	err       error

	closeOnce sync.Once
	done      chan struct{}
}

// Open waits the settling delay and then opens h through p. If ctx is
// cancelled during the wait, p is never called and ctx.Err() is returned.
func Open(ctx context.Context, p Provider, h Handle, opts ...Option) (*Session, error) {
	o := options{settle: DefaultSettleDelay, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.settle > 0 {
		timer := time.NewTimer(o.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := p.Open(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", h.Name, err)
	}

	// Cancelled while the provider was opening.
	if err := ctx.Err(); err != nil {
		ch.Close()
		return nil, err
	}

	o.log.Debug("session opened", zap.String("device", h.ID), zap.String("name", h.Name))
	return &Session{
		handle: h,
		log:    o.log,
		ch:     ch,
		done:   make(chan struct{}),
	}, nil
}

// Handle returns the device this session is attached to.
func (s *Session) Handle() Handle {
	if s == nil {
		return Handle{}
	}
	return s.handle
}

// Listen registers the consumer of incoming chunks and starts delivery.
// Only the first call takes effect.
func (s *Session) Listen(onChunk func(string)) {
	if s == nil || onChunk == nil {
		return
	}
	s.mu.Lock()
	if s.listening || s.closed || s.ch == nil {
		s.mu.Unlock()
		return
	}
	s.listening = true
	s.onChunk = onChunk
	ch := s.ch
	s.mu.Unlock()

	go s.pump(ch)
}

func (s *Session) pump(ch Channel) {
	for {
		text, err := ch.Read()
		if err != nil {
			s.finish(err)
			return
		}
		s.mu.Lock()
		fn := s.onChunk
		s.mu.Unlock()
		if fn == nil {
			// Closed while the read was in flight.
			s.finish(nil)
			return
		}
		fn(text)
	}
}

// finish records why delivery stopped and releases the channel.
func (s *Session) finish(cause error) {
	s.mu.Lock()
	if s.closed {
		cause = nil
	}
	if s.err == nil {
		s.err = cause
	}
	s.mu.Unlock()
	if cause != nil {
		s.log.Info("session disconnected", zap.String("device", s.handle.ID), zap.Error(cause))
	}
	s.release()
}

// Send writes text plus a line terminator. It does nothing when the
// session is not open.
func (s *Session) Send(text string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	ch := s.ch
	open := !s.closed && s.err == nil
	s.mu.Unlock()
	if ch == nil || !open {
		return
	}
	if err := ch.Write(text + "\n"); err != nil {
		s.log.Warn("send failed", zap.String("device", s.handle.ID), zap.Error(err))
	}
}

// Done is closed once delivery has stopped.
func (s *Session) Done() <-chan struct{} {
	if s == nil || s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Err reports why delivery stopped. It is nil after an explicit Close.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

// Close releases the channel and drops the listener. Safe to call more
// than once.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.onChunk = nil
	s.mu.Unlock()
	s.release()
}

func (s *Session) release() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.log.Debug("close channel", zap.Error(err))
			}
		}
		if s.done != nil {
			close(s.done)
		}
	})
}
