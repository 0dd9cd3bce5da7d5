// Package transcript persists the output of one device visit and loads the
// scrollback of earlier visits.
package transcript

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwulff/microchat/internal/db"
)

// Store is the persistence the recorder needs.
type Store interface {
	CreateSession(ctx context.Context, deviceID string, createdAt time.Time) (int64, error)
	UpdateSessionContent(ctx context.Context, id int64, content string) error
	SessionsForDevice(ctx context.Context, deviceID string) ([]db.Session, error)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithClock overrides time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder owns the session record of one device visit. Writes are
// serialized on one goroutine and always carry the latest content.
type Recorder struct {
	store    Store
	deviceID string
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	id       int64
	pending  string
	dirty    bool
	closing  bool
	previous string

	wake      chan struct{}
	created   chan struct{}
	prevReady chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Start creates the session record for deviceID and loads earlier
// transcripts in the background. Persistence errors are logged only.
func Start(ctx context.Context, store Store, deviceID string, opts ...Option) *Recorder {
	r := &Recorder{
		store:     store,
		deviceID:  deviceID,
		log:       zap.NewNop(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		created:   make(chan struct{}),
		prevReady: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("device", deviceID))

	go r.run(context.WithoutCancel(ctx))
	return r
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	id, err := r.store.CreateSession(ctx, r.deviceID, r.now())
	if err != nil {
		r.log.Error("create session", zap.Error(err))
	} else {
		r.mu.Lock()
		r.id = id
		r.mu.Unlock()
		r.log.Debug("session created", zap.Int64("session", id))
	}
	close(r.created)

	go r.loadPrevious(ctx, id)

	for {
		r.mu.Lock()
		content, dirty, closing := r.pending, r.dirty, r.closing
		r.dirty = false
		r.mu.Unlock()

		if dirty && id != 0 {
			if err := r.store.UpdateSessionContent(ctx, id, content); err != nil {
				r.log.Warn("update session", zap.Int64("session", id), zap.Error(err))
			}
			continue
		}
		if closing {
			return
		}
		<-r.wake
	}
}

func (r *Recorder) loadPrevious(ctx context.Context, current int64) {
	defer close(r.prevReady)

	sessions, err := r.store.SessionsForDevice(ctx, r.deviceID)
	if err != nil {
		r.log.Warn("load previous sessions", zap.Error(err))
		return
	}

	var parts []string
	for _, s := range sessions {
		if s.ID == current || s.Content == "" {
			continue
		}
		parts = append(parts, s.Content)
	}

	r.mu.Lock()
	r.previous = strings.Join(parts, "\n")
	r.mu.Unlock()
}

// SessionID returns the id of the record being written, waiting for it to
// be created. It is 0 if creation failed.
func (r *Recorder) SessionID() int64 {
	<-r.created
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Previous returns the joined transcripts of earlier visits and whether
// they have finished loading.
func (r *Recorder) Previous() (string, bool) {
	select {
	case <-r.prevReady:
	default:
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previous, true
}

// PreviousReady is closed once Previous is available.
func (r *Recorder) PreviousReady() <-chan struct{} {
	return r.prevReady
}

// Update replaces the stored transcript with content.
func (r *Recorder) Update(content string) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.pending = content
	r.dirty = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close writes any pending content and waits for the recorder's
// goroutines to finish.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()
		select {
		case r.wake <- struct{}{}:
		default:
		}
	})
	<-r.done
	<-r.prevReady
}
