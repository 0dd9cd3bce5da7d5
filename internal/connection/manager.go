// Package connection supervises the connection to one device for the
// lifetime of a device view.
//
// A Manager moves through Absent, Connecting, Open and Error. It never
// retries on its own: a lost connection stays in Error until the user asks
// to Reconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwulff/microchat/internal/transport"
)

// State is the connection state of a device view.
type State int

const (
	Absent State = iota
	Connecting
	Open
	Error
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Target names the device a view wants to talk to.
type Target struct {
	ID   string
	Name string
}

// Snapshot is a copy of the manager's observable state.
type Snapshot struct {
	State  State
	Device *transport.Handle
	Output string
	Err    string
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache shares remembered handles between managers.
func WithCache(c *transport.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithSettleDelay overrides transport.DefaultSettleDelay.
func WithSettleDelay(d time.Duration) Option {
	return func(m *Manager) { m.settle = d }
}

// WithLogger sets the manager logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithObserver registers fn to be called after every change. Observers run
// on the goroutine that caused the change, in change order.
func WithObserver(fn func(Snapshot)) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// Manager owns the connection state and transport session of one view.
type Manager struct {
	provider  transport.Provider
	target    Target
	cache     *transport.Cache
	settle    time.Duration
	log       *zap.Logger
	observers []func(Snapshot)

	// notifyMu keeps observer calls in change order.
	notifyMu sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	state   State
	device  *transport.Handle
	output  strings.Builder
	errText string
	session *transport.Session
	cancel  context.CancelFunc
	gen     int
	mounted bool
}

// New returns a manager for target. Nothing happens until Mount.
func New(provider transport.Provider, target Target, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		target:   target,
		settle:   transport.DefaultSettleDelay,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = transport.NewCache()
	}
	m.log = m.log.With(zap.String("device", target.ID), zap.String("name", target.Name))
	return m
}

// Mount starts a fresh connection attempt. ctx bounds every attempt made
// until Unmount.
func (m *Manager) Mount(ctx context.Context) {
	m.mu.Lock()
	if m.mounted {
		m.mu.Unlock()
		return
	}
	m.mounted = true
	m.ctx = ctx
	m.state = Absent
	m.device = nil
	m.output.Reset()
	m.errText = ""
	m.mu.Unlock()

	m.connect()
}

// Unmount cancels any pending attempt and closes the session. Safe to call
// more than once.
func (m *Manager) Unmount() {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return
	}
	m.mounted = false
	m.gen++
	cancel, session := m.cancel, m.session
	m.cancel, m.session = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	session.Close()
	m.log.Debug("unmounted")
}

// Reconnect starts a new attempt from Error or Absent. It does nothing
// while connecting or open.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	ok := m.mounted && (m.state == Error || m.state == Absent)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("reconnect requested")
	m.connect()
}

// Clear dismisses the current error. The session is closed, the remembered
// handle is forgotten and the manager returns to Absent.
func (m *Manager) Clear() {
	m.mu.Lock()
	if !m.mounted || m.state != Error {
		m.mu.Unlock()
		return
	}
	m.gen++
	session := m.session
	m.session = nil
	m.state = Absent
	m.errText = ""
	m.device = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()

	session.Close()
	m.cache.Forget(m.target.Name)
	m.notify(snap)
}

// Send writes text to the open session, or does nothing.
func (m *Manager) Send(text string) {
	m.mu.Lock()
	session := m.session
	open := m.state == Open
	m.mu.Unlock()
	if !open {
		return
	}
	session.Send(text)
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state, Output: m.output.String(), Err: m.errText}
	if m.device != nil {
		d := *m.device
		snap.Device = &d
	}
	return snap
}

func (m *Manager) notify(snap Snapshot) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for _, fn := range m.observers {
		fn(snap)
	}
}

// connect moves to Connecting and starts an attempt in the background.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	old := m.session
	m.session = nil
	m.state = Connecting
	m.errText = ""
	snap := m.snapshotLocked()
	m.mu.Unlock()

	old.Close()
	m.notify(snap)
	go m.attempt(ctx, gen)
}

func (m *Manager) attempt(ctx context.Context, gen int) {
	h, err := m.acquire(ctx)
	if err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.device = &h
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)

	session, err := transport.Open(ctx, m.provider, h,
		transport.WithSettleDelay(m.settle), transport.WithLogger(m.log))
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Unmounted or superseded before the channel opened.
			return
		}
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		session.Close()
		return
	}
	m.session = session
	m.state = Open
	snap = m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("connected")
	m.notify(snap)

	session.Listen(func(text string) { m.receive(gen, text) })

	go func() {
		<-session.Done()
		if err := session.Err(); err != nil {
			m.fail(gen, fmt.Errorf("connection lost: %w", err))
		}
	}()
}

// acquire returns the remembered handle for the target, or prompts for one
// filtered by the target's advertised name.
func (m *Manager) acquire(ctx context.Context) (transport.Handle, error) {
	if h, ok := m.cache.Get(m.target.Name); ok {
		return h, nil
	}
	h, err := m.provider.RequestDeviceByName(ctx, m.target.Name)
	if err != nil {
		return transport.Handle{}, err
	}
	m.cache.Put(h)
	return h, nil
}

func (m *Manager) receive(gen int, text string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.output.WriteString(text)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

func (m *Manager) fail(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	session := m.session
	m.session = nil
	m.state = Error
	m.errText = describe(err, m.target.Name)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	session.Close()
	m.log.Warn("connection error", zap.Error(err))
	m.notify(snap)
}

func describe(err error, name string) string {
	switch {
	case errors.Is(err, transport.ErrCancelled):
		return fmt.Sprintf("Selection of %s was cancelled", name)
	case errors.Is(err, transport.ErrNoDevice):
		return fmt.Sprintf("%s not found. Is it powered on and in range?", name)
	}
	return err.Error()
}
