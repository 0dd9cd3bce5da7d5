// Package transporttest provides an in-memory transport.Provider for tests.
package transporttest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jwulff/microchat/internal/transport"
)

// Provider is a scripted transport.Provider. Devices are matched by name;
// RequestErr, when set, is returned from both request calls.
type Provider struct {
	mu         sync.Mutex
	devices    []transport.Handle
	requestErr error
	openErr    error
	opens      int
	requests   int
	channels   []*Channel
}

// NewProvider returns a provider advertising devices.
func NewProvider(devices ...transport.Handle) *Provider {
	return &Provider{devices: devices}
}

// SetRequestErr makes request calls fail with err.
func (p *Provider) SetRequestErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestErr = err
}

// SetOpenErr makes Open fail with err.
func (p *Provider) SetOpenErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
}

// RequestDevice returns the first advertised device.
func (p *Provider) RequestDevice(ctx context.Context) (transport.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.requestErr != nil {
		return transport.Handle{}, p.requestErr
	}
	if len(p.devices) == 0 {
		return transport.Handle{}, transport.ErrNoDevice
	}
	return p.devices[0], nil
}

// RequestDeviceByName returns the advertised device called name.
func (p *Provider) RequestDeviceByName(ctx context.Context, name string) (transport.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	if p.requestErr != nil {
		return transport.Handle{}, p.requestErr
	}
	for _, d := range p.devices {
		if d.Name == name {
			return d, nil
		}
	}
	return transport.Handle{}, transport.ErrNoDevice
}

// Open returns a new in-memory Channel.
func (p *Provider) Open(ctx context.Context, h transport.Handle) (transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	ch := NewChannel()
	p.channels = append(p.channels, ch)
	return ch, nil
}

// Opens reports how many times Open was called.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// Requests reports how many request calls were made.
func (p *Provider) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// Last returns the most recently opened channel, or nil.
func (p *Provider) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

// Channel is an in-memory transport.Channel. Tests push device output with
// Emit and read what was written with Written.
type Channel struct {
	in      chan string
	mu      sync.Mutex
	written []string
	closed  bool
	cause   error
	stop    chan struct{}
	once    sync.Once
}

// NewChannel returns an open channel.
func NewChannel() *Channel {
	return &Channel{in: make(chan string, 64), stop: make(chan struct{})}
}

// Emit queues device output.
func (c *Channel) Emit(text string) {
	c.in <- text
}

// Disconnect simulates the device going away.
func (c *Channel) Disconnect(cause error) {
	c.mu.Lock()
	c.cause = cause
	c.mu.Unlock()
	c.once.Do(func() { close(c.stop) })
}

// Read returns the next emitted chunk.
func (c *Channel) Read() (string, error) {
	select {
	case text := <-c.in:
		return text, nil
	case <-c.stop:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cause != nil {
			return "", c.cause
		}
		return "", io.EOF
	}
}

// Write records text.
func (c *Channel) Write(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("channel closed")
	}
	c.written = append(c.written, text)
	return nil
}

// Close stops the channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.stop) })
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Written returns everything written so far.
func (c *Channel) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}
