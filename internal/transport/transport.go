// Package transport turns a device handle into a line-oriented text channel.
//
// The Bluetooth radio lives behind a Provider. A Session wraps one Channel
// opened from a Provider and delivers its output to a single listener.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCancelled is returned when the user dismisses a device prompt.
	ErrCancelled = errors.New("device selection cancelled")

	// ErrNoDevice is returned when no advertised device matches a request.
	ErrNoDevice = errors.New("no matching device found")
)

// Handle identifies a device the provider can open.
type Handle struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a raw duplex text connection to one device.
type Channel interface {
	// Read blocks until the next chunk of device output arrives.
	Read() (string, error)
	Write(text string) error
	Close() error
}

// Provider acquires and opens devices.
type Provider interface {
	// RequestDevice prompts for any supported device.
	RequestDevice(ctx context.Context) (Handle, error)
	// RequestDeviceByName prompts for a device advertising name.
	RequestDeviceByName(ctx context.Context, name string) (Handle, error)
	Open(ctx context.Context, h Handle) (Channel, error)
}

// Chooser presents candidate devices to the user.
type Chooser interface {
	Choose(ctx context.Context, candidates []Handle) (Handle, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(ctx context.Context, candidates []Handle) (Handle, error)

// Choose calls f.
func (f ChooserFunc) Choose(ctx context.Context, candidates []Handle) (Handle, error) {
	return f(ctx, candidates)
}

// Cache remembers handles acquired during this process, keyed by device name.
type Cache struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{handles: make(map[string]Handle)}
}

// Get returns the handle remembered for name.
func (c *Cache) Get(name string) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[name]
	return h, ok
}

// Put remembers h under its name.
func (c *Cache) Put(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[h.Name] = h
}

// Forget drops the handle remembered for name.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, name)
}
