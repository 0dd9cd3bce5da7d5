// Package relay mirrors device output to an MQTT relay and forwards relay
// messages to the device.
package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults match the board program sent by the "init relay" action.
const (
	DefaultURL     = "wss://mqtt.remotehack.space"
	DefaultChannel = "test"
	DefaultTrigger = "HEY"
	DefaultPayload = "hello()"
	DefaultWindow  = 7
)

// Client is a publish/subscribe connection to the relay.
type Client interface {
	Subscribe(topic string, handler func(payload string)) error
	Publish(topic, payload string) error
	Close()
}

// SendHolder holds the latest send function. Readers always see the value
// set most recently.
type SendHolder struct {
	fn atomic.Pointer[func(string)]
}

// Set replaces the send function. A nil fn clears it.
func (h *SendHolder) Set(fn func(string)) {
	if fn == nil {
		h.fn.Store(nil)
		return
	}
	h.fn.Store(&fn)
}

// Send calls the current send function, if any.
func (h *SendHolder) Send(text string) {
	if p := h.fn.Load(); p != nil {
		(*p)(text)
	}
}

// Options configure a Bridge. Zero fields take the defaults.
type Options struct {
	Channel string
	Trigger string
	Payload string
	Window  int
	Log     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = DefaultChannel
	}
	if o.Trigger == "" {
		o.Trigger = DefaultTrigger
	}
	if o.Payload == "" {
		o.Payload = DefaultPayload
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Bridge watches device output for the trigger and forwards relay messages
// to the holder.
type Bridge struct {
	pub    Client
	sub    Client
	holder *SendHolder
	opts   Options
}

// NewBridge returns a bridge publishing on pub and subscribing on sub.
func NewBridge(pub, sub Client, holder *SendHolder, opts Options) *Bridge {
	return &Bridge{
		pub:    pub,
		sub:    sub,
		holder: holder,
		opts:   opts.withDefaults(),
	}
}

// Start subscribes to the relay channel. Failure is logged and leaves the
// bridge publish-only.
func (b *Bridge) Start() {
	err := b.sub.Subscribe(b.opts.Channel, func(payload string) {
		b.opts.Log.Debug("relay message", zap.String("channel", b.opts.Channel), zap.String("payload", payload))
		b.holder.Send(payload)
	})
	if err != nil {
		b.opts.Log.Warn("relay subscribe", zap.String("channel", b.opts.Channel), zap.Error(err))
	}
}

// Watcher tracks trigger occurrences in one transcript.
type Watcher struct {
	b *Bridge

	mu        sync.Mutex
	lastLen   int
	lastFired int
}

// Watch returns a watcher for a new transcript. Occurrences seen by other
// watchers do not affect it.
func (b *Bridge) Watch() *Watcher {
	return &Watcher{b: b, lastFired: -1}
}

// Observe checks the tail of output for the trigger and publishes the
// payload once per trigger occurrence. It reports whether it published.
func (w *Watcher) Observe(output string) bool {
	opts := w.b.opts

	w.mu.Lock()
	if len(output) < w.lastLen {
		// The transcript was replaced.
		w.lastFired = -1
	}
	w.lastLen = len(output)

	window := tail(output, opts.Window)
	idx := strings.LastIndex(window, opts.Trigger)
	if idx < 0 {
		w.mu.Unlock()
		return false
	}
	pos := len(output) - len(window) + idx
	if pos <= w.lastFired {
		w.mu.Unlock()
		return false
	}
	w.lastFired = pos
	w.mu.Unlock()

	if err := w.b.pub.Publish(opts.Channel, opts.Payload); err != nil {
		opts.Log.Warn("relay publish", zap.String("channel", opts.Channel), zap.Error(err))
	}
	return true
}

// Close disconnects both relay clients.
func (b *Bridge) Close() {
	b.pub.Close()
	b.sub.Close()
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	count := 0
	for i := len(s); i > 0; {
		if count == n {
			return s[i:]
		}
		i--
		for i > 0 && !isRuneStart(s[i]) {
			i--
		}
		count++
	}
	return s
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Dialer opens one relay client.
type Dialer func(ctx context.Context) (Client, error)

// DialBridge opens the publish and subscribe clients concurrently and
// starts the bridge.
func DialBridge(ctx context.Context, dial Dialer, holder *SendHolder, opts Options) (*Bridge, error) {
	var pub, sub Client
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := dial(gctx)
		pub = c
		return err
	})
	g.Go(func() error {
		c, err := dial(gctx)
		sub = c
		return err
	})
	if err := g.Wait(); err != nil {
		if pub != nil {
			pub.Close()
		}
		if sub != nil {
			sub.Close()
		}
		return nil, err
	}

	b := NewBridge(pub, sub, holder, opts)
	b.Start()
	return b, nil
}
