package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jwulff/microchat/internal/transport"
)

// EspruinoPrefixes are the advertised name prefixes of boards that run
// Espruino.
var EspruinoPrefixes = []string{
	"Puck.js", "Pixl.js", "Bangle.js", "MDBT42Q", "Espruino", "RuuviTag", "iTracker", "Thingy", "Badge",
}

// Provider implements transport.Provider on top of the BLE bridge.
type Provider struct {
	Endpoint    string
	Chooser     transport.Chooser
	ScanTimeout time.Duration
	Prefixes    []string
	Log         *zap.Logger
}

func (p *Provider) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

// RequestDevice scans for any Espruino board and asks the chooser to pick
// one.
func (p *Provider) RequestDevice(ctx context.Context) (transport.Handle, error) {
	prefixes := p.Prefixes
	if len(prefixes) == 0 {
		prefixes = EspruinoPrefixes
	}
	return p.request(ctx, Command{Cmd: CmdScan, Prefixes: prefixes})
}

// RequestDeviceByName scans for boards advertising name and asks the
// chooser to pick one.
func (p *Provider) RequestDeviceByName(ctx context.Context, name string) (transport.Handle, error) {
	return p.request(ctx, Command{Cmd: CmdScan, Name: name})
}

func (p *Provider) request(ctx context.Context, cmd Command) (transport.Handle, error) {
	if p.ScanTimeout > 0 {
		cmd.TimeoutMs = int(p.ScanTimeout / time.Millisecond)
	}

	candidates, err := p.scan(ctx, cmd)
	if err != nil {
		return transport.Handle{}, err
	}
	if len(candidates) == 0 {
		return transport.Handle{}, transport.ErrNoDevice
	}
	if p.Chooser == nil {
		return candidates[0], nil
	}

	h, err := p.Chooser.Choose(ctx, candidates)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return transport.Handle{}, transport.ErrCancelled
		}
		return transport.Handle{}, err
	}
	return h, nil
}

func (p *Provider) scan(ctx context.Context, cmd Command) ([]transport.Handle, error) {
	client, err := Connect(ctx, p.Endpoint)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	// SendCommand blocks on the socket; unblock it when ctx ends.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	resp, err := client.SendCommand(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("scan: %s", resp.Error)
	}

	var out []transport.Handle
	for _, h := range resp.Devices {
		if matches(h.Name, cmd) {
			out = append(out, h)
		}
	}
	p.logger().Debug("scan finished", zap.Int("advertised", len(resp.Devices)), zap.Int("matched", len(out)))
	return out, nil
}

// matches re-applies the scan filter; older bridges ignore it.
func matches(name string, cmd Command) bool {
	if cmd.Name != "" {
		return name == cmd.Name
	}
	if len(cmd.Prefixes) == 0 {
		return true
	}
	for _, prefix := range cmd.Prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Open connects to h and returns a channel streaming its UART output.
func (p *Provider) Open(ctx context.Context, h transport.Handle) (transport.Channel, error) {
	client, err := Connect(ctx, p.Endpoint)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	resp, err := client.SendCommand(Command{Cmd: CmdConnect, ID: h.ID})
	stop()
	if err != nil {
		client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("connect %s: %w", h.ID, err)
	}
	if !resp.OK {
		client.Close()
		return nil, fmt.Errorf("connect %s: %s", h.ID, resp.Error)
	}

	return &channel{client: client}, nil
}

// channel adapts a connected Client to transport.Channel.
type channel struct {
	client *Client
}

func (c *channel) Read() (string, error) {
	for {
		ev, err := c.client.ReadEvent()
		if err != nil {
			return "", err
		}
		switch ev.Event {
		case EventData:
			return ev.Text, nil
		case EventDisconnected:
			msg := ev.Message
			if msg == "" {
				msg = "device disconnected"
			}
			return "", errors.New(msg)
		}
	}
}

func (c *channel) Write(text string) error {
	return c.client.Send(Command{Cmd: CmdWrite, Text: text})
}

func (c *channel) Close() error {
	return c.client.Close()
}
