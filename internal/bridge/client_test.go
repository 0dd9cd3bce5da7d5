package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwulff/microchat/internal/transport"
)

// mockBridge serves the bridge protocol on a Unix socket. Scan commands get
// the advertised devices; connect commands get ok followed by events, and
// every later write command is recorded.
type mockBridge struct {
	advertised []transport.Handle
	events     []Event

	mu       sync.Mutex
	commands []Command
	writes   []string
}

func (b *mockBridge) record(cmd Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	if cmd.Cmd == CmdWrite {
		b.writes = append(b.writes, cmd.Text)
	}
}

func (b *mockBridge) Writes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.writes...)
}

func (b *mockBridge) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

func (b *mockBridge) serve(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	write := func(v any) {
		data, _ := json.Marshal(v)
		conn.Write(append(data, '\n'))
	}

	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			write(Response{Error: err.Error()})
			continue
		}
		b.record(cmd)

		switch cmd.Cmd {
		case CmdScan:
			write(Response{OK: true, Devices: b.advertised})
		case CmdConnect:
			write(Response{OK: true})
			for _, ev := range b.events {
				write(ev)
			}
		case CmdStatus:
			write(Response{OK: true, Status: "idle"})
		}
	}
}

func startMockBridge(t *testing.T, b *mockBridge) string {
	t.Helper()

	dir := t.TempDir()
	sockPath := filepath.Join(dir, "bridge.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		os.Remove(sockPath)
	})
	return sockPath
}

func TestClientSendCommand(t *testing.T) {
	sockPath := startMockBridge(t, &mockBridge{})

	client, err := Connect(context.Background(), sockPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	got, err := client.SendCommand(Command{Cmd: CmdStatus})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !got.OK {
		t.Error("ok = false, want true")
	}
	if got.Status != "idle" {
		t.Errorf("status = %q, want %q", got.Status, "idle")
	}
}

func TestClientConnectFailure(t *testing.T) {
	_, err := Connect(context.Background(), "/nonexistent/path/ble-bridge.sock")
	if err == nil {
		t.Error("expected error connecting to nonexistent socket")
	}
}

func TestClientOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		json.Unmarshal(data, &cmd)

		resp, _ := json.Marshal(Response{OK: true, Status: "cmd=" + cmd.Cmd})
		ws.WriteMessage(websocket.TextMessage, resp)
		ev, _ := json.Marshal(Event{Event: EventData, Text: "hi"})
		ws.WriteMessage(websocket.TextMessage, ev)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Connect(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.SendCommand(Command{Cmd: CmdStatus})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status != "cmd=status" {
		t.Errorf("status = %q", resp.Status)
	}

	ev, err := client.ReadEvent()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Event != EventData || ev.Text != "hi" {
		t.Errorf("event = %+v", ev)
	}
}

func TestProviderRequestDeviceByName(t *testing.T) {
	b := &mockBridge{advertised: []transport.Handle{
		{ID: "1", Name: "Puck.js abcd"},
		{ID: "2", Name: "Puck.js ffff"},
	}}
	sockPath := startMockBridge(t, b)

	var offered []transport.Handle
	p := &Provider{
		Endpoint: sockPath,
		Chooser: transport.ChooserFunc(func(ctx context.Context, c []transport.Handle) (transport.Handle, error) {
			offered = c
			return c[0], nil
		}),
	}

	h, err := p.RequestDeviceByName(context.Background(), "Puck.js abcd")
	if err != nil {
		t.Fatalf("RequestDeviceByName: %v", err)
	}
	if h.ID != "1" {
		t.Errorf("id = %q, want 1", h.ID)
	}
	if len(offered) != 1 {
		t.Errorf("chooser offered %d devices, want only the name match", len(offered))
	}

	cmds := b.Commands()
	if len(cmds) != 1 || cmds[0].Name != "Puck.js abcd" {
		t.Errorf("commands = %+v", cmds)
	}
}

func TestProviderRequestDeviceFiltersPrefixes(t *testing.T) {
	b := &mockBridge{advertised: []transport.Handle{
		{ID: "1", Name: "Headphones"},
		{ID: "2", Name: "Bangle.js 0201"},
	}}
	p := &Provider{Endpoint: startMockBridge(t, b)}

	h, err := p.RequestDevice(context.Background())
	if err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	if h.Name != "Bangle.js 0201" {
		t.Errorf("name = %q", h.Name)
	}
}

func TestProviderNoMatchingDevice(t *testing.T) {
	b := &mockBridge{advertised: []transport.Handle{{ID: "1", Name: "Headphones"}}}
	p := &Provider{Endpoint: startMockBridge(t, b)}

	_, err := p.RequestDeviceByName(context.Background(), "Puck.js abcd")
	if !errors.Is(err, transport.ErrNoDevice) {
		t.Errorf("err = %v, want ErrNoDevice", err)
	}
}

func TestProviderChooserCancelled(t *testing.T) {
	b := &mockBridge{advertised: []transport.Handle{{ID: "1", Name: "Puck.js abcd"}}}
	p := &Provider{
		Endpoint: startMockBridge(t, b),
		Chooser: transport.ChooserFunc(func(ctx context.Context, c []transport.Handle) (transport.Handle, error) {
			return transport.Handle{}, transport.ErrCancelled
		}),
	}

	_, err := p.RequestDevice(context.Background())
	if !errors.Is(err, transport.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
}

func TestProviderOpenStreamsOutput(t *testing.T) {
	b := &mockBridge{events: []Event{
		{Event: EventData, Text: "Espruino 2v19\r\n"},
		{Event: "rssi"},
		{Event: EventData, Text: ">"},
		{Event: EventDisconnected, Message: "out of range"},
	}}
	p := &Provider{Endpoint: startMockBridge(t, b)}

	ch, err := p.Open(context.Background(), transport.Handle{ID: "1", Name: "Puck.js abcd"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	var got []string
	for {
		text, err := ch.Read()
		if err != nil {
			if err.Error() != "out of range" {
				t.Errorf("disconnect err = %v", err)
			}
			break
		}
		got = append(got, text)
	}
	if strings.Join(got, "") != "Espruino 2v19\r\n>" {
		t.Errorf("output = %q", strings.Join(got, ""))
	}
}

func TestProviderOpenWrites(t *testing.T) {
	b := &mockBridge{}
	p := &Provider{Endpoint: startMockBridge(t, b)}

	ch, err := p.Open(context.Background(), transport.Handle{ID: "1", Name: "Puck.js abcd"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if err := ch.Write("LED1.set()\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w := b.Writes(); len(w) == 1 {
			if w[0] != "LED1.set()\n" {
				t.Errorf("write = %q", w[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("write never reached the bridge")
}
