package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errClosed is returned once the bridge hangs up.
var errClosed = errors.New("connection closed")

// SocketPath returns the default bridge socket path.
func SocketPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "microchat", "ble-bridge.sock")
}

// lineConn carries one JSON document per line or frame.
type lineConn interface {
	ReadLine() ([]byte, error)
	WriteLine(data []byte) error
	Close() error
}

type socketConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func (c *socketConn) ReadLine() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errClosed
	}
	return c.scanner.Bytes(), nil
}

func (c *socketConn) WriteLine(data []byte) error {
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

func (c *socketConn) Close() error { return c.conn.Close() }

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadLine() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteLine(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

// Client communicates with the BLE bridge.
type Client struct {
	conn lineConn
	mu   sync.Mutex
}

// Connect dials endpoint, either a Unix socket path or a ws:// or wss://
// URL.
func Connect(ctx context.Context, endpoint string) (*Client, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to bridge: %w", err)
		}
		ws.SetReadLimit(1024 * 1024)
		return &Client{conn: &wsConn{conn: ws}}, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to bridge: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer

	return &Client{conn: &socketConn{conn: conn, scanner: scanner}}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Send writes a command without waiting for a response.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(cmd)
}

func (c *Client) send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if err := c.conn.WriteLine(data); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// SendCommand sends a command and reads one response line.
func (c *Client) SendCommand(cmd Command) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(cmd); err != nil {
		return Response{}, err
	}

	line, err := c.conn.ReadLine()
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("unmarshal response: %w", err)
	}

	return resp, nil
}

// ReadEvent reads the next NDJSON event line. Blocks until data arrives.
// After a connect command, use this in a loop to receive device output.
func (c *Client) ReadEvent() (Event, error) {
	line, err := c.conn.ReadLine()
	if err != nil {
		return Event{}, fmt.Errorf("read event: %w", err)
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}

	return ev, nil
}
