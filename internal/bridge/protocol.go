// Package bridge provides the client and protocol types for talking to the
// BLE bridge helper over NDJSON, on a Unix socket or a websocket.
package bridge

import "github.com/jwulff/microchat/internal/transport"

// Command names understood by the bridge.
const (
	CmdScan    = "scan"
	CmdConnect = "connect"
	CmdWrite   = "write"
	CmdStatus  = "status"
)

// Event names streamed by the bridge after a connect command.
const (
	EventData         = "data"
	EventDisconnected = "disconnected"
)

// Command is sent from a client to the bridge.
type Command struct {
	Cmd       string   `json:"cmd"`
	Name      string   `json:"name,omitempty"`
	Prefixes  []string `json:"prefixes,omitempty"`
	ID        string   `json:"id,omitempty"`
	Text      string   `json:"text,omitempty"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

// Response is returned by the bridge after processing a command.
type Response struct {
	OK      bool               `json:"ok"`
	Devices []transport.Handle `json:"devices,omitempty"`
	Error   string             `json:"error,omitempty"`
	Status  string             `json:"status,omitempty"`
}

// Event is streamed from the bridge to a connected client.
type Event struct {
	Event   string `json:"event"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}
