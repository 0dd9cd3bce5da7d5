package bridge

import (
	"encoding/json"
	"testing"
)

func TestCommandOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Command{Cmd: CmdStatus})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}

	for _, key := range []string{"name", "prefixes", "id", "text", "timeoutMs"} {
		if _, ok := raw[key]; ok {
			t.Errorf("status command should omit %s", key)
		}
	}
}

func TestResponseDevices(t *testing.T) {
	j := `{"ok":true,"devices":[{"id":"c7:1a:2b:3c:4d:5e random","name":"Puck.js 5e4d"},{"id":"e1:02","name":"Bangle.js 0201"}]}`

	var resp Response
	if err := json.Unmarshal([]byte(j), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(resp.Devices) != 2 {
		t.Fatalf("devices len = %d, want 2", len(resp.Devices))
	}
	if resp.Devices[0].ID != "c7:1a:2b:3c:4d:5e random" || resp.Devices[0].Name != "Puck.js 5e4d" {
		t.Errorf("devices[0] = %+v", resp.Devices[0])
	}
}

func TestResponseError(t *testing.T) {
	j := `{"ok":false,"error":"Bluetooth adapter powered off"}`

	var resp Response
	if err := json.Unmarshal([]byte(j), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.OK {
		t.Error("ok = true, want false")
	}
	if resp.Error != "Bluetooth adapter powered off" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestEventDisconnected(t *testing.T) {
	j := `{"event":"disconnected","message":"GATT server disconnected"}`

	var ev Event
	if err := json.Unmarshal([]byte(j), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if ev.Event != EventDisconnected {
		t.Errorf("event = %q, want %q", ev.Event, EventDisconnected)
	}
	if ev.Message != "GATT server disconnected" {
		t.Errorf("message = %q", ev.Message)
	}
}
