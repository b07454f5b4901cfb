// Package bridge translates the UI's JSON command envelopes into session
// actions and session outcomes into JSON event envelopes, carried over a
// WebSocket the embedded browser connects to. The UI never sees BLE;
// everything it learns arrives as a STATUS, NOTIFICATION, or ERROR event.
package bridge

import (
	"encoding/json"
	"log/slog"

	"tiggerlink/internal/ble"
	"tiggerlink/internal/session"
)

// Actions accepted from the UI.
const (
	ActionConnect    = "CONNECT"
	ActionDisconnect = "DISCONNECT"
	ActionWrite      = "WRITE"
)

// Command is the inbound UI envelope.
type Command struct {
	Action  string   `json:"action"`
	Payload *Payload `json:"payload,omitempty"`
}

// Payload carries the device-bound text of a WRITE.
type Payload struct {
	Data string `json:"data"`
}

// Event is the outbound UI envelope.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Controller is the slice of the session the bridge drives. Satisfied by
// *session.Session; narrowed to an interface so the bridge is testable
// with a fake.
type Controller interface {
	Connect()
	Disconnect()
	Write(data []byte)
	SelectDevice(ref ble.DeviceRef)
	CancelSelection()
	Candidates() []ble.DeviceRef
}

// Bridge dispatches parsed UI commands to the session controller.
type Bridge struct {
	ctrl Controller
}

// New creates a Bridge over the given controller.
func New(ctrl Controller) *Bridge {
	return &Bridge{ctrl: ctrl}
}

// HandleMessage parses one inbound UI frame and dispatches it. Malformed
// frames and unknown actions are dropped with a local log line; they are
// a bridge-side input problem, never a device-facing ERROR.
func (b *Bridge) HandleMessage(raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Warn("[bridge] malformed command", "error", err)
		return
	}

	switch cmd.Action {
	case ActionConnect:
		b.ctrl.Connect()
	case ActionDisconnect:
		b.ctrl.Disconnect()
	case ActionWrite:
		if cmd.Payload == nil {
			slog.Warn("[bridge] WRITE without payload")
			return
		}
		b.ctrl.Write([]byte(cmd.Payload.Data))
	default:
		slog.Warn("[bridge] unknown action", "action", cmd.Action)
	}
}

// Candidates returns the live manual-selection result set.
func (b *Bridge) Candidates() []ble.DeviceRef {
	return b.ctrl.Candidates()
}

// SelectByAddress resolves addr against the current candidates and, if
// found, hands the device to the session. Reports whether addr was known.
func (b *Bridge) SelectByAddress(addr string) bool {
	for _, ref := range b.ctrl.Candidates() {
		if ref.Address == addr {
			b.ctrl.SelectDevice(ref)
			return true
		}
	}
	return false
}

// CancelSelection abandons manual selection.
func (b *Bridge) CancelSelection() {
	b.ctrl.CancelSelection()
}

// Forward relays session events to the hub until the channel closes.
func Forward(events <-chan session.Event, hub *Hub) {
	for ev := range events {
		hub.Broadcast(Event{Type: string(ev.Kind), Content: ev.Content})
	}
}
