// Package session owns the lifecycle of the single BLE device session.
// All mutable state lives behind one actor goroutine fed by an ordered
// queue: UI commands and transport callbacks are posted to the same
// queue, so transitions apply one at a time and a late callback from a
// torn-down session is recognized by its generation tag and dropped.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tiggerlink/internal/ble"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateAwaitingSelection
	StateConnecting
	StateDiscovering
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateAwaitingSelection:
		return "AWAITING_MANUAL_SELECTION"
	case StateConnecting:
		return "CONNECTING"
	case StateDiscovering:
		return "DISCOVERING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EventKind classifies an outbound session event.
type EventKind string

const (
	EventStatus       EventKind = "STATUS"
	EventNotification EventKind = "NOTIFICATION"
	EventError        EventKind = "ERROR"
)

// Event is an outcome the UI side should hear about.
type Event struct {
	Kind    EventKind
	Content string
}

// STATUS vocabulary.
const (
	StatusScanning     = "SCANNING"
	StatusConnecting   = "CONNECTING..."
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Options configures the target device and session timing.
type Options struct {
	DeviceName     string
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string

	ScanTimeout       time.Duration // automatic scan phase
	ManualScanTimeout time.Duration // manual phase bound, renewed while awaiting selection
	ConnectTimeout    time.Duration // single link attempt
	SettleDelay       time.Duration // wait after link-up before discovery

	QueueSize   int // inbound actor queue depth
	EventBuffer int // outbound event channel depth
}

// DefaultOptions returns the reference deployment settings.
func DefaultOptions() Options {
	return Options{
		DeviceName:        ble.DefaultDeviceName,
		ServiceUUID:       ble.ServiceUUID,
		WriteCharUUID:     ble.WriteCharUUID,
		NotifyCharUUID:    ble.NotifyCharUUID,
		ScanTimeout:       4 * time.Second,
		ManualScanTimeout: 10 * time.Second,
		ConnectTimeout:    10 * time.Second,
		SettleDelay:       time.Second,
		QueueSize:         64,
		EventBuffer:       16,
	}
}

// Inbound actor messages. Commands carry no generation; transport
// completions carry the generation they were issued under.
type message interface{}

type (
	connectCmd      struct{}
	disconnectCmd   struct{}
	writeCmd        struct{ data []byte }
	selectCmd       struct{ ref ble.DeviceRef }
	cancelSelectCmd struct{}

	scanResult struct {
		gen uint64
		ref ble.DeviceRef
	}
	scanTimeout struct{ gen uint64 }
	connectDone struct {
		gen  uint64
		conn ble.Connection
		err  error
	}
	discoveryDone struct {
		gen        uint64
		writeChar  ble.Characteristic
		notifyChar ble.Characteristic
		err        error
	}
	linkLost     struct{ gen uint64 }
	notification struct {
		gen  uint64
		data []byte
	}
)

// Session is the single end-to-end connection between the bridge and one
// physical device. At most one exists per process.
type Session struct {
	adapter ble.Adapter
	opts    Options

	queue  chan message
	events chan Event

	state atomic.Int32

	// Actor-owned fields, touched only from Run's goroutine.
	gen        uint64
	device     *ble.DeviceRef
	conn       ble.Connection
	writeChar  ble.Characteristic
	notifyChar ble.Characteristic
	stopScan   func() // cancels the active scan phase exactly once, nil when none
	scanTimer  *time.Timer

	// mu protects candidates, which the manual picker reads from outside
	// the actor.
	mu         sync.Mutex
	candidates []ble.DeviceRef
}

// New creates a Session. Call Run to start processing.
func New(adapter ble.Adapter, opts Options) *Session {
	def := DefaultOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = def.WriteCharUUID
	}
	if opts.NotifyCharUUID == "" {
		opts.NotifyCharUUID = def.NotifyCharUUID
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ManualScanTimeout <= 0 {
		opts.ManualScanTimeout = def.ManualScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	return &Session{
		adapter: adapter,
		opts:    opts,
		queue:   make(chan message, opts.QueueSize),
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Run processes the inbound queue until ctx is cancelled. Call exactly
// once, in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.doDisconnect()
			return
		case msg := <-s.queue:
			s.handle(msg)
		}
	}
}

// Events returns the stream of session outcomes.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns a snapshot of the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect starts the automatic scan-and-connect sequence. While already
// connected it only re-announces CONNECTED; in any other busy state it is
// rejected.
func (s *Session) Connect() { s.post(connectCmd{}) }

// Disconnect tears the session down. Idempotent from any state.
func (s *Session) Disconnect() { s.post(disconnectCmd{}) }

// Write sends data to the device's write characteristic. Outside an
// active session it is a no-op.
func (s *Session) Write(data []byte) { s.post(writeCmd{data: data}) }

// SelectDevice connects to a manually chosen device. Valid only while
// awaiting selection.
func (s *Session) SelectDevice(ref ble.DeviceRef) { s.post(selectCmd{ref: ref}) }

// CancelSelection abandons manual selection and returns to idle.
func (s *Session) CancelSelection() { s.post(cancelSelectCmd{}) }

// Candidates returns a snapshot of the distinct named devices seen while
// awaiting manual selection, in first-seen order.
func (s *Session) Candidates() []ble.DeviceRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ble.DeviceRef, len(s.candidates))
	copy(out, s.candidates)
	return out
}

func (s *Session) post(msg message) {
	select {
	case s.queue <- msg:
	default:
		slog.Warn("[session] queue full, dropping", "message", fmt.Sprintf("%T", msg))
	}
}

func (s *Session) emit(kind EventKind, content string) {
	select {
	case s.events <- Event{Kind: kind, Content: content}:
	default:
		slog.Warn("[session] event consumer behind, dropping", "kind", kind, "content", content)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) handle(msg message) {
	switch m := msg.(type) {
	case connectCmd:
		s.handleConnect()
	case disconnectCmd:
		s.doDisconnect()
	case writeCmd:
		s.handleWrite(m.data)
	case selectCmd:
		s.handleSelect(m.ref)
	case cancelSelectCmd:
		s.handleCancelSelect()
	case scanResult:
		if m.gen != s.gen {
			return
		}
		s.handleScanResult(m.ref)
	case scanTimeout:
		if m.gen != s.gen {
			return
		}
		s.handleScanTimeout()
	case connectDone:
		if m.gen != s.gen {
			// A link opened for a session that no longer exists.
			if m.conn != nil {
				m.conn.Disconnect()
			}
			return
		}
		s.handleConnectDone(m.conn, m.err)
	case discoveryDone:
		if m.gen != s.gen {
			return
		}
		s.handleDiscoveryDone(m)
	case linkLost:
		if m.gen != s.gen {
			return
		}
		s.handleLinkLost()
	case notification:
		if m.gen != s.gen {
			return
		}
		s.emit(EventNotification, string(m.data))
	}
}

func (s *Session) handleConnect() {
	switch s.State() {
	case StateConnected:
		// Idempotent: re-announce, never reopen.
		s.emit(EventStatus, StatusConnected)
	case StateIdle:
		s.setState(StateScanning)
		s.emit(EventStatus, StatusScanning)
		s.startScan(s.opts.ScanTimeout)
	default:
		slog.Warn("[session] CONNECT ignored", "state", s.State())
	}
}

// startScan begins one scan phase bounded by timeout. Each phase is
// started explicitly; a phase ending never starts another by itself.
func (s *Session) startScan(timeout time.Duration) {
	gen := s.gen
	adapter := s.adapter

	var once sync.Once
	s.stopScan = func() {
		once.Do(func() {
			if err := adapter.StopScan(); err != nil {
				slog.Debug("[session] stop scan", "error", err)
			}
		})
	}

	go func() {
		if err := adapter.Scan(func(ref ble.DeviceRef) {
			s.post(scanResult{gen: gen, ref: ref})
		}); err != nil {
			slog.Warn("[session] scan failed", "error", err)
		}
	}()

	s.scanTimer = time.AfterFunc(timeout, func() {
		s.post(scanTimeout{gen: gen})
	})
}

// cancelScan stops the current scan phase and its timer. Safe to call
// when no scan is active.
func (s *Session) cancelScan() {
	if s.scanTimer != nil {
		s.scanTimer.Stop()
		s.scanTimer = nil
	}
	if s.stopScan != nil {
		s.stopScan()
		s.stopScan = nil
	}
}

func (s *Session) handleScanResult(ref ble.DeviceRef) {
	switch s.State() {
	case StateScanning:
		if ref.Name != s.opts.DeviceName {
			return
		}
		// First exact name match wins; arrival order is the only tie-break.
		s.cancelScan()
		s.beginConnect(ref)
	case StateAwaitingSelection:
		if ref.Name == "" {
			return
		}
		s.addCandidate(ref)
	}
}

func (s *Session) handleScanTimeout() {
	switch s.State() {
	case StateScanning:
		// No automatic match; hand the choice to a human and keep
		// scanning for candidates.
		s.cancelScan()
		s.resetCandidates()
		s.setState(StateAwaitingSelection)
		slog.Info("[session] scan timed out, awaiting manual selection")
		s.startScan(s.opts.ManualScanTimeout)
	case StateAwaitingSelection:
		// Renew the manual scan bound.
		s.cancelScan()
		s.startScan(s.opts.ManualScanTimeout)
	}
}

func (s *Session) handleSelect(ref ble.DeviceRef) {
	if s.State() != StateAwaitingSelection {
		slog.Warn("[session] SELECT ignored", "state", s.State())
		return
	}
	s.cancelScan()
	s.beginConnect(ref)
}

func (s *Session) handleCancelSelect() {
	if s.State() != StateAwaitingSelection {
		slog.Warn("[session] CANCEL ignored", "state", s.State())
		return
	}
	s.doDisconnect()
}

func (s *Session) beginConnect(ref ble.DeviceRef) {
	s.device = &ref
	s.setState(StateConnecting)
	s.emit(EventStatus, StatusConnecting)
	slog.Info("[session] connecting", "name", ref.Name, "address", ref.Address)

	gen := s.gen
	timeout := s.opts.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		conn, err := s.adapter.Connect(ctx, ref)
		s.post(connectDone{gen: gen, conn: conn, err: err})
	}()
}

func (s *Session) handleConnectDone(conn ble.Connection, err error) {
	if s.State() != StateConnecting {
		if conn != nil {
			conn.Disconnect()
		}
		return
	}
	if err != nil {
		s.emit(EventError, "Connect Failed: "+err.Error())
		s.doDisconnect()
		return
	}

	s.conn = conn
	gen := s.gen
	// This subscription is the sole source of truth for unsolicited
	// disconnects.
	conn.OnDisconnect(func() {
		s.post(linkLost{gen: gen})
	})

	s.setState(StateDiscovering)
	settle := s.opts.SettleDelay
	opts := s.opts
	go func() {
		// Some stacks report connected before the GATT table is stable.
		time.Sleep(settle)
		writeChar, notifyChar, derr := discover(conn, opts)
		s.post(discoveryDone{gen: gen, writeChar: writeChar, notifyChar: notifyChar, err: derr})
	}()
}

// discover resolves the fixed service and its write/notify
// characteristics. The returned error text is the user-facing diagnostic.
func discover(conn ble.Connection, opts Options) (writeChar, notifyChar ble.Characteristic, err error) {
	svc, err := conn.Service(opts.ServiceUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("Service Not Found: %w", err)
	}
	writeChar, err = svc.Characteristic(opts.WriteCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("Write Char Not Found: %w", err)
	}
	notifyChar, err = svc.Characteristic(opts.NotifyCharUUID)
	if err != nil {
		return nil, nil, fmt.Errorf("Notify Char Not Found: %w", err)
	}
	return writeChar, notifyChar, nil
}

func (s *Session) handleDiscoveryDone(m discoveryDone) {
	if s.State() != StateDiscovering {
		return
	}
	if m.err != nil {
		s.emit(EventError, m.err.Error())
		s.doDisconnect()
		return
	}

	gen := s.gen
	if err := m.notifyChar.Subscribe(func(data []byte) {
		s.post(notification{gen: gen, data: data})
	}); err != nil {
		s.emit(EventError, "Notify Subscribe Failed: "+err.Error())
		s.doDisconnect()
		return
	}

	s.writeChar = m.writeChar
	s.notifyChar = m.notifyChar
	s.setState(StateConnected)
	s.emit(EventStatus, StatusConnected)
	slog.Info("[session] connected", "name", s.device.Name, "address", s.device.Address)
}

func (s *Session) handleWrite(data []byte) {
	if s.State() != StateConnected || s.writeChar == nil {
		// Writes outside an active session are a no-op, not an error.
		slog.Debug("[session] write ignored", "state", s.State(), "bytes", len(data))
		return
	}
	if err := s.writeChar.Write(data); err != nil {
		// A rejected write is not evidence of link loss; only the
		// connection-state subscription may tear the session down.
		s.emit(EventError, "Write Failed: "+err.Error())
	}
}

func (s *Session) handleLinkLost() {
	if s.device != nil {
		slog.Warn("[session] link lost", "address", s.device.Address)
	}
	s.doDisconnect()
}

// doDisconnect tears the session down from any state and returns to
// idle. Idempotent: from idle it only re-announces DISCONNECTED.
func (s *Session) doDisconnect() {
	s.setState(StateDisconnecting)
	s.cancelScan()
	if s.notifyChar != nil {
		if err := s.notifyChar.Unsubscribe(); err != nil {
			slog.Debug("[session] unsubscribe", "error", err)
		}
	}
	if s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			slog.Debug("[session] disconnect", "error", err)
		}
	}

	// Bumping the generation orphans every in-flight callback that still
	// belongs to the session being cleared.
	s.gen++
	s.conn = nil
	s.writeChar = nil
	s.notifyChar = nil
	s.device = nil
	s.resetCandidates()
	s.setState(StateIdle)
	s.emit(EventStatus, StatusDisconnected)
}

func (s *Session) addCandidate(ref ble.DeviceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.candidates {
		if c.Address == ref.Address {
			return
		}
	}
	s.candidates = append(s.candidates, ref)
	slog.Info("[session] candidate", "name", ref.Name, "address", ref.Address)
}

func (s *Session) resetCandidates() {
	s.mu.Lock()
	s.candidates = nil
	s.mu.Unlock()
}
