package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoAdapter implements Adapter on tinygo.org/x/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, WinRT on Windows).
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device address
}

// NewTinygoAdapter wraps the platform default adapter.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level connect handler is the only place some platforms
	// report an unsolicited link drop, so fan it out to the per-connection
	// callback here.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(onResult func(DeviceRef)) error {
	// Blocks until StopScan is called.
	return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		onResult(DeviceRef{
			Address: result.Address.String(),
			Name:    result.LocalName(),
		})
	})
}

func (a *TinygoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinygoAdapter) Connect(ctx context.Context, ref DeviceRef) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(ref.Address)

	// tinygo's Connect blocks with its own internal timeout. Wrap it so
	// the caller's ctx is still honored.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", ref.Address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", ref.Address, res.err)
		}
		conn := &tinygoConnection{device: res.device}

		// Track the connection so the adapter-level disconnect handler
		// can find it.
		a.mu.Lock()
		a.connections[ref.Address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device       bluetooth.Device
	disconnectCb func()
}

func (c *tinygoConnection) Service(uuid string) (Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	for i := range svcs {
		if strings.EqualFold(svcs[i].UUID().String(), uuid) {
			return &tinygoService{svc: svcs[i]}, nil
		}
	}
	return nil, fmt.Errorf("ble: service %s not found", uuid)
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

type tinygoService struct {
	svc bluetooth.DeviceService
}

func (s *tinygoService) Characteristic(uuid string) (Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	for i := range chars {
		if strings.EqualFold(chars[i].UUID().String(), uuid) {
			return &tinygoCharacteristic{char: chars[i]}, nil
		}
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", uuid)
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf; hand subscribers their own copy.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
}

func (c *tinygoCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
