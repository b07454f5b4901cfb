// Package ble defines the transport contract the session bridge consumes
// and its tinygo.org/x/bluetooth implementation. Nothing above this
// package touches the platform stack directly; the session drives the
// Adapter interface and the payload bytes stay opaque.
package ble

import "context"

// Well-known TiggerSmart GATT identifiers. The device exposes a single
// serial-style service with one write and one notify characteristic.
const (
	DefaultDeviceName = "TiggerSmart"
	ServiceUUID       = "0000ffe0-0000-1000-8000-00805f9b34fb"
	WriteCharUUID     = "0000ffe1-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID    = "0000ffe2-0000-1000-8000-00805f9b34fb"
)

// DeviceRef identifies a discovered peripheral. Address is the platform
// device identity (a MAC, or a CoreBluetooth UUID on macOS); Name is the
// advertised local name. Two refs point at the same physical device
// exactly when their addresses are equal.
type DeviceRef struct {
	Address string
	Name    string
}

// Characteristic is a resolved GATT characteristic. Valid only for the
// lifetime of the connection that produced it.
type Characteristic interface {
	// Write issues a single write of data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications and registers a callback invoked
	// once per received value.
	Subscribe(cb func(data []byte)) error
	// Unsubscribe disables notifications. Safe to call when not subscribed.
	Unsubscribe() error
}

// Service is a resolved GATT service on an active connection.
type Service interface {
	// Characteristic finds a characteristic by UUID, matched
	// case-insensitively.
	Characteristic(uuid string) (Characteristic, error)
}

// Connection is an open link to a peripheral.
type Connection interface {
	// Service finds a service by UUID, matched case-insensitively.
	Service(uuid string) (Service, error)
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(cb func())
	// Disconnect closes the link.
	Disconnect() error
}

// Adapter abstracts the platform BLE stack.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan streams every received advertisement to onResult until
	// StopScan is called. It blocks for the duration of the scan.
	Scan(onResult func(DeviceRef)) error
	// StopScan ends a running scan. No-op when no scan is active.
	StopScan() error
	// Connect opens a link to the device. The link does not
	// auto-reconnect; supervision belongs to the caller.
	Connect(ctx context.Context, ref DeviceRef) (Connection, error)
}
