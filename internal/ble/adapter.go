// Package ble provides the BLE transport for provisioning tipping devices
// with Wi-Fi credentials. It handles the platform device chooser, the GATT
// session lifecycle, and characteristic access over vendor-specific UUIDs.
package ble

import (
	"context"
	"errors"
)

// Tiply vendor GATT protocol UUIDs. These are a fixed contract with the
// deployed firmware; changing any of them breaks interoperability.
const (
	ServiceUUID = "8f1d0001-3c7a-44f5-9a26-b1f5c7d2e043"

	// WifiScanCharUUID accepts the scan trigger token on write and serves
	// the JSON network list on read.
	WifiScanCharUUID = "8f1d0002-3c7a-44f5-9a26-b1f5c7d2e043"
	// WifiConfigCharUUID accepts the credentials JSON on write.
	WifiConfigCharUUID = "8f1d0003-3c7a-44f5-9a26-b1f5c7d2e043"
	// WifiStatusCharUUID serves the join status token on read.
	WifiStatusCharUUID = "8f1d0004-3c7a-44f5-9a26-b1f5c7d2e043"
	// DeviceIDCharUUID serves the device identifier consumed by the
	// registration API after provisioning.
	DeviceIDCharUUID = "8f1d0005-3c7a-44f5-9a26-b1f5c7d2e043"
)

// Standard services the device may also advertise; the chooser filter
// allows them so the peripheral stays selectable across firmware revisions.
const (
	BatteryServiceUUID    = "0000180f-0000-1000-8000-00805f9b34fb"
	DeviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
)

// Sentinel results of the device chooser.
var (
	// ErrCancelled means the user dismissed the chooser without picking a
	// peripheral. Not a failure; callers return silently to idle.
	ErrCancelled = errors.New("ble: chooser cancelled by user")
	// ErrUnsupported means the platform has no Bluetooth API.
	ErrUnsupported = errors.New("ble: bluetooth not supported on this platform")
)

// Sentinels returned by adapters during discovery; the session wraps them
// into typed ConnectError reasons.
var (
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// Peripheral is an opaque handle to a chosen BLE peripheral. The chooser
// produces it; the session owns it once a connection attempt begins.
type Peripheral struct {
	DisplayName string
	PlatformID  string
	RSSI        int
}

// Filter constrains which advertising peripherals the chooser offers.
type Filter struct {
	ServiceUUID      string
	NamePrefix       string
	OptionalServices []string
}

// DefaultFilter offers peripherals advertising the vendor service, plus
// the battery and device-information services as optional.
func DefaultFilter(namePrefix string) Filter {
	return Filter{
		ServiceUUID:      ServiceUUID,
		NamePrefix:       namePrefix,
		OptionalServices: []string{BatteryServiceUUID, DeviceInfoServiceUUID},
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read retrieves the characteristic's current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// Returns ErrServiceNotFound or ErrCharacteristicNotFound (possibly
	// wrapped) when resolution fails.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection. Safe to call repeatedly.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the platform BLE stack for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals matching the filter until ctx is done.
	Scan(ctx context.Context, filter Filter) ([]Peripheral, error)
	// Connect establishes a connection to the peripheral with the given
	// platform identifier.
	Connect(ctx context.Context, platformID string) (Connection, error)
}
