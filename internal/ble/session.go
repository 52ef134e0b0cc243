package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ConnState is the last-known transport state of a session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	// StateLost means the link dropped underneath us. BLE transports can
	// drop silently, so a failed read or write is the authoritative probe.
	StateLost
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ConnectReason classifies why a session could not be established or why
// an established one failed.
type ConnectReason int

const (
	ReasonUnreachable ConnectReason = iota
	ReasonServiceNotFound
	ReasonCharacteristicNotFound
)

func (r ConnectReason) String() string {
	switch r {
	case ReasonUnreachable:
		return "unreachable"
	case ReasonServiceNotFound:
		return "service not found"
	case ReasonCharacteristicNotFound:
		return "characteristic not found"
	default:
		return fmt.Sprintf("ConnectReason(%d)", int(r))
	}
}

// ConnectError is a typed GATT connection failure.
type ConnectError struct {
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: connect: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ble: connect: %s", e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CharRole names one of the four vendor characteristics a session resolves.
type CharRole int

const (
	CharWifiScan CharRole = iota
	CharWifiConfig
	CharWifiStatus
	CharDeviceID
)

func (r CharRole) String() string {
	switch r {
	case CharWifiScan:
		return "wifiScan"
	case CharWifiConfig:
		return "wifiConfig"
	case CharWifiStatus:
		return "wifiStatus"
	case CharDeviceID:
		return "deviceID"
	default:
		return fmt.Sprintf("CharRole(%d)", int(r))
	}
}

var roleUUIDs = map[CharRole]string{
	CharWifiScan:   WifiScanCharUUID,
	CharWifiConfig: WifiConfigCharUUID,
	CharWifiStatus: WifiStatusCharUUID,
	CharDeviceID:   DeviceIDCharUUID,
}

// Session owns the GATT connection to a chosen peripheral. Sessions are
// not resumable: after any disconnection a new one must be created via
// the Dialer against the same Peripheral.
type Session struct {
	peripheral Peripheral

	mu    sync.Mutex
	state ConnState
	conn  Connection
	chars map[CharRole]Characteristic
}

// Dialer establishes sessions and enforces that at most one is live per
// process: holding an open session keeps the radio link active and the
// peripheral non-discoverable, so a second connect tears down the first.
type Dialer struct {
	adapter Adapter

	mu      sync.Mutex
	current *Session
}

// NewDialer returns a Dialer over the given adapter.
func NewDialer(adapter Adapter) *Dialer {
	return &Dialer{adapter: adapter}
}

// Connect opens a GATT connection to the peripheral, resolves the vendor
// service and all four characteristics, and returns the live session.
// No retry loop lives at this layer; retry is the caller's policy.
func (d *Dialer) Connect(ctx context.Context, peripheral Peripheral) (*Session, error) {
	d.mu.Lock()
	if prev := d.current; prev != nil {
		prev.Disconnect()
		d.current = nil
	}
	d.mu.Unlock()

	s := &Session{
		peripheral: peripheral,
		state:      StateConnecting,
		chars:      make(map[CharRole]Characteristic, len(roleUUIDs)),
	}

	conn, err := d.adapter.Connect(ctx, peripheral.PlatformID)
	if err != nil {
		s.state = StateDisconnected
		return nil, &ConnectError{Reason: ReasonUnreachable, Err: err}
	}

	for role, uuid := range roleUUIDs {
		char, err := conn.DiscoverCharacteristic(ServiceUUID, uuid)
		if err != nil {
			conn.Disconnect()
			s.state = StateDisconnected
			return nil, &ConnectError{Reason: discoveryReason(err), Err: fmt.Errorf("resolving %s: %w", role, err)}
		}
		s.chars[role] = char
	}

	s.conn = conn
	s.state = StateConnected
	conn.OnDisconnect(s.markLost)

	d.mu.Lock()
	d.current = s
	d.mu.Unlock()

	slog.Debug("[BLE] session established", "peripheral", peripheral.DisplayName)
	return s, nil
}

func discoveryReason(err error) ConnectReason {
	switch {
	case errors.Is(err, ErrServiceNotFound):
		return ReasonServiceNotFound
	case errors.Is(err, ErrCharacteristicNotFound):
		return ReasonCharacteristicNotFound
	default:
		return ReasonUnreachable
	}
}

// Peripheral returns the handle this session was established against.
func (s *Session) Peripheral() Peripheral { return s.peripheral }

// State returns the last-known transport state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports the last-known transport state. It can lag reality:
// a failed Write or Read after IsConnected()==true means the link is gone
// and demotes the session to Lost.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Write sends data to the characteristic with the given role. A transport
// failure marks the session Lost and returns ConnectError{Unreachable}.
func (s *Session) Write(role CharRole, data []byte) error {
	char, err := s.char(role)
	if err != nil {
		return err
	}
	if err := char.Write(data); err != nil {
		s.markLost()
		return &ConnectError{Reason: ReasonUnreachable, Err: fmt.Errorf("write %s: %w", role, err)}
	}
	return nil
}

// Read retrieves the value of the characteristic with the given role. A
// transport failure marks the session Lost and returns
// ConnectError{Unreachable}.
func (s *Session) Read(role CharRole) ([]byte, error) {
	char, err := s.char(role)
	if err != nil {
		return nil, err
	}
	data, err := char.Read()
	if err != nil {
		s.markLost()
		return nil, &ConnectError{Reason: ReasonUnreachable, Err: fmt.Errorf("read %s: %w", role, err)}
	}
	return data, nil
}

// DeviceID reads the device identifier characteristic. The registration
// API consumes this value after a successful provisioning attempt.
func (s *Session) DeviceID() (string, error) {
	data, err := s.Read(CharDeviceID)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Disconnect tears the session down. Idempotent: calling it on an
// already-disconnected session is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
	}
}

func (s *Session) char(role CharRole) (Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, &ConnectError{Reason: ReasonUnreachable, Err: fmt.Errorf("session is %s", s.state)}
	}
	char, ok := s.chars[role]
	if !ok {
		return nil, &ConnectError{Reason: ReasonCharacteristicNotFound, Err: fmt.Errorf("no %s characteristic", role)}
	}
	return char, nil
}

func (s *Session) markLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		s.state = StateLost
	}
}
