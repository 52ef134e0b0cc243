package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tipware/tipsetup/internal/ble"
	"github.com/tipware/tipsetup/internal/ble/wifiproto"
)

// State is the user-visible step of the provisioning flow.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateNetworkDiscovery
	StateCredentialEntry
	StateSubmitting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateNetworkDiscovery:
		return "network-discovery"
	case StateCredentialEntry:
		return "credential-entry"
	case StateSubmitting:
		return "submitting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the outcome of one provisioning attempt.
type Result int

const (
	ResultPending Result = iota
	ResultConnected
	ResultFailed
)

// Attempt records one credential submission. Retries create new attempts;
// prior ones are informational history only.
type Attempt struct {
	ID          uuid.UUID
	SSID        string
	SubmittedAt time.Time
	Result      Result
	FailReason  string
}

// Event is a state snapshot delivered to the registered sink on every
// transition. Message carries user-facing text (capability guidance,
// failure reasons); Err is the typed error when the transition is a
// failure.
type Event struct {
	State   State
	Message string
	Err     error
}

// EventFunc consumes machine events. Called synchronously; it must not
// call back into the machine.
type EventFunc func(Event)

// CapabilityError means BLE provisioning is unavailable in this
// environment; the user must switch device or browser.
type CapabilityError struct {
	Message string
}

func (e *CapabilityError) Error() string { return "provision: " + e.Message }

var (
	// ErrEmptyPassword is the local rejection of an empty passphrase; it
	// causes no state change.
	ErrEmptyPassword = errors.New("provision: password must not be empty")
	// ErrRescanRequired means the session dropped while the user was
	// looking at stale scan results; a fresh scan is needed.
	ErrRescanRequired = errors.New("provision: connection lost, a new scan is required")
)

// ChooseFunc invokes the platform chooser for one peripheral.
type ChooseFunc func(ctx context.Context) (ble.Peripheral, error)

// ConnectFunc opens a GATT session against the chosen peripheral.
type ConnectFunc func(ctx context.Context, p ble.Peripheral) (Session, error)

// Notifier delivers a terminal-state notification. Permission handling
// lives behind this interface; the machine always calls it.
type Notifier interface {
	Notify(title, body string, success bool)
}

// Config wires a Machine.
type Config struct {
	Choose  ChooseFunc
	Connect ConnectFunc
	Proto   *Protocol
	// Capability reports whether provisioning can start here, with the
	// guidance message when it cannot. nil means always capable.
	Capability func() (bool, string)
	Notifier   Notifier // optional
	OnEvent    EventFunc
}

// Machine orchestrates the provisioning flow: a linear walk from Idle to
// Succeeded with Failed reachable from every non-terminal state. All
// methods are user- or caller-driven; the machine never retries on its
// own and never leaks a session past a terminal state or restart.
type Machine struct {
	choose     ChooseFunc
	connect    ConnectFunc
	proto      *Protocol
	capability func() (bool, string)
	notifier   Notifier
	sink       EventFunc

	mu         sync.Mutex
	gen        uint64 // bumped by Reset; stale operations discard their results
	state      State
	peripheral ble.Peripheral
	session    Session
	deviceID   string
	networks   []wifiproto.Network
	selected   *wifiproto.Network
	attempts   []Attempt
	failReason string
}

// New builds a Machine in Idle.
func New(cfg Config) *Machine {
	return &Machine{
		choose:     cfg.Choose,
		connect:    cfg.Connect,
		proto:      cfg.Proto,
		capability: cfg.Capability,
		notifier:   cfg.Notifier,
		sink:       cfg.OnEvent,
		state:      StateIdle,
	}
}

// Start runs the flow from Idle through device choice, connection and
// network discovery, leaving the machine in NetworkDiscovery. A dismissed
// chooser returns nil and the machine stays in Idle, silently. A failed
// capability check emits the guidance message without leaving Idle.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return fmt.Errorf("provision: cannot start from %s, reset first", m.state)
	}
	if m.capability != nil {
		if ok, msg := m.capability(); !ok {
			m.mu.Unlock()
			m.emit(Event{State: StateIdle, Message: msg, Err: &CapabilityError{Message: msg}})
			return &CapabilityError{Message: msg}
		}
	}
	gen := m.gen
	m.state = StateScanning
	m.mu.Unlock()
	m.emit(Event{State: StateScanning})

	peripheral, err := m.choose(ctx)
	if err != nil {
		if errors.Is(err, ble.ErrCancelled) {
			// Dismissing the chooser is not an error: no message, no
			// retry prompt, back to Idle.
			m.mu.Lock()
			if m.gen == gen && m.state == StateScanning {
				m.state = StateIdle
			}
			m.mu.Unlock()
			m.emit(Event{State: StateIdle})
			return nil
		}
		return m.fail(gen, err, userMessage(err))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	m.peripheral = peripheral
	m.state = StateConnecting
	m.mu.Unlock()
	m.emit(Event{State: StateConnecting, Message: peripheral.DisplayName})

	sess, err := m.connect(ctx, peripheral)
	if err != nil {
		return m.fail(gen, err, userMessage(err))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		sess.Disconnect()
		return nil
	}
	m.session = sess
	m.mu.Unlock()

	// The identifier feeds the registration API after success; reading it
	// doubles as the first connectivity probe on the fresh link.
	deviceID, err := readDeviceID(sess)
	if err != nil {
		return m.fail(gen, err, userMessage(err))
	}

	networks, err := m.proto.DiscoverNetworks(ctx, sess)
	if err != nil {
		return m.fail(gen, err, userMessage(err))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	m.deviceID = deviceID
	m.networks = networks
	m.state = StateNetworkDiscovery
	m.mu.Unlock()
	m.emit(Event{State: StateNetworkDiscovery})
	return nil
}

// SelectNetwork moves from NetworkDiscovery to CredentialEntry. A
// selection is only valid while the session is still connected; after a
// drop the cached results are cleared and ErrRescanRequired is returned.
func (m *Machine) SelectNetwork(ssid string) error {
	m.mu.Lock()

	if m.state != StateNetworkDiscovery {
		m.mu.Unlock()
		return fmt.Errorf("provision: cannot select a network in %s", m.state)
	}
	if m.session == nil || !m.session.IsConnected() {
		m.networks = nil
		m.mu.Unlock()
		return ErrRescanRequired
	}
	for i := range m.networks {
		if m.networks[i].SSID == ssid {
			m.selected = &m.networks[i]
			m.state = StateCredentialEntry
			m.mu.Unlock()
			m.emit(Event{State: StateCredentialEntry, Message: ssid})
			return nil
		}
	}
	m.mu.Unlock()
	return fmt.Errorf("provision: network %q is not in the scan results", ssid)
}

// ReopenNetworks returns from CredentialEntry to NetworkDiscovery with
// the cached scan results; no automatic re-scan happens.
func (m *Machine) ReopenNetworks() error {
	m.mu.Lock()
	if m.state != StateCredentialEntry {
		m.mu.Unlock()
		return fmt.Errorf("provision: cannot reopen the network list in %s", m.state)
	}
	m.selected = nil
	m.state = StateNetworkDiscovery
	m.mu.Unlock()
	m.emit(Event{State: StateNetworkDiscovery})
	return nil
}

// Rescan replaces the cached results with a fresh device-side scan. Only
// valid in NetworkDiscovery; any error terminates the attempt at Failed.
func (m *Machine) Rescan(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateNetworkDiscovery {
		m.mu.Unlock()
		return fmt.Errorf("provision: cannot rescan in %s", m.state)
	}
	gen := m.gen
	sess := m.session
	m.networks = nil
	m.mu.Unlock()

	networks, err := m.proto.DiscoverNetworks(ctx, sess)
	if err != nil {
		return m.fail(gen, err, userMessage(err))
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	m.networks = networks
	m.mu.Unlock()
	m.emit(Event{State: StateNetworkDiscovery})
	return nil
}

// Submit pushes the credentials for the selected network and polls for
// the join outcome. An empty password is rejected locally with no state
// change. The machine lands in Succeeded or Failed; both tear the session
// down and trigger the notifier.
func (m *Machine) Submit(ctx context.Context, password string) error {
	m.mu.Lock()
	if m.state != StateCredentialEntry || m.selected == nil {
		m.mu.Unlock()
		return fmt.Errorf("provision: cannot submit credentials in %s", m.state)
	}
	if password == "" {
		m.mu.Unlock()
		return ErrEmptyPassword
	}
	gen := m.gen
	sess := m.session
	creds := wifiproto.Credentials{SSID: m.selected.SSID, Password: password}
	m.attempts = append(m.attempts, Attempt{
		ID:          uuid.New(),
		SSID:        creds.SSID,
		SubmittedAt: time.Now(),
		Result:      ResultPending,
	})
	attemptIdx := len(m.attempts) - 1
	m.state = StateSubmitting
	m.mu.Unlock()
	m.emit(Event{State: StateSubmitting, Message: creds.SSID})

	err := m.proto.SubmitCredentials(ctx, sess, creds)

	m.mu.Lock()
	if m.gen != gen {
		// Restarted mid-flight; the result is discarded.
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		reason := userMessage(err)
		m.attempts[attemptIdx].Result = ResultFailed
		m.attempts[attemptIdx].FailReason = reason
		m.mu.Unlock()
		ferr := m.fail(gen, err, reason)
		if m.notifier != nil {
			m.notifier.Notify("Wi-Fi setup failed", reason, false)
		}
		return ferr
	}

	m.attempts[attemptIdx].Result = ResultConnected
	m.state = StateSucceeded
	m.failReason = ""
	m.session = nil
	ssid := creds.SSID
	m.mu.Unlock()

	sess.Disconnect()
	slog.Info("[provision] device joined network", "ssid", ssid)
	m.emit(Event{State: StateSucceeded, Message: ssid})
	if m.notifier != nil {
		m.notifier.Notify("Wi-Fi connected", fmt.Sprintf("Your device joined %q.", ssid), true)
	}
	return nil
}

// Reset returns to Idle from any state, disconnecting an open session and
// clearing all in-memory protocol state. No partial state survives a
// restart; results of operations still in flight are discarded on return.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.gen++
	sess := m.session
	m.session = nil
	m.peripheral = ble.Peripheral{}
	m.deviceID = ""
	m.networks = nil
	m.selected = nil
	m.failReason = ""
	m.state = StateIdle
	m.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	m.emit(Event{State: StateIdle})
}

// State returns the current flow state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Networks returns the cached scan results in device order.
func (m *Machine) Networks() []wifiproto.Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wifiproto.Network, len(m.networks))
	copy(out, m.networks)
	return out
}

// DeviceID returns the identifier read from the device, for the
// registration API. Empty until a session has been established.
func (m *Machine) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceID
}

// FailReason returns the user-facing reason after a Failed transition.
func (m *Machine) FailReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failReason
}

// Attempts returns the submission history for this machine's lifetime.
func (m *Machine) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}

// fail moves to Failed, tears down the session, and surfaces reason. A
// stale generation (Reset happened meanwhile) discards the failure.
func (m *Machine) fail(gen uint64, err error, reason string) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	sess := m.session
	m.session = nil
	m.state = StateFailed
	m.failReason = reason
	m.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
	slog.Warn("[provision] attempt failed", "reason", reason, "error", err)
	m.emit(Event{State: StateFailed, Message: reason, Err: err})
	return err
}

func (m *Machine) emit(ev Event) {
	if m.sink != nil {
		m.sink(ev)
	}
}

func readDeviceID(sess Session) (string, error) {
	data, err := sess.Read(ble.CharDeviceID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// userMessage maps a typed error to the dismissible text shown to the
// user. Join failures propagate the device's reason verbatim.
func userMessage(err error) string {
	var jf *JoinFailure
	if errors.As(err, &jf) {
		return jf.Reason
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		if errors.Is(err, wifiproto.ErrNoNetworks) {
			return "no networks found"
		}
		return "the device sent an unexpected response"
	}
	var ce *ble.ConnectError
	if errors.As(err, &ce) {
		switch ce.Reason {
		case ble.ReasonServiceNotFound, ble.ReasonCharacteristicNotFound:
			return "this device does not support Wi-Fi setup"
		default:
			return "the device could not be reached"
		}
	}
	if errors.Is(err, ble.ErrUnsupported) {
		return "Bluetooth is not supported here"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the device took too long to respond"
	}
	return err.Error()
}
